// Package metrics exposes Prometheus instrumentation for the alert engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsEvaluated counts document events run through the match engine,
	// labeled by corpus.
	EventsEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_events_evaluated_total",
		Help: "Document events evaluated by the match engine",
	}, []string{"corpus"})

	// Matches counts match events produced, labeled by corpus and provenance.
	Matches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_matches_total",
		Help: "Match events produced by the match engine",
	}, []string{"corpus", "provenance"})

	// DigestsBuilt counts digests handed to the digest builder, by rate.
	DigestsBuilt = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_digests_built_total",
		Help: "Digests built and handed off for delivery",
	}, []string{"rate"})

	// DeliveriesDeduped counts suppressed duplicate deliveries.
	DeliveriesDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alerts_deliveries_deduped_total",
		Help: "Deliveries suppressed because the pair was already delivered",
	})

	// WebhooksSent counts webhook deliveries by outcome.
	WebhooksSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_webhooks_sent_total",
		Help: "Webhook delivery outcomes",
	}, []string{"outcome"})

	// SweepFailures counts per-alert digest failures isolated during sweeps.
	SweepFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alerts_sweep_failures_total",
		Help: "Per-alert failures isolated during sweep runs",
	})
)
