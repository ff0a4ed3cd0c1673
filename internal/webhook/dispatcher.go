// Package webhook delivers match events to user-registered HTTP endpoints.
// Webhook cadence is independent of the email rate: filing events and some
// corpus types fire at match time while others wait for the digest boundary.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/nazarbodak221/courtalerts/internal/digest"
	"github.com/nazarbodak221/courtalerts/internal/metrics"
	"github.com/nazarbodak221/courtalerts/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Store is the slice of the storage layer the dispatcher needs.
type Store interface {
	ListWebhookEndpoints(ctx context.Context, userID int64) ([]model.WebhookEndpoint, error)
	RecordWebhookAttempt(ctx context.Context, endpointID string, alertID, docID int64, success bool, errMsg string) error
}

// Event is the JSON payload posted to endpoints. It carries the same
// snippet/highlight fields used in email rendering so both channels stay
// consistent.
type Event struct {
	AlertID        int64     `json:"alert_id"`
	AlertName      string    `json:"alert_name"`
	Corpus         string    `json:"corpus"`
	DocumentID     int64     `json:"document_id"`
	Snippet        string    `json:"snippet"`
	Highlighted    bool      `json:"highlighted"`
	CaseLink       string    `json:"case_link,omitempty"`
	Description    string    `json:"description,omitempty"`
	DocumentNumber string    `json:"document_number,omitempty"`
	MatchedAt      time.Time `json:"matched_at"`
}

// Dispatcher posts events with exponential backoff. Exhausted retries are
// recorded as failures, never dropped silently, and never roll back the
// email channel's delivery record.
type Dispatcher struct {
	client     HTTPClient
	store      Store
	log        *slog.Logger
	maxRetries uint64
	retryBase  time.Duration
}

// NewDispatcher creates a Dispatcher with the given HTTP client.
func NewDispatcher(client HTTPClient, store Store, maxRetries int, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:     client,
		store:      store,
		log:        log,
		maxRetries: uint64(maxRetries),
		retryBase:  500 * time.Millisecond,
	}
}

// SetRetryBase overrides the initial backoff delay (useful for testing).
func (d *Dispatcher) SetRetryBase(base time.Duration) {
	d.retryBase = base
}

// FiresImmediately reports whether a webhook for this match is sent at match
// time rather than at the email digest boundary. Filing-level events on
// real-time alerts, oral-argument matches, and RECAP case-level matches fire
// immediately; everything else follows the digest.
func FiresImmediately(corpus model.CorpusType, prov model.Provenance, effective model.Rate) bool {
	if effective == model.RateOff {
		return false
	}
	if effective == model.RateRealTime && prov == model.FromFilingField {
		return true
	}
	switch corpus {
	case model.CorpusOralArgument:
		return true
	case model.CorpusRecap:
		return prov == model.FromCaseField
	}
	return false
}

// Dispatch posts one match event to every enabled endpoint of the alert's
// owner. Failures on one endpoint do not block the others.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *model.Alert, md digest.MatchedDocument, matchedAt time.Time) error {
	if !alert.WebhookEnabled {
		return nil
	}
	endpoints, err := d.store.ListWebhookEndpoints(ctx, alert.UserID)
	if err != nil {
		return fmt.Errorf("list webhook endpoints: %w", err)
	}

	ev := Event{
		AlertID:        alert.ID,
		AlertName:      alert.Name,
		Corpus:         string(alert.Corpus),
		DocumentID:     md.ID,
		Snippet:        md.Snippet,
		Highlighted:    md.Highlighted,
		CaseLink:       md.CaseLink,
		Description:    md.Description,
		DocumentNumber: md.DocumentNumber,
		MatchedAt:      matchedAt,
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	for _, ep := range endpoints {
		d.deliver(ctx, ep, alert.ID, md.ID, body)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, ep model.WebhookEndpoint, alertID, docID int64, body []byte) {
	backoff := retry.WithMaxRetries(d.maxRetries, retry.NewExponential(d.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := d.post(ctx, ep.URL, body); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		metrics.WebhooksSent.WithLabelValues("failure").Inc()
		d.log.Error("webhook delivery failed", "endpoint_id", ep.ID, "alert_id", alertID, "document_id", docID, "error", err)
		if recErr := d.store.RecordWebhookAttempt(ctx, ep.ID, alertID, docID, false, err.Error()); recErr != nil {
			d.log.Error("record webhook failure", "endpoint_id", ep.ID, "error", recErr)
		}
		return
	}
	metrics.WebhooksSent.WithLabelValues("success").Inc()
	if recErr := d.store.RecordWebhookAttempt(ctx, ep.ID, alertID, docID, true, ""); recErr != nil {
		d.log.Error("record webhook success", "endpoint_id", ep.ID, "error", recErr)
	}
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
