// Package scheduler wires the match engine, rate buffers, dedup store and
// delivery channels together: it consumes document events, runs the
// boundary sweeps, and owns the real-time flush loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nazarbodak221/courtalerts/internal/digest"
	"github.com/nazarbodak221/courtalerts/internal/match"
	"github.com/nazarbodak221/courtalerts/internal/metrics"
	"github.com/nazarbodak221/courtalerts/internal/model"
	"github.com/nazarbodak221/courtalerts/internal/rate"
	"github.com/nazarbodak221/courtalerts/internal/storage"
	"github.com/nazarbodak221/courtalerts/internal/webhook"
)

var allCorpora = []model.CorpusType{model.CorpusOpinion, model.CorpusOralArgument, model.CorpusRecap}

// Config carries the scheduler's tunables.
type Config struct {
	HitsLimit         int
	RealTimeInterval  time.Duration
	SweepTimezone     *time.Location
	DeliveryRetention time.Duration
}

// Scheduler runs the alert pipeline. Ingestion is sharded by corpus type:
// one worker per corpus consumes events so documents of one corpus are
// processed in order while corpora proceed in parallel. Sweeps and the
// real-time flush loop run as separate time-triggered tasks; all paths
// serialize on the delivery-record conditional write.
type Scheduler struct {
	store      storage.Storage
	engine     *match.Engine
	buffers    *rate.Buffers
	dispatcher *webhook.Dispatcher
	deliverer  digest.Deliverer
	ent        rate.Entitlements
	cfg        Config
	log        *slog.Logger
	tick       time.Duration

	events map[model.CorpusType]chan model.Document
}

// New creates a Scheduler.
func New(store storage.Storage, engine *match.Engine, dispatcher *webhook.Dispatcher, deliverer digest.Deliverer, ent rate.Entitlements, cfg Config, log *slog.Logger) *Scheduler {
	events := make(map[model.CorpusType]chan model.Document, len(allCorpora))
	for _, c := range allCorpora {
		events[c] = make(chan model.Document, 256)
	}
	return &Scheduler{
		store:      store,
		engine:     engine,
		buffers:    rate.NewBuffers(cfg.RealTimeInterval),
		dispatcher: dispatcher,
		deliverer:  deliverer,
		ent:        ent,
		cfg:        cfg,
		log:        log,
		tick:       1 * time.Minute,
		events:     events,
	}
}

// SetTickInterval overrides the default 1-minute flush check interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// Submit queues a document event for ingestion.
func (s *Scheduler) Submit(ctx context.Context, doc model.Document) error {
	ch, ok := s.events[doc.Corpus]
	if !ok {
		return fmt.Errorf("unknown corpus %q", doc.Corpus)
	}
	select {
	case ch <- doc:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the ingest workers, flush loop, sweep jobs and retention
// pruning, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, corpus := range allCorpora {
		ch := s.events[corpus]
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case doc := <-ch:
					if err := s.Ingest(ctx, &doc); err != nil {
						s.log.Error("ingest document", "document_id", doc.ID, "error", err)
					}
				}
			}
		})
	}

	g.Go(func() error { return s.flushLoop(ctx) })
	for _, r := range []model.Rate{model.RateDaily, model.RateWeekly, model.RateMonthly} {
		g.Go(func() error { return s.sweepLoop(ctx, r) })
	}
	g.Go(func() error { return s.pruneLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Ingest evaluates one document event and routes the resulting matches:
// real-time matches are buffered, others accumulate as pending matches for
// the next sweep. Webhooks that fire at match time are dispatched here.
func (s *Scheduler) Ingest(ctx context.Context, doc *model.Document) error {
	if err := s.store.UpsertDocument(ctx, doc); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	events, err := s.engine.EvaluateEvent(ctx, doc)
	if err != nil {
		return fmt.Errorf("evaluate event: %w", err)
	}

	now := time.Now().UTC()
	for _, ev := range events {
		alert, err := s.store.GetAlert(ctx, ev.AlertID)
		if err != nil {
			s.log.Error("load alert", "alert_id", ev.AlertID, "error", err)
			continue
		}
		eff := rate.EffectiveRate(alert, s.ent)
		if eff == model.RateOff {
			continue
		}

		delivered, err := s.store.WasDelivered(ctx, ev.AlertID, ev.DocumentID)
		if err != nil {
			s.log.Error("check delivered", "alert_id", ev.AlertID, "document_id", ev.DocumentID, "error", err)
			continue
		}
		if delivered {
			metrics.DeliveriesDeduped.Inc()
			continue
		}

		var fresh bool
		if eff == model.RateRealTime {
			fresh = s.buffers.Add(ev, now)
		} else {
			fresh, err = s.store.AddPendingMatch(ctx, ev)
			if err != nil {
				s.log.Error("add pending match", "alert_id", ev.AlertID, "document_id", ev.DocumentID, "error", err)
				continue
			}
		}
		if fresh && webhook.FiresImmediately(alert.Corpus, ev.Provenance, eff) {
			md := digest.BuildMatched(alert, doc)
			if err := s.dispatcher.Dispatch(ctx, alert, md, ev.MatchedAt); err != nil {
				s.log.Error("dispatch webhook", "alert_id", alert.ID, "document_id", doc.ID, "error", err)
			}
		}
	}
	return nil
}

// FlushRealTime releases every real-time buffer whose interval has elapsed.
func (s *Scheduler) FlushRealTime(ctx context.Context, now time.Time) {
	for alertID, events := range s.buffers.FlushDue(now) {
		if err := s.deliverAlert(ctx, alertID, events); err != nil {
			s.log.Error("deliver real-time buffer", "alert_id", alertID, "error", err)
		}
	}
}

// ForceFlush releases one alert's real-time buffer immediately, e.g. for a
// manual test send.
func (s *Scheduler) ForceFlush(ctx context.Context, alertID int64) error {
	events := s.buffers.ForceFlush(alertID)
	if len(events) == 0 {
		return nil
	}
	return s.deliverAlert(ctx, alertID, events)
}

// DiscardAlert drops any in-flight buffered matches for a disabled alert.
func (s *Scheduler) DiscardAlert(ctx context.Context, alertID int64) error {
	s.buffers.Discard(alertID)
	if err := s.store.ClearPendingMatches(ctx, alertID); err != nil {
		return fmt.Errorf("clear pending matches: %w", err)
	}
	return nil
}

// RunSweep re-evaluates the period's documents against current case state
// and delivers one digest per alert at the given rate. A failure for one
// alert is isolated: it is logged and counted, and the sweep continues.
func (s *Scheduler) RunSweep(ctx context.Context, r model.Rate, boundary time.Time) error {
	since := rate.PeriodStart(r, boundary, s.cfg.SweepTimezone)

	perAlert := make(map[int64][]model.MatchEvent)
	var alerts []model.Alert
	for _, corpus := range allCorpora {
		docs, err := s.store.ListDocumentsSince(ctx, corpus, since)
		if err != nil {
			return fmt.Errorf("list documents for %s: %w", corpus, err)
		}
		events, err := s.engine.Sweep(ctx, docs)
		if err != nil {
			return fmt.Errorf("sweep %s: %w", corpus, err)
		}
		for _, ev := range events {
			perAlert[ev.AlertID] = append(perAlert[ev.AlertID], ev)
		}

		active, err := s.store.ListActiveAlerts(ctx, corpus)
		if err != nil {
			return fmt.Errorf("list active alerts for %s: %w", corpus, err)
		}
		alerts = append(alerts, active...)
	}

	for i := range alerts {
		alert := &alerts[i]
		if rate.EffectiveRate(alert, s.ent) != r {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pending, err := s.store.ListPendingMatches(ctx, alert.ID)
		if err != nil {
			s.log.Error("list pending matches", "alert_id", alert.ID, "error", err)
			metrics.SweepFailures.Inc()
			continue
		}
		merged := mergeEvents(perAlert[alert.ID], pending)
		if len(merged) == 0 {
			continue
		}
		if err := s.deliverAlert(ctx, alert.ID, merged); err != nil {
			s.log.Error("deliver digest", "alert_id", alert.ID, "rate", string(r), "error", err)
			metrics.SweepFailures.Inc()
			continue
		}
	}
	return nil
}

// deliverAlert claims each (alert, document) pair via the conditional
// delivery-record write, builds one digest from the claimed matches and
// hands it off, then emits boundary-paced webhooks. Pairs another worker
// already claimed are silently skipped.
func (s *Scheduler) deliverAlert(ctx context.Context, alertID int64, events []model.MatchEvent) error {
	alert, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return fmt.Errorf("load alert: %w", err)
	}
	if !alert.Active() {
		// Disabled since matching: discard rather than deliver.
		return s.DiscardAlert(ctx, alertID)
	}
	eff := rate.EffectiveRate(alert, s.ent)
	now := time.Now().UTC()

	var claimed []model.MatchEvent
	docs := make(map[int64]*model.Document)
	for _, ev := range events {
		created, err := s.store.RecordDelivered(ctx, ev.AlertID, ev.DocumentID, now)
		if err != nil {
			s.log.Error("record delivered", "alert_id", ev.AlertID, "document_id", ev.DocumentID, "error", err)
			continue
		}
		if !created {
			metrics.DeliveriesDeduped.Inc()
			continue
		}
		doc, err := s.store.GetDocument(ctx, ev.DocumentID)
		if err != nil {
			s.log.Error("load document", "document_id", ev.DocumentID, "error", err)
			continue
		}
		docs[doc.ID] = doc
		claimed = append(claimed, ev)
	}

	if len(claimed) > 0 {
		dg := digest.Build(alert, claimed, docs, s.cfg.HitsLimit)
		if err := s.deliverer.Deliver(ctx, dg); err != nil {
			return fmt.Errorf("deliver digest: %w", err)
		}
		metrics.DigestsBuilt.WithLabelValues(string(alert.Rate)).Inc()

		for _, ev := range claimed {
			if webhook.FiresImmediately(alert.Corpus, ev.Provenance, eff) {
				continue // already fired at match time
			}
			md := digest.BuildMatched(alert, docs[ev.DocumentID])
			if err := s.dispatcher.Dispatch(ctx, alert, md, ev.MatchedAt); err != nil {
				s.log.Error("dispatch webhook", "alert_id", alert.ID, "document_id", ev.DocumentID, "error", err)
			}
		}
	}

	if err := s.store.ClearPendingMatches(ctx, alertID); err != nil {
		return fmt.Errorf("clear pending matches: %w", err)
	}
	if err := s.store.SetLastEvaluated(ctx, alertID, now); err != nil {
		s.log.Error("set last evaluated", "alert_id", alertID, "error", err)
	}
	return nil
}

func (s *Scheduler) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.FlushRealTime(ctx, now.UTC())
		}
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context, r model.Rate) error {
	for {
		next := rate.NextBoundary(r, time.Now(), s.cfg.SweepTimezone)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if err := s.RunSweep(ctx, r, next); err != nil {
				s.log.Error("sweep run", "rate", string(r), "error", err)
			}
		}
	}
}

func (s *Scheduler) pruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			n, err := s.store.PruneDeliveries(ctx, now.UTC().Add(-s.cfg.DeliveryRetention))
			if err != nil {
				s.log.Error("prune deliveries", "error", err)
				continue
			}
			if n > 0 {
				s.log.Info("pruned delivery records", "count", n)
			}
		}
	}
}

// mergeEvents combines sweep results with accumulated pending matches,
// collapsing duplicates per document.
func mergeEvents(sweep, pending []model.MatchEvent) []model.MatchEvent {
	seen := make(map[int64]struct{}, len(sweep)+len(pending))
	var out []model.MatchEvent
	for _, ev := range append(pending, sweep...) {
		if _, dup := seen[ev.DocumentID]; dup {
			continue
		}
		seen[ev.DocumentID] = struct{}{}
		out = append(out, ev)
	}
	return out
}
