// Package match implements the alert match engine: evaluating document
// events and corpus sweeps against the set of active alerts.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nazarbodak221/courtalerts/internal/metrics"
	"github.com/nazarbodak221/courtalerts/internal/model"
	"github.com/nazarbodak221/courtalerts/internal/query"
)

// AlertSource provides the active alerts for a corpus. Implemented by the
// storage layer.
type AlertSource interface {
	ListActiveAlerts(ctx context.Context, corpus model.CorpusType) ([]model.Alert, error)
}

type compiledAlert struct {
	alert model.Alert
	pred  *query.Predicate
}

type cacheEntry struct {
	alerts    []compiledAlert
	fetchedAt time.Time
}

// Engine evaluates documents against active alerts. Alerts are cached per
// corpus with a TTL; the TTL bounds how long a newly created alert can take
// to start matching.
type Engine struct {
	source AlertSource
	log    *slog.Logger
	ttl    time.Duration

	mu    sync.Mutex
	cache map[model.CorpusType]cacheEntry
}

// New creates an Engine reading alerts from source with the given cache TTL.
func New(source AlertSource, ttl time.Duration, log *slog.Logger) *Engine {
	return &Engine{
		source: source,
		log:    log,
		ttl:    ttl,
		cache:  make(map[model.CorpusType]cacheEntry),
	}
}

// Invalidate drops the cached alert set so the next evaluation reloads it.
// Called after alert edits to shorten the staleness window.
func (e *Engine) Invalidate(corpus model.CorpusType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, corpus)
}

// EvaluateEvent evaluates a single ingestion/update event against the active
// alerts for its corpus and returns the matches with provenance. Sweep-only
// predicates are skipped here: they are resolved exclusively by Sweep.
// Case-level parts of a predicate match eagerly against the event's current
// case snapshot; a later case-field change with no new filing event will not
// re-trigger this path.
func (e *Engine) EvaluateEvent(ctx context.Context, doc *model.Document) ([]model.MatchEvent, error) {
	alerts, err := e.activeAlerts(ctx, doc.Corpus)
	if err != nil {
		return nil, err
	}
	metrics.EventsEvaluated.WithLabelValues(string(doc.Corpus)).Inc()

	now := time.Now().UTC()
	var events []model.MatchEvent
	for _, ca := range alerts {
		if ca.pred.SweepOnly() {
			continue
		}
		if !alertWantsDocument(&ca.alert, doc) {
			continue
		}
		if !ca.pred.Match(doc) {
			continue
		}
		events = append(events, makeEvent(ca, doc, now))
	}
	return events, nil
}

// Sweep re-evaluates all documents in a corpus changed since the cutoff
// against current case state. This is the only path that resolves matches
// created by case-level field changes (e.g. a case rename making an old
// filing match) and sweep-only predicates.
func (e *Engine) Sweep(ctx context.Context, docs []model.Document) ([]model.MatchEvent, error) {
	now := time.Now().UTC()
	var events []model.MatchEvent

	byCorpus := make(map[model.CorpusType][]compiledAlert)
	for _, doc := range docs {
		if ctx.Err() != nil {
			return events, ctx.Err()
		}
		alerts, ok := byCorpus[doc.Corpus]
		if !ok {
			var err error
			alerts, err = e.activeAlerts(ctx, doc.Corpus)
			if err != nil {
				return nil, err
			}
			byCorpus[doc.Corpus] = alerts
		}
		for _, ca := range alerts {
			if !alertWantsDocument(&ca.alert, &doc) {
				continue
			}
			if !ca.pred.Match(&doc) {
				continue
			}
			events = append(events, makeEvent(ca, &doc, now))
		}
	}
	return events, nil
}

func makeEvent(ca compiledAlert, doc *model.Document, now time.Time) model.MatchEvent {
	prov := model.FromCaseField
	if ca.pred.MatchedFilingField(doc) {
		prov = model.FromFilingField
	}
	metrics.Matches.WithLabelValues(string(doc.Corpus), string(prov)).Inc()
	return model.MatchEvent{
		AlertID:    ca.alert.ID,
		DocumentID: doc.ID,
		MatchedAt:  now,
		Provenance: prov,
	}
}

// alertWantsDocument applies the RECAP scope flag: cases-only alerts ignore
// filing events entirely.
func alertWantsDocument(a *model.Alert, doc *model.Document) bool {
	if a.Corpus != doc.Corpus {
		return false
	}
	if a.Corpus == model.CorpusRecap && a.RecapScope == model.ScopeCasesOnly && doc.IsFiling() {
		return false
	}
	return true
}

func (e *Engine) activeAlerts(ctx context.Context, corpus model.CorpusType) ([]compiledAlert, error) {
	e.mu.Lock()
	entry, ok := e.cache[corpus]
	fresh := ok && time.Since(entry.fetchedAt) < e.ttl
	e.mu.Unlock()
	if fresh {
		return entry.alerts, nil
	}

	alerts, err := e.source.ListActiveAlerts(ctx, corpus)
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}

	compiled := make([]compiledAlert, 0, len(alerts))
	for _, a := range alerts {
		pred, err := query.Parse(a.Query)
		if err != nil {
			// A malformed legacy query must not break evaluation of the
			// rest of the corpus.
			e.log.Warn("skipping alert with unparseable query", "alert_id", a.ID, "error", err)
			continue
		}
		compiled = append(compiled, compiledAlert{alert: a, pred: pred})
	}

	e.mu.Lock()
	e.cache[corpus] = cacheEntry{alerts: compiled, fetchedAt: time.Now()}
	e.mu.Unlock()
	return compiled, nil
}
