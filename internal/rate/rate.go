// Package rate implements delivery-rate semantics: the entitlement gate for
// real-time alerts, per-alert buffering of real-time matches, and the
// calendar boundary math for daily/weekly/monthly sweeps.
package rate

import (
	"sync"
	"time"

	"github.com/nazarbodak221/courtalerts/internal/model"
)

// Entitlements answers whether a user may use the real-time rate. Backed by
// the account/subscription system, which is external to the engine.
type Entitlements interface {
	CanUseRealTime(userID int64) bool
}

// AllowAll grants real-time to everyone. Useful in tests and single-tenant
// deployments.
type AllowAll struct{}

// CanUseRealTime implements Entitlements.
func (AllowAll) CanUseRealTime(int64) bool { return true }

// EffectiveRate returns the rate the engine should act on. An alert stored
// as real-time whose owner is not entitled behaves as daily; the stored rate
// is never mutated, so regaining the entitlement restores real-time delivery
// without an edit.
func EffectiveRate(a *model.Alert, ent Entitlements) model.Rate {
	if a.Rate == model.RateRealTime && !ent.CanUseRealTime(a.UserID) {
		return model.RateDaily
	}
	return a.Rate
}

type buffer struct {
	events  []model.MatchEvent
	seen    map[int64]struct{} // buffered document IDs
	firstAt time.Time
}

// Buffers holds the in-memory real-time buffers, one per alert. Matches are
// held for at most one buffering interval so near-simultaneous filings batch
// into a single delivery. Buffers are owned here, not shared, which keeps
// discard-on-disable and per-alert isolation simple.
type Buffers struct {
	interval time.Duration

	mu      sync.Mutex
	byAlert map[int64]*buffer
}

// NewBuffers creates an empty buffer set with the given flush interval.
func NewBuffers(interval time.Duration) *Buffers {
	return &Buffers{
		interval: interval,
		byAlert:  make(map[int64]*buffer),
	}
}

// Add buffers a match event for its alert and reports whether it was newly
// buffered. A duplicate event for a document already in the buffer is
// collapsed.
func (b *Buffers) Add(ev model.MatchEvent, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.byAlert[ev.AlertID]
	if !ok {
		buf = &buffer{firstAt: now, seen: make(map[int64]struct{})}
		b.byAlert[ev.AlertID] = buf
	}
	if _, dup := buf.seen[ev.DocumentID]; dup {
		return false
	}
	buf.seen[ev.DocumentID] = struct{}{}
	buf.events = append(buf.events, ev)
	return true
}

// FlushDue removes and returns all buffers whose oldest event has waited at
// least one interval.
func (b *Buffers) FlushDue(now time.Time) map[int64][]model.MatchEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[int64][]model.MatchEvent)
	for alertID, buf := range b.byAlert {
		if now.Sub(buf.firstAt) >= b.interval {
			out[alertID] = buf.events
			delete(b.byAlert, alertID)
		}
	}
	return out
}

// ForceFlush removes and returns the buffer for one alert regardless of age,
// for manual test sends.
func (b *Buffers) ForceFlush(alertID int64) []model.MatchEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.byAlert[alertID]
	if !ok {
		return nil
	}
	delete(b.byAlert, alertID)
	return buf.events
}

// Discard drops any buffered matches for an alert without delivering them.
// Called when an alert is disabled.
func (b *Buffers) Discard(alertID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byAlert, alertID)
}

// Len reports how many alerts currently have buffered matches.
func (b *Buffers) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byAlert)
}

// NextBoundary returns the first release boundary strictly after t for the
// given rate, computed in loc. Days end at local midnight, weeks on Monday
// 00:00, months on the first of the next month 00:00.
func NextBoundary(r model.Rate, t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	switch r {
	case model.RateDaily:
		return midnight.AddDate(0, 0, 1)
	case model.RateWeekly:
		days := (8 - int(lt.Weekday())) % 7
		if days == 0 {
			days = 7
		}
		return midnight.AddDate(0, 0, days)
	case model.RateMonthly:
		return time.Date(lt.Year(), lt.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
	}
	return time.Time{}
}

// PeriodStart returns the start of the period that ends at the given
// boundary, i.e. the sweep cutoff.
func PeriodStart(r model.Rate, boundary time.Time, loc *time.Location) time.Time {
	b := boundary.In(loc)
	switch r {
	case model.RateDaily:
		return b.AddDate(0, 0, -1)
	case model.RateWeekly:
		return b.AddDate(0, 0, -7)
	case model.RateMonthly:
		return b.AddDate(0, -1, 0)
	}
	return b
}
