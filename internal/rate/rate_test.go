package rate

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nazarbodak221/courtalerts/internal/model"
)

type denyAll struct{}

func (denyAll) CanUseRealTime(int64) bool { return false }

func TestEffectiveRate(t *testing.T) {
	tests := []struct {
		name string
		rate model.Rate
		ent  Entitlements
		want model.Rate
	}{
		{name: "entitled real-time stays", rate: model.RateRealTime, ent: AllowAll{}, want: model.RateRealTime},
		{name: "unentitled real-time downgrades to daily", rate: model.RateRealTime, ent: denyAll{}, want: model.RateDaily},
		{name: "daily unaffected by entitlement", rate: model.RateDaily, ent: denyAll{}, want: model.RateDaily},
		{name: "off stays off", rate: model.RateOff, ent: AllowAll{}, want: model.RateOff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &model.Alert{ID: 1, UserID: 2, Rate: tt.rate}
			got := EffectiveRate(a, tt.ent)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("EffectiveRate mismatch (-want +got):\n%s", diff)
			}
			// The stored rate is never mutated.
			if diff := cmp.Diff(tt.rate, a.Rate); diff != "" {
				t.Errorf("stored rate mutated (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuffersFlushDue(t *testing.T) {
	b := NewBuffers(5 * time.Minute)
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	b.Add(model.MatchEvent{AlertID: 1, DocumentID: 10}, base)
	b.Add(model.MatchEvent{AlertID: 1, DocumentID: 11}, base.Add(time.Minute))
	b.Add(model.MatchEvent{AlertID: 2, DocumentID: 20}, base.Add(4*time.Minute))
	// Duplicate document collapses.
	if b.Add(model.MatchEvent{AlertID: 1, DocumentID: 10}, base.Add(2*time.Minute)) {
		t.Fatal("duplicate buffered document must not report newly added")
	}

	// Before the interval elapses nothing is due.
	due := b.FlushDue(base.Add(4 * time.Minute))
	if len(due) != 0 {
		t.Fatalf("expected nothing due, got %d buffers", len(due))
	}

	// Alert 1's oldest event is 5 minutes old; alert 2's is only 1 minute.
	due = b.FlushDue(base.Add(5 * time.Minute))
	if diff := cmp.Diff(1, len(due)); diff != "" {
		t.Fatalf("due buffer count mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(2, len(due[1])); diff != "" {
		t.Errorf("alert 1 event count mismatch (-want +got):\n%s", diff)
	}

	// Flushed buffers are gone; alert 2 remains.
	if diff := cmp.Diff(1, b.Len()); diff != "" {
		t.Errorf("remaining buffer count mismatch (-want +got):\n%s", diff)
	}
}

func TestBuffersForceFlushAndDiscard(t *testing.T) {
	b := NewBuffers(5 * time.Minute)
	now := time.Now().UTC()

	b.Add(model.MatchEvent{AlertID: 1, DocumentID: 10}, now)
	b.Add(model.MatchEvent{AlertID: 2, DocumentID: 20}, now)

	events := b.ForceFlush(1)
	if diff := cmp.Diff(1, len(events)); diff != "" {
		t.Errorf("force flush event count mismatch (-want +got):\n%s", diff)
	}
	if events := b.ForceFlush(1); events != nil {
		t.Errorf("second force flush should return nil, got %v", events)
	}

	b.Discard(2)
	if diff := cmp.Diff(0, b.Len()); diff != "" {
		t.Errorf("buffer count after discard (-want +got):\n%s", diff)
	}
	// Discarded matches never come back.
	due := b.FlushDue(now.Add(time.Hour))
	if len(due) != 0 {
		t.Errorf("discarded buffer must not flush, got %d", len(due))
	}
}

func TestNextBoundary(t *testing.T) {
	utc := time.UTC
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	tests := []struct {
		name string
		rate model.Rate
		t    time.Time
		loc  *time.Location
		want time.Time
	}{
		{
			name: "daily is next midnight",
			rate: model.RateDaily,
			t:    time.Date(2026, 3, 2, 10, 30, 0, 0, utc),
			loc:  utc,
			want: time.Date(2026, 3, 3, 0, 0, 0, 0, utc),
		},
		{
			name: "daily at midnight goes to next day",
			rate: model.RateDaily,
			t:    time.Date(2026, 3, 2, 0, 0, 0, 0, utc),
			loc:  utc,
			want: time.Date(2026, 3, 3, 0, 0, 0, 0, utc),
		},
		{
			name: "weekly ends on Monday",
			rate: model.RateWeekly,
			t:    time.Date(2026, 3, 4, 15, 0, 0, 0, utc), // a Wednesday
			loc:  utc,
			want: time.Date(2026, 3, 9, 0, 0, 0, 0, utc),
		},
		{
			name: "weekly on a Monday goes to next Monday",
			rate: model.RateWeekly,
			t:    time.Date(2026, 3, 9, 0, 0, 0, 0, utc),
			loc:  utc,
			want: time.Date(2026, 3, 16, 0, 0, 0, 0, utc),
		},
		{
			name: "monthly is first of next month",
			rate: model.RateMonthly,
			t:    time.Date(2026, 3, 15, 8, 0, 0, 0, utc),
			loc:  utc,
			want: time.Date(2026, 4, 1, 0, 0, 0, 0, utc),
		},
		{
			name: "daily respects configured zone",
			rate: model.RateDaily,
			t:    time.Date(2026, 3, 2, 23, 30, 0, 0, utc), // 18:30 in New York
			loc:  ny,
			want: time.Date(2026, 3, 3, 0, 0, 0, 0, ny),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextBoundary(tt.rate, tt.t, tt.loc)
			if !got.Equal(tt.want) {
				t.Errorf("NextBoundary = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPeriodStart(t *testing.T) {
	utc := time.UTC
	boundary := time.Date(2026, 3, 9, 0, 0, 0, 0, utc)

	tests := []struct {
		rate model.Rate
		want time.Time
	}{
		{rate: model.RateDaily, want: time.Date(2026, 3, 8, 0, 0, 0, 0, utc)},
		{rate: model.RateWeekly, want: time.Date(2026, 3, 2, 0, 0, 0, 0, utc)},
		{rate: model.RateMonthly, want: time.Date(2026, 2, 9, 0, 0, 0, 0, utc)},
	}

	for _, tt := range tests {
		t.Run(string(tt.rate), func(t *testing.T) {
			got := PeriodStart(tt.rate, boundary, utc)
			if !got.Equal(tt.want) {
				t.Errorf("PeriodStart = %v, want %v", got, tt.want)
			}
		})
	}
}
