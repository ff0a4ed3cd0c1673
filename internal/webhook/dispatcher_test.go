package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nazarbodak221/courtalerts/internal/digest"
	"github.com/nazarbodak221/courtalerts/internal/model"
)

type memStore struct {
	mu        sync.Mutex
	endpoints []model.WebhookEndpoint
	attempts  []attempt
}

type attempt struct {
	EndpointID string
	AlertID    int64
	DocID      int64
	Success    bool
	Err        string
}

func (m *memStore) ListWebhookEndpoints(_ context.Context, userID int64) ([]model.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.WebhookEndpoint
	for _, e := range m.endpoints {
		if e.UserID == userID && e.Enabled {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) RecordWebhookAttempt(_ context.Context, endpointID string, alertID, docID int64, success bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, attempt{endpointID, alertID, docID, success, errMsg})
	return nil
}

func (m *memStore) getAttempts() []attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]attempt, len(m.attempts))
	copy(cp, m.attempts)
	return cp
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFiresImmediately(t *testing.T) {
	tests := []struct {
		name   string
		corpus model.CorpusType
		prov   model.Provenance
		rate   model.Rate
		want   bool
	}{
		{name: "real-time filing event", corpus: model.CorpusRecap, prov: model.FromFilingField, rate: model.RateRealTime, want: true},
		{name: "daily recap filing waits for digest", corpus: model.CorpusRecap, prov: model.FromFilingField, rate: model.RateDaily, want: false},
		{name: "recap case-level fires regardless of rate", corpus: model.CorpusRecap, prov: model.FromCaseField, rate: model.RateMonthly, want: true},
		{name: "oral argument fires regardless of rate", corpus: model.CorpusOralArgument, prov: model.FromCaseField, rate: model.RateWeekly, want: true},
		{name: "opinion waits for digest", corpus: model.CorpusOpinion, prov: model.FromCaseField, rate: model.RateDaily, want: false},
		{name: "off never fires", corpus: model.CorpusOralArgument, prov: model.FromCaseField, rate: model.RateOff, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FiresImmediately(tt.corpus, tt.prov, tt.rate)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("FiresImmediately mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDispatchPostsPayload(t *testing.T) {
	var mu sync.Mutex
	var received []Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &memStore{endpoints: []model.WebhookEndpoint{
		{ID: "ep-1", UserID: 9, URL: srv.URL, Enabled: true},
	}}
	d := NewDispatcher(srv.Client(), store, 2, discardLogger())

	alert := &model.Alert{ID: 3, UserID: 9, Name: "Removals", Corpus: model.CorpusRecap, WebhookEnabled: true}
	md := digest.MatchedDocument{ID: 77, Snippet: "NOTICE OF REMOVAL", Highlighted: true, CaseLink: "/docket/42/"}
	matchedAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	if err := d.Dispatch(context.Background(), alert, md, matchedAt); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(1, len(received)); diff != "" {
		t.Fatalf("received count mismatch (-want +got):\n%s", diff)
	}
	want := Event{
		AlertID:     3,
		AlertName:   "Removals",
		Corpus:      "recap",
		DocumentID:  77,
		Snippet:     "NOTICE OF REMOVAL",
		Highlighted: true,
		CaseLink:    "/docket/42/",
		MatchedAt:   matchedAt,
	}
	if diff := cmp.Diff(want, received[0]); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}

	attempts := store.getAttempts()
	if diff := cmp.Diff(1, len(attempts)); diff != "" {
		t.Fatalf("attempt count mismatch (-want +got):\n%s", diff)
	}
	if !attempts[0].Success {
		t.Error("expected successful attempt to be recorded")
	}
}

func TestDispatchRetriesThenRecordsFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := &memStore{endpoints: []model.WebhookEndpoint{
		{ID: "ep-1", UserID: 9, URL: srv.URL, Enabled: true},
	}}
	d := NewDispatcher(srv.Client(), store, 2, discardLogger())
	d.SetRetryBase(time.Millisecond)

	alert := &model.Alert{ID: 3, UserID: 9, Corpus: model.CorpusRecap, WebhookEnabled: true}
	if err := d.Dispatch(context.Background(), alert, digest.MatchedDocument{ID: 1}, time.Now()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	mu.Lock()
	gotCalls := calls
	mu.Unlock()
	if diff := cmp.Diff(3, gotCalls); diff != "" {
		t.Errorf("call count mismatch, want initial try plus 2 retries (-want +got):\n%s", diff)
	}

	attempts := store.getAttempts()
	if diff := cmp.Diff(1, len(attempts)); diff != "" {
		t.Fatalf("attempt count mismatch (-want +got):\n%s", diff)
	}
	if attempts[0].Success {
		t.Error("exhausted retries must be recorded as failure")
	}
	if attempts[0].Err == "" {
		t.Error("failure record must carry the error")
	}
}

func TestDispatchSkipsWhenWebhooksDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected when webhooks are disabled")
	}))
	defer srv.Close()

	store := &memStore{endpoints: []model.WebhookEndpoint{
		{ID: "ep-1", UserID: 9, URL: srv.URL, Enabled: true},
	}}
	d := NewDispatcher(srv.Client(), store, 1, discardLogger())

	alert := &model.Alert{ID: 3, UserID: 9, Corpus: model.CorpusRecap, WebhookEnabled: false}
	if err := d.Dispatch(context.Background(), alert, digest.MatchedDocument{ID: 1}, time.Now()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(store.getAttempts()) != 0 {
		t.Error("no attempts expected when webhooks are disabled")
	}
}

func TestDispatchFailureDoesNotBlockOtherEndpoints(t *testing.T) {
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()

	store := &memStore{endpoints: []model.WebhookEndpoint{
		{ID: "ep-dead", UserID: 9, URL: "http://127.0.0.1:1/hook", Enabled: true},
		{ID: "ep-ok", UserID: 9, URL: okSrv.URL, Enabled: true},
	}}
	d := NewDispatcher(http.DefaultClient, store, 0, discardLogger())
	d.SetRetryBase(time.Millisecond)

	alert := &model.Alert{ID: 3, UserID: 9, Corpus: model.CorpusRecap, WebhookEnabled: true}
	if err := d.Dispatch(context.Background(), alert, digest.MatchedDocument{ID: 1}, time.Now()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	attempts := store.getAttempts()
	if diff := cmp.Diff(2, len(attempts)); diff != "" {
		t.Fatalf("attempt count mismatch (-want +got):\n%s", diff)
	}
	outcomes := map[string]bool{}
	for _, a := range attempts {
		outcomes[a.EndpointID] = a.Success
	}
	if outcomes["ep-dead"] {
		t.Error("dead endpoint should record failure")
	}
	if !outcomes["ep-ok"] {
		t.Error("healthy endpoint should record success despite the dead one")
	}
}
