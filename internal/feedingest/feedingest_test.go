package feedingest

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nazarbodak221/courtalerts/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadFixture(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("testdata/docket_feed.xml")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return data
}

type captureSink struct {
	docs []model.Document
}

func (c *captureSink) Submit(_ context.Context, doc model.Document) error {
	c.docs = append(c.docs, doc)
	return nil
}

func TestFetchParsesDocketFeed(t *testing.T) {
	fixture := loadFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write(fixture)
	}))
	defer srv.Close()

	p := NewPoller(srv.Client(), nil, nil, time.Minute, discardLogger())
	docs, err := p.Fetch(context.Background(), Feed{Court: "examd", URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}

	got := docs[0]
	filed := time.Date(2026, 8, 31, 14, 5, 0, 0, time.UTC)
	want := model.Document{
		ID:          got.ID,
		Corpus:      model.CorpusRecap,
		DocketID:    got.DocketID,
		Court:       "examd",
		CaseName:    "Coyote v. Acme Corp",
		Description: "[Notice of Removal] (1)",
		FiledDate:   &filed,
		ChangedAt:   filed,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}
	if got.ID <= 0 || got.DocketID <= 0 {
		t.Errorf("derived ids must be positive, got id=%d docket=%d", got.ID, got.DocketID)
	}
	if !got.IsFiling() {
		t.Error("docket feed entries must be filings")
	}
}

func TestFetchStableIdentity(t *testing.T) {
	fixture := loadFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(fixture)
	}))
	defer srv.Close()

	p := NewPoller(srv.Client(), nil, nil, time.Minute, discardLogger())
	first, err := p.Fetch(context.Background(), Feed{Court: "examd", URL: srv.URL})
	if err != nil {
		t.Fatalf("first Fetch() error = %v", err)
	}
	second, err := p.Fetch(context.Background(), Feed{Court: "examd", URL: srv.URL})
	if err != nil {
		t.Fatalf("second Fetch() error = %v", err)
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("entry %d: id changed across polls: %d != %d", i, first[i].ID, second[i].ID)
		}
	}
	if first[0].ID == first[1].ID {
		t.Error("distinct entries must get distinct ids")
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPoller(srv.Client(), nil, nil, time.Minute, discardLogger())
	if _, err := p.Fetch(context.Background(), Feed{Court: "examd", URL: srv.URL}); err == nil {
		t.Fatal("Fetch() must fail on non-200 status")
	}
}

func TestPollAllSubmitsAndSkipsBrokenFeeds(t *testing.T) {
	fixture := loadFixture(t)
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(fixture)
	}))
	defer good.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer broken.Close()

	sink := &captureSink{}
	p := NewPoller(good.Client(), []Feed{
		{Court: "nofeed", URL: broken.URL},
		{Court: "examd", URL: good.URL},
	}, sink, time.Minute, discardLogger())

	p.pollAll(context.Background())

	if len(sink.docs) != 2 {
		t.Fatalf("got %d submitted documents, want 2", len(sink.docs))
	}
	if sink.docs[0].Court != "examd" {
		t.Errorf("court = %q, want examd", sink.docs[0].Court)
	}
}

func TestStripTags(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`[Complaint] (<a href="x">1</a>)`, "[Complaint] (1)"},
		{"plain text", "plain text"},
		{"<p>wrapped</p>", "wrapped"},
	}
	for _, tc := range tests {
		if got := stripTags(tc.in); got != tc.want {
			t.Errorf("stripTags(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
