// Package feedingest polls court RSS docket feeds and converts entries into
// document events for the alert pipeline. A court that publishes no feed, or
// a partial one, is a coverage limitation, not an error: the poller logs and
// moves on without retrying forever.
package feedingest

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/nazarbodak221/courtalerts/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Submitter accepts document events for ingestion.
type Submitter interface {
	Submit(ctx context.Context, doc model.Document) error
}

// Feed names one court docket feed to poll.
type Feed struct {
	Court string
	URL   string
}

// Poller downloads configured court feeds on an interval and submits their
// entries as filing events.
type Poller struct {
	client   HTTPClient
	feeds    []Feed
	sink     Submitter
	log      *slog.Logger
	interval time.Duration
}

// NewPoller creates a Poller with the given HTTP client.
func NewPoller(client HTTPClient, feeds []Feed, sink Submitter, interval time.Duration, log *slog.Logger) *Poller {
	return &Poller{
		client:   client,
		feeds:    feeds,
		sink:     sink,
		log:      log,
		interval: interval,
	}
}

// Run polls all feeds until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.pollAll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *Poller) pollAll(ctx context.Context) {
	for _, f := range p.feeds {
		if ctx.Err() != nil {
			return
		}
		docs, err := p.Fetch(ctx, f)
		if err != nil {
			p.log.Warn("fetch court feed", "court", f.Court, "url", f.URL, "error", err)
			continue
		}
		for _, doc := range docs {
			if err := p.sink.Submit(ctx, doc); err != nil {
				p.log.Error("submit document", "court", f.Court, "document_id", doc.ID, "error", err)
			}
		}
	}
}

// Fetch downloads and parses one court feed into filing documents.
func (p *Poller) Fetch(ctx context.Context, f Feed) ([]model.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "CourtAlerts/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	docs := make([]model.Document, 0, len(feed.Items))
	for _, item := range feed.Items {
		docs = append(docs, itemToDocument(f.Court, item))
	}
	return docs, nil
}

// itemToDocument maps one feed entry to a filing event. Docket RSS entries
// carry the case name in the title and the filing description in the entry
// body; identities are derived deterministically from the entry GUID so a
// re-polled entry maps to the same document.
func itemToDocument(court string, item *gofeed.Item) model.Document {
	doc := model.Document{
		ID:          hashID(itemGUID(item)),
		Corpus:      model.CorpusRecap,
		DocketID:    hashID(court + "|" + item.Title),
		Court:       court,
		CaseName:    strings.TrimSpace(item.Title),
		Description: strings.TrimSpace(stripTags(item.Description)),
		ChangedAt:   time.Now().UTC(),
	}
	if item.PublishedParsed != nil {
		t := item.PublishedParsed.UTC()
		doc.ChangedAt = t
		doc.FiledDate = &t
	}
	return doc
}

// itemGUID returns a stable identity for a feed entry, falling back to
// title+link when the feed omits GUIDs.
func itemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Title + "|" + item.Link
}

func hashID(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	// Clear the sign bit; IDs stay positive.
	return int64(h.Sum64() &^ (1 << 63))
}

// stripTags removes the simple markup docket feeds embed in descriptions.
func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
