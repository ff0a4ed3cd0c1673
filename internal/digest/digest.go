// Package digest builds the aggregated result set handed to the email
// renderer and webhook dispatcher. The shape here is the output contract:
// grouping, ordering, hit caps and overflow flags are decided in this
// package so renderers stay thin.
package digest

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nazarbodak221/courtalerts/internal/model"
	"github.com/nazarbodak221/courtalerts/internal/query"
)

const snippetLength = 300

// Digest is the rate-scoped aggregation of matches for one alert.
type Digest struct {
	AlertID   int64
	AlertName string
	Corpus    model.CorpusType
	Rate      model.Rate
	Cases     []CaseGroup

	// TotalMatches is the true match count across all cases.
	TotalMatches int
}

// CaseGroup collects the matched documents under one parent case, in filing
// timestamp order. Opinions and oral arguments form one group per document.
type CaseGroup struct {
	DocketID int64
	CaseName string
	Court    string
	Judge    string

	// NumResults is the true matched count for the case. When it reaches
	// the hit limit, Overflow is set and renderers must show "limit+"
	// rather than claiming an exact count.
	NumResults int
	Overflow   bool

	// Documents holds at most hitsLimit entries.
	Documents []MatchedDocument
}

// MatchedDocument is one rendered match. Empty fields are passed through as
// empty; the renderer substitutes its "unknown" placeholder.
type MatchedDocument struct {
	ID             int64
	Corpus         model.CorpusType
	Snippet        string
	Highlighted    bool
	CaseLink       string
	ChildRemaining bool
	Description    string
	DocumentNumber string
	FiledDate      *time.Time
}

// Build aggregates match events into the digest for one alert. docs must
// contain a snapshot for every event's document; events whose document is
// missing are skipped rather than failing the whole digest.
func Build(alert *model.Alert, events []model.MatchEvent, docs map[int64]*model.Document, hitsLimit int) *Digest {
	pred, err := query.Parse(alert.Query)
	if err != nil {
		pred = nil
	}

	d := &Digest{
		AlertID:   alert.ID,
		AlertName: alert.Name,
		Corpus:    alert.Corpus,
		Rate:      alert.Rate,
	}

	sorted := make([]model.MatchEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].MatchedAt.Equal(sorted[j].MatchedAt) {
			return sorted[i].MatchedAt.Before(sorted[j].MatchedAt)
		}
		return sorted[i].DocumentID < sorted[j].DocumentID
	})

	groups := make(map[int64]*CaseGroup)
	var order []int64
	for _, ev := range sorted {
		doc, ok := docs[ev.DocumentID]
		if !ok {
			continue
		}
		key := groupKey(doc)
		g, ok := groups[key]
		if !ok {
			g = &CaseGroup{
				DocketID: doc.DocketID,
				CaseName: doc.CaseName,
				Court:    doc.Court,
				Judge:    doc.Judge,
			}
			groups[key] = g
			order = append(order, key)
		}
		g.NumResults++
		d.TotalMatches++
		g.Documents = append(g.Documents, buildDocument(doc, pred))
	}

	for _, key := range order {
		g := groups[key]
		sortDocuments(g.Documents, docs)
		if g.NumResults >= hitsLimit {
			g.Overflow = true
		}
		if len(g.Documents) > hitsLimit {
			g.Documents = g.Documents[:hitsLimit]
		}
		if g.Overflow {
			for i := range g.Documents {
				g.Documents[i].ChildRemaining = true
			}
		}
		d.Cases = append(d.Cases, *g)
	}
	return d
}

// BuildMatched builds the MatchedDocument for a single match, sharing the
// snippet and highlight logic used for full digests. Used for webhooks that
// fire at match time, ahead of any email.
func BuildMatched(alert *model.Alert, doc *model.Document) MatchedDocument {
	pred, err := query.Parse(alert.Query)
	if err != nil {
		pred = nil
	}
	return buildDocument(doc, pred)
}

// groupKey groups RECAP filings under their parent docket; every other
// document stands alone.
func groupKey(doc *model.Document) int64 {
	if doc.IsFiling() {
		return doc.DocketID
	}
	return -doc.ID
}

// buildDocument is the single corpus dispatch point: it picks the snippet
// source per corpus type and fills the shared core.
func buildDocument(doc *model.Document, pred *query.Predicate) MatchedDocument {
	md := MatchedDocument{
		ID:             doc.ID,
		Corpus:         doc.Corpus,
		Description:    doc.Description,
		DocumentNumber: doc.DocumentNumber,
		FiledDate:      doc.FiledDate,
	}
	if doc.DocketID != 0 {
		md.CaseLink = "/docket/" + strconv.FormatInt(doc.DocketID, 10) + "/"
	}

	var source string
	switch doc.Corpus {
	case model.CorpusRecap:
		source = doc.Description
		if source == "" {
			source = doc.PlainText
		}
	case model.CorpusOpinion, model.CorpusOralArgument:
		source = doc.PlainText
		if source == "" {
			source = doc.CaseName
		}
	}
	md.Snippet = truncate(source, snippetLength)
	md.Highlighted = pred != nil && snippetHighlighted(md.Snippet, pred)
	return md
}

// snippetHighlighted reports whether the snippet actually contains a query
// term, as opposed to being filler context around a match elsewhere in the
// document.
func snippetHighlighted(snippet string, pred *query.Predicate) bool {
	lower := strings.ToLower(snippet)
	for _, t := range pred.Terms {
		if strings.Contains(lower, strings.ToLower(t.Value)) {
			return true
		}
	}
	return false
}

// sortDocuments orders matches within a case by filing timestamp ascending,
// falling back to the change timestamp, then document ID.
func sortDocuments(entries []MatchedDocument, docs map[int64]*model.Document) {
	at := func(md MatchedDocument) time.Time {
		if md.FiledDate != nil {
			return *md.FiledDate
		}
		if doc, ok := docs[md.ID]; ok {
			return doc.ChangedAt
		}
		return time.Time{}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := at(entries[i]), at(entries[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return entries[i].ID < entries[j].ID
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
