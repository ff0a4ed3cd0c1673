// Package model defines the domain types used across the application.
package model

import "time"

// CorpusType identifies which document corpus an alert watches.
type CorpusType string

// Supported corpus types.
const (
	CorpusOpinion      CorpusType = "opinion"
	CorpusOralArgument CorpusType = "oral-argument"
	CorpusRecap        CorpusType = "recap"
)

// Rate defines the delivery cadence of an alert.
type Rate string

// Supported delivery rates.
const (
	RateRealTime Rate = "rt"
	RateDaily    Rate = "dly"
	RateWeekly   Rate = "wly"
	RateMonthly  Rate = "mly"
	RateOff      Rate = "off"
)

// RecapScope controls whether a RECAP alert matches only case-level
// records or case records plus individual filings.
type RecapScope string

// Supported RECAP alert scopes.
const (
	ScopeCasesOnly       RecapScope = "cases-only"
	ScopeCasesAndFilings RecapScope = "cases-and-filings"
)

// Alert represents a saved search owned by a user.
type Alert struct {
	ID              int64
	UserID          int64
	Name            string
	Query           string
	Corpus          CorpusType
	Rate            Rate
	RecapScope      RecapScope
	SecretToken     string
	WebhookEnabled  bool
	LastEvaluatedAt *time.Time
	CreatedAt       time.Time
}

// Active reports whether the alert can produce output at all.
func (a *Alert) Active() bool {
	return a.Rate != RateOff && a.Rate != ""
}

// Document is a snapshot of one corpus entry at matching time. For RECAP
// filings, DocketID references the parent case and the case-level fields
// carry the docket's current state; opinions and oral arguments use the
// case-level fields only.
type Document struct {
	ID        int64
	Corpus    CorpusType
	DocketID  int64 // parent case; zero for case-level documents
	ChangedAt time.Time

	// Case-level fields, shared by all filings under the same docket.
	CaseName  string
	Court     string
	Judge     string
	Parties   []string
	Attorneys []string

	// Filing-level fields, specific to this document.
	Description    string
	DocumentNumber string
	PlainText      string
	FiledDate      *time.Time
}

// IsFiling reports whether the document is a docket entry rather than a
// case-level record.
func (d *Document) IsFiling() bool {
	return d.Corpus == CorpusRecap && d.DocketID != 0
}

// Provenance records which field namespace produced a match.
type Provenance string

// Match provenance values. FromFilingField means a field on the triggering
// document satisfied part of the query; FromCaseField means only shared
// case-level state did.
const (
	FromFilingField Provenance = "filing-field"
	FromCaseField   Provenance = "case-field"
)

// MatchEvent is one (alert, document) match produced by the engine.
type MatchEvent struct {
	AlertID    int64
	DocumentID int64
	MatchedAt  time.Time
	Provenance Provenance
}

// DeliveryRecord marks that a document was handed off for an alert.
// At most one record ever exists per (alert, document) pair.
type DeliveryRecord struct {
	AlertID     int64
	DocumentID  int64
	DeliveredAt time.Time
}

// WebhookEndpoint is a user-registered HTTP target for match events.
type WebhookEndpoint struct {
	ID        string
	UserID    int64
	URL       string
	Enabled   bool
	CreatedAt time.Time
}

// DocketSubscription tracks a per-docket alert subscription that can be
// disabled and re-enabled through token links.
type DocketSubscription struct {
	ID          int64
	UserID      int64
	DocketID    int64
	SecretToken string
	Active      bool
	CreatedAt   time.Time
}
