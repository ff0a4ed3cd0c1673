// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"github.com/nazarbodak221/courtalerts/internal/model"
)

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateAlert(ctx context.Context, a *model.Alert) error
	GetAlert(ctx context.Context, id int64) (*model.Alert, error)
	GetAlertByToken(ctx context.Context, token string) (*model.Alert, error)
	ListActiveAlerts(ctx context.Context, corpus model.CorpusType) ([]model.Alert, error)
	UpdateAlert(ctx context.Context, a *model.Alert) error
	DisableAlert(ctx context.Context, token string) error
	SetLastEvaluated(ctx context.Context, alertID int64, at time.Time) error
	CountUserAlerts(ctx context.Context, userID int64) (int, error)

	// RecordDelivered creates the delivery record for (alertID, docID) and
	// reports whether this call created it. A false return with nil error
	// means the pair was already delivered; callers must treat that as a
	// no-op, not a failure.
	RecordDelivered(ctx context.Context, alertID, docID int64, at time.Time) (bool, error)
	WasDelivered(ctx context.Context, alertID, docID int64) (bool, error)
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)

	// AddPendingMatch buffers a match event for a non-real-time alert and
	// reports whether the pair was newly added; duplicates collapse.
	AddPendingMatch(ctx context.Context, ev model.MatchEvent) (bool, error)
	ListPendingMatches(ctx context.Context, alertID int64) ([]model.MatchEvent, error)
	ClearPendingMatches(ctx context.Context, alertID int64) error

	UpsertDocument(ctx context.Context, d *model.Document) error
	GetDocument(ctx context.Context, id int64) (*model.Document, error)
	ListDocumentsSince(ctx context.Context, corpus model.CorpusType, since time.Time) ([]model.Document, error)

	CreateWebhookEndpoint(ctx context.Context, e *model.WebhookEndpoint) error
	ListWebhookEndpoints(ctx context.Context, userID int64) ([]model.WebhookEndpoint, error)
	RecordWebhookAttempt(ctx context.Context, endpointID string, alertID, docID int64, success bool, errMsg string) error

	SubscribeDocket(ctx context.Context, s *model.DocketSubscription) error
	GetDocketSubscriptionByToken(ctx context.Context, token string) (*model.DocketSubscription, error)
	UnsubscribeDocket(ctx context.Context, token string) error
	ResubscribeDocket(ctx context.Context, token string) error

	Close() error
}
