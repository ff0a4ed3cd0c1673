package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/nazarbodak221/courtalerts/internal/model"
	"github.com/nazarbodak221/courtalerts/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateAlert inserts a new alert and populates its ID and CreatedAt.
func (s *SQLite) CreateAlert(ctx context.Context, a *model.Alert) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (user_id, name, query, corpus, rate, recap_scope, secret_token, webhook_enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UserID, a.Name, a.Query, string(a.Corpus), string(a.Rate), string(a.RecapScope),
		a.SecretToken, boolToInt(a.WebhookEnabled), now,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	a.ID = id
	a.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

const alertColumns = `id, user_id, name, query, corpus, rate, recap_scope, secret_token, webhook_enabled, last_evaluated_at, created_at`

// GetAlert returns a single alert by its ID.
func (s *SQLite) GetAlert(ctx context.Context, id int64) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id,
	)
	return scanAlert(row)
}

// GetAlertByToken returns the alert owning the given secret token.
func (s *SQLite) GetAlertByToken(ctx context.Context, token string) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE secret_token = ?`, token,
	)
	return scanAlert(row)
}

// ListActiveAlerts returns all alerts for a corpus whose rate is not off.
func (s *SQLite) ListActiveAlerts(ctx context.Context, corpus model.CorpusType) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE corpus = ? AND rate != ? ORDER BY id`,
		string(corpus), string(model.RateOff),
	)
	if err != nil {
		return nil, fmt.Errorf("query active alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanAlerts(rows)
}

// UpdateAlert persists changes to an existing alert.
func (s *SQLite) UpdateAlert(ctx context.Context, a *model.Alert) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET name = ?, query = ?, corpus = ?, rate = ?, recap_scope = ?, webhook_enabled = ?
		 WHERE id = ?`,
		a.Name, a.Query, string(a.Corpus), string(a.Rate), string(a.RecapScope),
		boolToInt(a.WebhookEnabled), a.ID,
	)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	return nil
}

// DisableAlert sets the rate of the alert owning token to off. Disabling an
// already-off alert is a no-op; an unknown token is an error.
func (s *SQLite) DisableAlert(ctx context.Context, token string) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts WHERE secret_token = ?`, token,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("lookup alert token: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("no alert for token: %w", sql.ErrNoRows)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE alerts SET rate = ? WHERE secret_token = ?`,
		string(model.RateOff), token,
	)
	if err != nil {
		return fmt.Errorf("disable alert: %w", err)
	}
	return nil
}

// SetLastEvaluated records when an alert was last evaluated.
func (s *SQLite) SetLastEvaluated(ctx context.Context, alertID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET last_evaluated_at = ? WHERE id = ?`,
		at.UTC().Format(timeLayout), alertID,
	)
	if err != nil {
		return fmt.Errorf("set last evaluated: %w", err)
	}
	return nil
}

// CountUserAlerts returns how many alerts (any rate) a user owns.
func (s *SQLite) CountUserAlerts(ctx context.Context, userID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts WHERE user_id = ?`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count user alerts: %w", err)
	}
	return count, nil
}

// RecordDelivered inserts the delivery record for (alertID, docID) if absent.
// The conditional insert is the serialization point between concurrent
// deliverers: exactly one caller observes created=true for a given pair.
func (s *SQLite) RecordDelivered(ctx context.Context, alertID, docID int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO delivery_records (alert_id, document_id, delivered_at) VALUES (?, ?, ?)`,
		alertID, docID, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("record delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// WasDelivered checks whether a delivery record exists for the pair.
func (s *SQLite) WasDelivered(ctx context.Context, alertID, docID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_records WHERE alert_id = ? AND document_id = ?`,
		alertID, docID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check delivered: %w", err)
	}
	return count > 0, nil
}

// PruneDeliveries removes delivery records older than the cutoff and returns
// how many were deleted. The retention window must exceed the monthly rate
// period so re-runs of old sweeps still dedupe correctly.
func (s *SQLite) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM delivery_records WHERE delivered_at < ?`,
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return res.RowsAffected()
}

// AddPendingMatch buffers a match event for a non-real-time alert and
// reports whether the pair was newly added. Duplicate events for the same
// pair collapse into one row.
func (s *SQLite) AddPendingMatch(ctx context.Context, ev model.MatchEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pending_matches (alert_id, document_id, matched_at, provenance) VALUES (?, ?, ?, ?)`,
		ev.AlertID, ev.DocumentID, ev.MatchedAt.UTC().Format(timeLayout), string(ev.Provenance),
	)
	if err != nil {
		return false, fmt.Errorf("add pending match: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListPendingMatches returns buffered matches for an alert, oldest first.
func (s *SQLite) ListPendingMatches(ctx context.Context, alertID int64) ([]model.MatchEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT alert_id, document_id, matched_at, provenance FROM pending_matches
		 WHERE alert_id = ? ORDER BY matched_at, document_id`, alertID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending matches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.MatchEvent
	for rows.Next() {
		var ev model.MatchEvent
		var matchedStr, provStr string
		if err := rows.Scan(&ev.AlertID, &ev.DocumentID, &matchedStr, &provStr); err != nil {
			return nil, fmt.Errorf("scan pending match: %w", err)
		}
		ev.MatchedAt, _ = time.Parse(timeLayout, matchedStr)
		ev.Provenance = model.Provenance(provStr)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ClearPendingMatches drops all buffered matches for an alert.
func (s *SQLite) ClearPendingMatches(ctx context.Context, alertID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_matches WHERE alert_id = ?`, alertID)
	if err != nil {
		return fmt.Errorf("clear pending matches: %w", err)
	}
	return nil
}

// UpsertDocument stores or refreshes a document snapshot for sweep
// re-evaluation against current case state.
func (s *SQLite) UpsertDocument(ctx context.Context, d *model.Document) error {
	parties, err := json.Marshal(d.Parties)
	if err != nil {
		return fmt.Errorf("marshal parties: %w", err)
	}
	attorneys, err := json.Marshal(d.Attorneys)
	if err != nil {
		return fmt.Errorf("marshal attorneys: %w", err)
	}
	var filed *string
	if d.FiledDate != nil {
		v := d.FiledDate.UTC().Format(timeLayout)
		filed = &v
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (id, corpus, docket_id, changed_at, case_name, court, judge, parties, attorneys, description, document_number, plain_text, filed_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   corpus = excluded.corpus, docket_id = excluded.docket_id, changed_at = excluded.changed_at,
		   case_name = excluded.case_name, court = excluded.court, judge = excluded.judge,
		   parties = excluded.parties, attorneys = excluded.attorneys, description = excluded.description,
		   document_number = excluded.document_number, plain_text = excluded.plain_text, filed_date = excluded.filed_date`,
		d.ID, string(d.Corpus), d.DocketID, d.ChangedAt.UTC().Format(timeLayout),
		d.CaseName, d.Court, d.Judge, string(parties), string(attorneys),
		d.Description, d.DocumentNumber, d.PlainText, filed,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

const documentColumns = `id, corpus, docket_id, changed_at, case_name, court, judge, parties, attorneys, description, document_number, plain_text, filed_date`

// GetDocument returns a stored document snapshot by ID.
func (s *SQLite) GetDocument(ctx context.Context, id int64) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id,
	)
	return scanDocument(row)
}

// ListDocumentsSince returns documents in a corpus changed at or after since,
// oldest first.
func (s *SQLite) ListDocumentsSince(ctx context.Context, corpus model.CorpusType, since time.Time) ([]model.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE corpus = ? AND changed_at >= ? ORDER BY changed_at, id`,
		string(corpus), since.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// CreateWebhookEndpoint registers a new webhook target.
func (s *SQLite) CreateWebhookEndpoint(ctx context.Context, e *model.WebhookEndpoint) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_endpoints (id, user_id, url, enabled, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.URL, boolToInt(e.Enabled), now,
	)
	if err != nil {
		return fmt.Errorf("insert webhook endpoint: %w", err)
	}
	e.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// ListWebhookEndpoints returns all enabled endpoints for a user.
func (s *SQLite) ListWebhookEndpoints(ctx context.Context, userID int64) ([]model.WebhookEndpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, url, enabled, created_at FROM webhook_endpoints
		 WHERE user_id = ? AND enabled = 1 ORDER BY created_at`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query webhook endpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var endpoints []model.WebhookEndpoint
	for rows.Next() {
		var e model.WebhookEndpoint
		var enabled int
		var createdStr string
		if err := rows.Scan(&e.ID, &e.UserID, &e.URL, &enabled, &createdStr); err != nil {
			return nil, fmt.Errorf("scan webhook endpoint: %w", err)
		}
		e.Enabled = enabled == 1
		e.CreatedAt, _ = time.Parse(timeLayout, createdStr)
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

// RecordWebhookAttempt logs the outcome of one webhook delivery attempt.
// Exhausted retries land here as a recorded failure, never a silent drop.
func (s *SQLite) RecordWebhookAttempt(ctx context.Context, endpointID string, alertID, docID int64, success bool, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_attempts (endpoint_id, alert_id, document_id, success, error, attempted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		endpointID, alertID, docID, boolToInt(success), errMsg, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record webhook attempt: %w", err)
	}
	return nil
}

// SubscribeDocket creates a docket subscription and populates its ID.
func (s *SQLite) SubscribeDocket(ctx context.Context, sub *model.DocketSubscription) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO docket_subscriptions (user_id, docket_id, secret_token, active, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sub.UserID, sub.DocketID, sub.SecretToken, boolToInt(sub.Active), now,
	)
	if err != nil {
		return fmt.Errorf("insert docket subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	sub.ID = id
	sub.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetDocketSubscriptionByToken returns the subscription owning the token.
func (s *SQLite) GetDocketSubscriptionByToken(ctx context.Context, token string) (*model.DocketSubscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, docket_id, secret_token, active, created_at
		 FROM docket_subscriptions WHERE secret_token = ?`, token,
	)
	var sub model.DocketSubscription
	var active int
	var createdStr string
	err := row.Scan(&sub.ID, &sub.UserID, &sub.DocketID, &sub.SecretToken, &active, &createdStr)
	if err != nil {
		return nil, fmt.Errorf("scan docket subscription: %w", err)
	}
	sub.Active = active == 1
	sub.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	return &sub, nil
}

// UnsubscribeDocket deactivates the subscription owning the token. Already
// inactive subscriptions are a no-op.
func (s *SQLite) UnsubscribeDocket(ctx context.Context, token string) error {
	return s.setDocketActive(ctx, token, false)
}

// ResubscribeDocket re-activates a previously disabled subscription.
func (s *SQLite) ResubscribeDocket(ctx context.Context, token string) error {
	return s.setDocketActive(ctx, token, true)
}

func (s *SQLite) setDocketActive(ctx context.Context, token string, active bool) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM docket_subscriptions WHERE secret_token = ?`, token,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("lookup subscription token: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("no subscription for token: %w", sql.ErrNoRows)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE docket_subscriptions SET active = ? WHERE secret_token = ?`,
		boolToInt(active), token,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAlert(row scannable) (*model.Alert, error) {
	var a model.Alert
	var corpusStr, rateStr, scopeStr string
	var webhookEnabled int
	var lastEval, created sql.NullString
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Query, &corpusStr, &rateStr, &scopeStr,
		&a.SecretToken, &webhookEnabled, &lastEval, &created)
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	a.Corpus = model.CorpusType(corpusStr)
	a.Rate = model.Rate(rateStr)
	a.RecapScope = model.RecapScope(scopeStr)
	a.WebhookEnabled = webhookEnabled == 1
	if lastEval.Valid {
		t, _ := time.Parse(timeLayout, lastEval.String)
		a.LastEvaluatedAt = &t
	}
	if created.Valid {
		a.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &a, nil
}

func scanAlerts(rows *sql.Rows) ([]model.Alert, error) {
	var alerts []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

func scanDocument(row scannable) (*model.Document, error) {
	var d model.Document
	var corpusStr, changedStr, partiesStr, attorneysStr string
	var filed sql.NullString
	err := row.Scan(&d.ID, &corpusStr, &d.DocketID, &changedStr, &d.CaseName, &d.Court, &d.Judge,
		&partiesStr, &attorneysStr, &d.Description, &d.DocumentNumber, &d.PlainText, &filed)
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	d.Corpus = model.CorpusType(corpusStr)
	d.ChangedAt, _ = time.Parse(timeLayout, changedStr)
	if err := json.Unmarshal([]byte(partiesStr), &d.Parties); err != nil {
		return nil, fmt.Errorf("unmarshal parties: %w", err)
	}
	if err := json.Unmarshal([]byte(attorneysStr), &d.Attorneys); err != nil {
		return nil, fmt.Errorf("unmarshal attorneys: %w", err)
	}
	if filed.Valid {
		t, _ := time.Parse(timeLayout, filed.String)
		d.FiledDate = &t
	}
	return &d, nil
}
