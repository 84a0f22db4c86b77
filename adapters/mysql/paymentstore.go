package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/toolgate/domain/payevent"
	"github.com/artpar/toolgate/ports"
)

// PaymentIntentStore implements ports.PaymentIntentStore using MySQL.
type PaymentIntentStore struct {
	db *DB
}

var _ ports.PaymentIntentStore = (*PaymentIntentStore)(nil)

func scanIntent(row interface{ Scan(...any) error }) (payevent.PaymentIntent, error) {
	var pi payevent.PaymentIntent
	var providerID sql.NullString
	err := row.Scan(&pi.ID, &pi.AccountID, &providerID, &pi.Amount, &pi.Currency,
		&pi.Status, &pi.CreatedAt, &pi.UpdatedAt)
	if err != nil {
		return payevent.PaymentIntent{}, err
	}
	pi.ProviderID = providerID.String
	return pi, nil
}

func (s *PaymentIntentStore) Create(ctx context.Context, pi payevent.PaymentIntent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_intents (id, account_id, provider_id, amount, currency, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pi.ID, pi.AccountID, nullable(pi.ProviderID), pi.Amount, pi.Currency,
		pi.Status, pi.CreatedAt.UTC(), pi.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create payment intent: %w", err)
	}
	return nil
}

func (s *PaymentIntentStore) Get(ctx context.Context, id string) (payevent.PaymentIntent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, provider_id, amount, currency, status, created_at, updated_at
		FROM payment_intents WHERE id = ?`, id)
	pi, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return payevent.PaymentIntent{}, ports.ErrNotFound
	}
	if err != nil {
		return payevent.PaymentIntent{}, fmt.Errorf("get payment intent: %w", err)
	}
	return pi, nil
}

func (s *PaymentIntentStore) GetByProviderID(ctx context.Context, providerID string) (payevent.PaymentIntent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, provider_id, amount, currency, status, created_at, updated_at
		FROM payment_intents WHERE provider_id = ?`, providerID)
	pi, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return payevent.PaymentIntent{}, ports.ErrNotFound
	}
	if err != nil {
		return payevent.PaymentIntent{}, fmt.Errorf("get payment intent by provider: %w", err)
	}
	return pi, nil
}

func (s *PaymentIntentStore) Update(ctx context.Context, pi payevent.PaymentIntent) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_intents
		SET provider_id = ?, amount = ?, currency = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		nullable(pi.ProviderID), pi.Amount, pi.Currency, pi.Status, pi.UpdatedAt.UTC(), pi.ID)
	if err != nil {
		return fmt.Errorf("update payment intent: %w", err)
	}
	return checkFound(res)
}

// WebhookEventStore implements ports.WebhookEventStore using MySQL.
// The external event ID is the primary key; a redelivered event is a
// constraint violation reported as created=false, never an error.
type WebhookEventStore struct {
	db *DB
}

var _ ports.WebhookEventStore = (*WebhookEventStore)(nil)

const eventColumns = `external_id, id, provider, type, payload, status,
	retry_count, next_retry_at, last_error, created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (payevent.Event, error) {
	var e payevent.Event
	err := row.Scan(&e.ExternalID, &e.ID, &e.Provider, &e.Type, &e.Payload, &e.Status,
		&e.RetryCount, &e.NextRetryAt, &e.LastError, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return payevent.Event{}, err
	}
	return e, nil
}

func (s *WebhookEventStore) Insert(ctx context.Context, e payevent.Event) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT IGNORE INTO webhook_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ExternalID, e.ID, e.Provider, e.Type, e.Payload, e.Status,
		e.RetryCount, e.NextRetryAt.UTC(), e.LastError, e.CreatedAt.UTC(), e.UpdatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *WebhookEventStore) GetByExternalID(ctx context.Context, externalID string) (payevent.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE external_id = ?`, externalID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return payevent.Event{}, ports.ErrNotFound
	}
	if err != nil {
		return payevent.Event{}, fmt.Errorf("get webhook event: %w", err)
	}
	return e, nil
}

func (s *WebhookEventStore) Update(ctx context.Context, e payevent.Event) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = ?, retry_count = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE external_id = ?`,
		e.Status, e.RetryCount, e.NextRetryAt.UTC(), e.LastError, e.UpdatedAt.UTC(), e.ExternalID)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	return checkFound(res)
}

func (s *WebhookEventStore) ListDue(ctx context.Context, now time.Time, limit int) ([]payevent.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE status = ? AND next_retry_at <= ?
		ORDER BY next_retry_at LIMIT ?`,
		payevent.StatusPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due webhook events: %w", err)
	}
	return collectEvents(rows)
}

func (s *WebhookEventStore) ListFailed(ctx context.Context, limit int) ([]payevent.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE status = ? ORDER BY created_at LIMIT ?`,
		payevent.StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed webhook events: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]payevent.Event, error) {
	defer rows.Close()
	var out []payevent.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
