package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/artpar/toolgate/domain/subscription"
	"github.com/artpar/toolgate/ports"
)

// SubscriptionStore implements ports.SubscriptionStore using SQLite.
type SubscriptionStore struct {
	db *DB
}

var _ ports.SubscriptionStore = (*SubscriptionStore)(nil)

const subscriptionColumns = `id, account_id, plan_id, provider_id, provider_item_id, status,
	current_period_start, current_period_end, calls_included, calls_used, overage_rate,
	created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (subscription.State, error) {
	var sub subscription.State
	var providerID sql.NullString
	err := row.Scan(&sub.ID, &sub.AccountID, &sub.PlanID, &providerID, &sub.ProviderItemID,
		&sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.CallsIncluded, &sub.CallsUsed, &sub.OverageRate, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return subscription.State{}, err
	}
	sub.ProviderID = providerID.String
	return sub, nil
}

func (s *SubscriptionStore) get(ctx context.Context, where string, arg any) (subscription.State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where, arg)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.State{}, ports.ErrNotFound
	}
	if err != nil {
		return subscription.State{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) Get(ctx context.Context, id string) (subscription.State, error) {
	return s.get(ctx, "id = ?", id)
}

func (s *SubscriptionStore) GetByAccount(ctx context.Context, accountID string) (subscription.State, error) {
	return s.get(ctx, "account_id = ?", accountID)
}

func (s *SubscriptionStore) GetByProviderID(ctx context.Context, providerID string) (subscription.State, error) {
	return s.get(ctx, "provider_id = ?", providerID)
}

func (s *SubscriptionStore) Create(ctx context.Context, sub subscription.State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.AccountID, sub.PlanID, nullable(sub.ProviderID), sub.ProviderItemID,
		sub.Status, sub.CurrentPeriodStart.UTC(), sub.CurrentPeriodEnd.UTC(),
		sub.CallsIncluded, sub.CallsUsed, sub.OverageRate,
		sub.CreatedAt.UTC(), sub.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) Update(ctx context.Context, sub subscription.State) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET plan_id = ?, provider_id = ?, provider_item_id = ?, status = ?,
		    current_period_start = ?, current_period_end = ?,
		    calls_included = ?, calls_used = ?, overage_rate = ?, updated_at = ?
		WHERE id = ?`,
		sub.PlanID, nullable(sub.ProviderID), sub.ProviderItemID, sub.Status,
		sub.CurrentPeriodStart.UTC(), sub.CurrentPeriodEnd.UTC(),
		sub.CallsIncluded, sub.CallsUsed, sub.OverageRate, sub.UpdatedAt.UTC(),
		sub.ID)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return checkFound(res)
}

func (s *SubscriptionStore) AddUsage(ctx context.Context, accountID string, delta int64) (int64, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin add usage: %w", err)
	}
	defer dbtx.Rollback()

	res, err := dbtx.ExecContext(ctx,
		`UPDATE subscriptions SET calls_used = MAX(0, calls_used + ?) WHERE account_id = ?`,
		delta, accountID)
	if err != nil {
		return 0, fmt.Errorf("add subscription usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ports.ErrNotFound
	}

	var used int64
	if err := dbtx.QueryRowContext(ctx,
		`SELECT calls_used FROM subscriptions WHERE account_id = ?`, accountID).Scan(&used); err != nil {
		return 0, fmt.Errorf("read subscription usage: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return 0, fmt.Errorf("commit add usage: %w", err)
	}
	return used, nil
}
