package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/artpar/toolgate/domain/subscription"
	"github.com/artpar/toolgate/ports"
)

// SubscriptionStore implements ports.SubscriptionStore using PostgreSQL.
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
	return s.get(ctx, "id = $1", id)
}

func (s *SubscriptionStore) GetByAccount(ctx context.Context, accountID string) (subscription.State, error) {
	return s.get(ctx, "account_id = $1", accountID)
}

func (s *SubscriptionStore) GetByProviderID(ctx context.Context, providerID string) (subscription.State, error) {
	return s.get(ctx, "provider_id = $1", providerID)
}

func (s *SubscriptionStore) Create(ctx context.Context, sub subscription.State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
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
		SET plan_id = $1, provider_id = $2, provider_item_id = $3, status = $4,
		    current_period_start = $5, current_period_end = $6,
		    calls_included = $7, calls_used = $8, overage_rate = $9, updated_at = $10
		WHERE id = $11`,
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
	var used int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE subscriptions SET calls_used = GREATEST(0, calls_used + $1)
		WHERE account_id = $2
		RETURNING calls_used`,
		delta, accountID).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ports.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("add subscription usage: %w", err)
	}
	return used, nil
}
