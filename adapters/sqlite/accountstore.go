package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/toolgate/domain/account"
	"github.com/artpar/toolgate/ports"
)

// AccountStore implements ports.AccountStore using SQLite.
type AccountStore struct {
	db *DB
}

var _ ports.AccountStore = (*AccountStore)(nil)

const accountColumns = `id, customer_id, balance, subscription_id, has_payment_method,
	total_calls, total_spent, status, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (account.Account, error) {
	var a account.Account
	var customerID sql.NullString
	err := row.Scan(&a.ID, &customerID, &a.Balance, &a.SubscriptionID, &a.HasPaymentMethod,
		&a.TotalCalls, &a.TotalSpent, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return account.Account{}, err
	}
	a.CustomerID = customerID.String
	return a, nil
}

func (s *AccountStore) Get(ctx context.Context, id string) (account.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, ports.ErrNotFound
	}
	if err != nil {
		return account.Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *AccountStore) GetByCustomerID(ctx context.Context, customerID string) (account.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE customer_id = ?`, customerID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, ports.ErrNotFound
	}
	if err != nil {
		return account.Account{}, fmt.Errorf("get account by customer: %w", err)
	}
	return a, nil
}

func (s *AccountStore) Create(ctx context.Context, a account.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, nullable(a.CustomerID), a.Balance, a.SubscriptionID, a.HasPaymentMethod,
		a.TotalCalls, a.TotalSpent, a.Status, a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// Update writes business fields only. The balance and usage totals are
// owned by the ledger and AddUsageTotals.
func (s *AccountStore) Update(ctx context.Context, a account.Account) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET customer_id = ?, subscription_id = ?, has_payment_method = ?,
		    status = ?, updated_at = ?
		WHERE id = ?`,
		nullable(a.CustomerID), a.SubscriptionID, a.HasPaymentMethod,
		a.Status, a.UpdatedAt.UTC(), a.ID)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return checkFound(res)
}

func (s *AccountStore) SetStatus(ctx context.Context, id string, status account.Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`,
		status, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("set account status: %w", err)
	}
	return checkFound(res)
}

func (s *AccountStore) AddUsageTotals(ctx context.Context, id string, calls, spent int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET total_calls = total_calls + ?, total_spent = total_spent + ? WHERE id = ?`,
		calls, spent, id)
	if err != nil {
		return fmt.Errorf("add usage totals: %w", err)
	}
	return checkFound(res)
}

func (s *AccountStore) List(ctx context.Context, limit, offset int) ([]account.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY id LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []account.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *AccountStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}
	return n, nil
}
