package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/toolgate/domain/ledger"
	"github.com/artpar/toolgate/ports"
)

// LedgerStore implements ports.LedgerStore using MySQL. All
// balance-touching operations run inside a transaction so the hold
// check, the balance write and the ledger append are one unit of work.
type LedgerStore struct {
	db *DB
}

var _ ports.LedgerStore = (*LedgerStore)(nil)

func (s *LedgerStore) Reserve(ctx context.Context, res ledger.Reservation, txID string) (ledger.Transaction, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("begin reserve: %w", err)
	}
	defer dbtx.Rollback()

	var t ledger.Transaction
	if res.Kind == ledger.KindBalance && res.Amount > 0 {
		r, err := dbtx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance - ?, updated_at = ? WHERE id = ? AND balance >= ?`,
			res.Amount, res.CreatedAt.UTC(), res.AccountID, res.Amount)
		if err != nil {
			return ledger.Transaction{}, fmt.Errorf("decrement balance: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return ledger.Transaction{}, err
		}
		if n == 0 {
			var exists bool
			if err := dbtx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM accounts WHERE id = ?)`, res.AccountID).Scan(&exists); err != nil {
				return ledger.Transaction{}, fmt.Errorf("check account: %w", err)
			}
			if !exists {
				return ledger.Transaction{}, ports.ErrNotFound
			}
			return ledger.Transaction{}, ledger.ErrInsufficientCredits
		}

		var balance int64
		if err := dbtx.QueryRowContext(ctx,
			`SELECT balance FROM accounts WHERE id = ?`, res.AccountID).Scan(&balance); err != nil {
			return ledger.Transaction{}, fmt.Errorf("read balance: %w", err)
		}

		t = ledger.Transaction{
			ID:           txID,
			AccountID:    res.AccountID,
			Type:         ledger.TxConsumption,
			Amount:       -res.Amount,
			BalanceAfter: balance,
			CreatedAt:    res.CreatedAt,
		}
		if err := insertTransaction(ctx, dbtx, t); err != nil {
			return ledger.Transaction{}, err
		}
		res.TxID = txID
	} else {
		var exists bool
		if err := dbtx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM accounts WHERE id = ?)`, res.AccountID).Scan(&exists); err != nil {
			return ledger.Transaction{}, fmt.Errorf("check account: %w", err)
		}
		if !exists {
			return ledger.Transaction{}, ports.ErrNotFound
		}
	}

	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO reservations (id, account_id, tool, kind, amount, unit, status, tx_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.AccountID, res.Tool, res.Kind, res.Amount, res.Unit,
		ledger.ReservationPending, nullable(res.TxID), res.CreatedAt.UTC(), res.ExpiresAt.UTC())
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("insert reservation: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return ledger.Transaction{}, fmt.Errorf("commit reserve: %w", err)
	}
	return t, nil
}

func (s *LedgerStore) GetReservation(ctx context.Context, id string) (ledger.Reservation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, tool, kind, amount, unit, status, tx_id, created_at, expires_at
		FROM reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Reservation{}, ports.ErrNotFound
	}
	if err != nil {
		return ledger.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

func (s *LedgerStore) Commit(ctx context.Context, reservationID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reservations SET status = ? WHERE id = ? AND status = ?`,
		ledger.ReservationCommitted, reservationID, ledger.ReservationPending)
	if err != nil {
		return fmt.Errorf("commit reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Already settled is fine; a reservation that never existed is not.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM reservations WHERE id = ?)`, reservationID).Scan(&exists); err != nil {
			return fmt.Errorf("check reservation: %w", err)
		}
		if !exists {
			return ports.ErrNotFound
		}
	}
	return nil
}

func (s *LedgerStore) Release(ctx context.Context, reservationID, txID string, txType ledger.TxType, at time.Time) (ledger.Transaction, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("begin release: %w", err)
	}
	defer dbtx.Rollback()

	row := dbtx.QueryRowContext(ctx, `
		SELECT id, account_id, tool, kind, amount, unit, status, tx_id, created_at, expires_at
		FROM reservations WHERE id = ? FOR UPDATE`, reservationID)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ports.ErrNotFound
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("get reservation: %w", err)
	}
	if r.Status != ledger.ReservationPending {
		return ledger.Transaction{}, nil
	}

	var t ledger.Transaction
	if r.Kind == ledger.KindBalance && r.Amount > 0 {
		if _, err := dbtx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance + ?, updated_at = ? WHERE id = ?`,
			r.Amount, at.UTC(), r.AccountID); err != nil {
			return ledger.Transaction{}, fmt.Errorf("re-credit balance: %w", err)
		}
		var balance int64
		if err := dbtx.QueryRowContext(ctx,
			`SELECT balance FROM accounts WHERE id = ?`, r.AccountID).Scan(&balance); err != nil {
			return ledger.Transaction{}, fmt.Errorf("read balance: %w", err)
		}
		t = ledger.Transaction{
			ID:           txID,
			AccountID:    r.AccountID,
			Type:         txType,
			Amount:       r.Amount,
			BalanceAfter: balance,
			CreatedAt:    at,
		}
		if err := insertTransaction(ctx, dbtx, t); err != nil {
			return ledger.Transaction{}, err
		}
	}

	if _, err := dbtx.ExecContext(ctx,
		`UPDATE reservations SET status = ? WHERE id = ?`,
		ledger.ReservationReleased, reservationID); err != nil {
		return ledger.Transaction{}, fmt.Errorf("release reservation: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return ledger.Transaction{}, fmt.Errorf("commit release: %w", err)
	}
	return t, nil
}

func (s *LedgerStore) Adjust(ctx context.Context, accountID, txID string, typ ledger.TxType, amount int64, reference string, at time.Time) (ledger.Transaction, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("begin adjust: %w", err)
	}
	defer dbtx.Rollback()

	if reference != "" {
		row := dbtx.QueryRowContext(ctx, `
			SELECT id, account_id, type, amount, balance_after, reference, created_at
			FROM credit_transactions WHERE reference = ?`, reference)
		t, err := scanTransaction(row)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, fmt.Errorf("check reference: %w", err)
		}
	}

	res, err := dbtx.ExecContext(ctx,
		`UPDATE accounts SET balance = balance + ?, updated_at = ? WHERE id = ? AND balance + ? >= 0`,
		amount, at.UTC(), accountID, amount)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("adjust balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Transaction{}, err
	}
	if n == 0 {
		var exists bool
		if err := dbtx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM accounts WHERE id = ?)`, accountID).Scan(&exists); err != nil {
			return ledger.Transaction{}, fmt.Errorf("check account: %w", err)
		}
		if !exists {
			return ledger.Transaction{}, ports.ErrNotFound
		}
		return ledger.Transaction{}, ledger.ErrInsufficientCredits
	}

	var balance int64
	if err := dbtx.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&balance); err != nil {
		return ledger.Transaction{}, fmt.Errorf("read balance: %w", err)
	}

	t := ledger.Transaction{
		ID:           txID,
		AccountID:    accountID,
		Type:         typ,
		Amount:       amount,
		BalanceAfter: balance,
		Reference:    reference,
		CreatedAt:    at,
	}
	if err := insertTransaction(ctx, dbtx, t); err != nil {
		return ledger.Transaction{}, err
	}

	if err := dbtx.Commit(); err != nil {
		return ledger.Transaction{}, fmt.Errorf("commit adjust: %w", err)
	}
	return t, nil
}

func (s *LedgerStore) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ports.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func (s *LedgerStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]ledger.Transaction, error) {
	query := `
		SELECT id, account_id, type, amount, balance_after, reference, created_at
		FROM credit_transactions WHERE account_id = ? ORDER BY seq`
	args := []any{accountID}
	if limit > 0 {
		// Newest N, still returned oldest first.
		query = `SELECT id, account_id, type, amount, balance_after, reference, created_at, seq FROM (
			SELECT id, account_id, type, amount, balance_after, reference, created_at, seq
			FROM credit_transactions WHERE account_id = ? ORDER BY seq DESC LIMIT ?
		) AS tail ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		var reference sql.NullString
		dest := []any{&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.BalanceAfter, &reference, &t.CreatedAt}
		if limit > 0 {
			var seq int64
			dest = append(dest, &seq)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Reference = reference.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *LedgerStore) ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]ledger.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, tool, kind, amount, unit, status, tx_id, created_at, expires_at
		FROM reservations WHERE status = ? AND expires_at < ?
		ORDER BY expires_at LIMIT ?`,
		ledger.ReservationPending, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()

	var out []ledger.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func insertTransaction(ctx context.Context, dbtx *sql.Tx, t ledger.Transaction) error {
	_, err := dbtx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, account_id, type, amount, balance_after, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AccountID, t.Type, t.Amount, t.BalanceAfter, nullable(t.Reference), t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func scanTransaction(row interface{ Scan(...any) error }) (ledger.Transaction, error) {
	var t ledger.Transaction
	var reference sql.NullString
	err := row.Scan(&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.BalanceAfter, &reference, &t.CreatedAt)
	if err != nil {
		return ledger.Transaction{}, err
	}
	t.Reference = reference.String
	return t, nil
}

func scanReservation(row interface{ Scan(...any) error }) (ledger.Reservation, error) {
	var r ledger.Reservation
	var txID sql.NullString
	err := row.Scan(&r.ID, &r.AccountID, &r.Tool, &r.Kind, &r.Amount, &r.Unit,
		&r.Status, &txID, &r.CreatedAt, &r.ExpiresAt)
	if err != nil {
		return ledger.Reservation{}, err
	}
	r.TxID = txID.String
	return r, nil
}
