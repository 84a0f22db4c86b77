package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/toolgate/domain/usage"
	"github.com/artpar/toolgate/ports"
)

// UsageStore implements ports.UsageStore using PostgreSQL.
type UsageStore struct {
	db *DB
}

var _ ports.UsageStore = (*UsageStore)(nil)

func (s *UsageStore) Record(ctx context.Context, r usage.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, account_id, tool, cost, unit, success, error_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.AccountID, r.Tool, r.Cost, r.Unit, r.Success, r.ErrorCode, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (s *UsageStore) CountSince(ctx context.Context, accountID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM usage_records
		WHERE account_id = $1 AND success AND created_at >= $2`,
		accountID, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return n, nil
}

func (s *UsageStore) Summary(ctx context.Context, accountID string, start, end time.Time) (usage.Summary, error) {
	sum := usage.Summary{AccountID: accountID, PeriodStart: start, PeriodEnd: end}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0),
		       COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE account_id = $1 AND created_at >= $2 AND created_at < $3`,
		accountID, start.UTC(), end.UTC()).Scan(&sum.CallCount, &sum.ErrorCount, &sum.TotalCost)
	if err != nil {
		return usage.Summary{}, fmt.Errorf("summarize usage: %w", err)
	}
	return sum, nil
}

func (s *UsageStore) ListRecent(ctx context.Context, accountID string, limit int) ([]usage.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, tool, cost, unit, success, error_code, created_at
		FROM usage_records WHERE account_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var out []usage.Record
	for rows.Next() {
		var r usage.Record
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Tool, &r.Cost, &r.Unit,
			&r.Success, &r.ErrorCode, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
