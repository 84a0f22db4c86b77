package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/toolgate/ports"
)

// AnalyticsStore implements ports.AnalyticsStore using SQLite.
type AnalyticsStore struct {
	db *DB
}

var _ ports.AnalyticsStore = (*AnalyticsStore)(nil)

func (s *AnalyticsStore) Aggregate(ctx context.Context, start, end time.Time) (ports.Analytics, error) {
	out := ports.Analytics{PeriodStart: start, PeriodEnd: end}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN success THEN cost ELSE 0 END), 0),
		       COUNT(DISTINCT CASE WHEN success THEN account_id END)
		FROM usage_records
		WHERE created_at >= ? AND created_at < ?`,
		start.UTC(), end.UTC()).Scan(&out.Calls, &out.Revenue, &out.ActiveAccounts)
	if err != nil {
		return ports.Analytics{}, fmt.Errorf("aggregate usage: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts`).Scan(&out.TotalAccounts); err != nil {
		return ports.Analytics{}, fmt.Errorf("count accounts: %w", err)
	}
	return out, nil
}
