// Package usage provides usage record value types.
package usage

import "time"

// Record is one invocation attempt, completed or blocked. Records are
// immutable once written; the usage table is append-only.
type Record struct {
	ID        string
	AccountID string
	Tool      string
	Cost      int64
	Unit      string
	Success   bool
	ErrorCode string // empty on success; refusal reason when blocked
	CreatedAt time.Time
}

// Summary aggregates an account's usage over a period.
type Summary struct {
	AccountID   string
	PeriodStart time.Time
	PeriodEnd   time.Time
	CallCount   int64
	ErrorCount  int64
	TotalCost   int64
}
