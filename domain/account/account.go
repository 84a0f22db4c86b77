// Package account provides billable account value types.
package account

import "time"

// Status represents the lifecycle state of an account.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Account identifies a billable party (value type).
// Balance is in minor currency units or credits depending on the
// configured billing model; it is never negative. Balance is mutated
// only through the ledger store, never written directly.
type Account struct {
	ID               string
	CustomerID       string // external payment provider customer ID
	Balance          int64
	SubscriptionID   string
	HasPaymentMethod bool
	TotalCalls       int64
	TotalSpent       int64
	Status           Status
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsActive returns true if the account may invoke tools.
func (a Account) IsActive() bool {
	return a.Status == StatusActive
}

// Deletable accounts keep their usage history; deletion is a soft
// status transition.
func (a Account) IsDeleted() bool {
	return a.Status == StatusDeleted
}
