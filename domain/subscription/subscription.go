// Package subscription provides subscription state value types and pure
// period arithmetic.
package subscription

import "time"

// Status represents subscription state as reported by the payment
// provider.
type Status string

const (
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// State represents an account's subscription (value type).
type State struct {
	ID                 string
	AccountID          string
	PlanID             string
	ProviderID         string // external subscription ID
	ProviderItemID     string // for metered overage reporting
	Status             Status
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CallsIncluded      int64
	CallsUsed          int64
	OverageRate        int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsActive returns true if covered calls and overage may be accepted.
func (s State) IsActive() bool {
	return s.Status == StatusActive || s.Status == StatusTrialing
}

// Rollover advances the period boundaries and resets the usage counter
// when now has passed the period end. It is a pure function and
// idempotent: calling it again within the same period changes nothing.
// Multiple whole periods are skipped if the account was idle.
func Rollover(s State, now time.Time) (State, bool) {
	if s.CurrentPeriodEnd.IsZero() || now.Before(s.CurrentPeriodEnd) {
		return s, false
	}
	length := s.CurrentPeriodEnd.Sub(s.CurrentPeriodStart)
	if length <= 0 {
		length = 30 * 24 * time.Hour
	}
	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	for !now.Before(end) {
		start = end
		end = end.Add(length)
	}
	s.CurrentPeriodStart = start
	s.CurrentPeriodEnd = end
	s.CallsUsed = 0
	s.UpdatedAt = now
	return s, true
}

// PeriodBounds returns the calendar-month billing period containing t.
func PeriodBounds(t time.Time) (start, end time.Time) {
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	end = start.AddDate(0, 1, 0)
	return
}
