// Package payevent provides value types for asynchronous payment
// confirmation events and the bounded-retry state machine that governs
// their processing.
package payevent

import "time"

// Status is the processing state of a webhook event.
// Transitions: pending -> processed, or pending -> pending (scheduled
// retry) until the retry budget is exhausted, then pending -> failed.
// Failed events are retained for manual reconciliation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Event is a payment provider webhook delivery. ExternalID is the
// provider's event ID and is unique: a given external ID is applied to
// ledger/subscription state at most once regardless of redelivery.
type Event struct {
	ID          string
	ExternalID  string
	Provider    string
	Type        string
	Payload     []byte
	Status      Status
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RetryPolicy bounds webhook reprocessing.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy retries five times, backing off from 30 seconds.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 5,
	BaseDelay:  30 * time.Second,
	MaxDelay:   time.Hour,
}

// Backoff returns the delay before retry number n (0-based), doubling
// from BaseDelay and capped at MaxDelay.
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Fail records a processing failure. While the retry budget lasts the
// event goes back to pending with a scheduled retry time; afterwards it
// stays failed and is never auto-discarded.
func Fail(e Event, cause string, p RetryPolicy, now time.Time) Event {
	e.LastError = cause
	e.UpdatedAt = now
	if e.RetryCount >= p.MaxRetries {
		e.Status = StatusFailed
		return e
	}
	e.Status = StatusPending
	e.NextRetryAt = now.Add(p.Backoff(e.RetryCount))
	e.RetryCount++
	return e
}

// Processed marks the event applied.
func Processed(e Event, now time.Time) Event {
	e.Status = StatusProcessed
	e.LastError = ""
	e.UpdatedAt = now
	return e
}

// IntentStatus is the lifecycle of an externally-processed charge.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
	IntentCanceled  IntentStatus = "canceled"
)

// PaymentIntent mirrors a charge initiated with the payment provider.
// Created when the charge is initiated; its status is updated only by
// the webhook processor.
type PaymentIntent struct {
	ID         string
	AccountID  string
	ProviderID string
	Amount     int64
	Currency   string
	Status     IntentStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
