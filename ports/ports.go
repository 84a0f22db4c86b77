// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/toolgate/domain/account"
	"github.com/artpar/toolgate/domain/ledger"
	"github.com/artpar/toolgate/domain/payevent"
	"github.com/artpar/toolgate/domain/subscription"
	"github.com/artpar/toolgate/domain/usage"
)

// ErrNotFound is returned by any store when an entity does not exist.
// Every backend must return this same sentinel for identical observable
// behavior.
var ErrNotFound = errors.New("not found")

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Storage Adapter Contract
// -----------------------------------------------------------------------------

// AccountStore persists billable accounts. Balance is written only by
// LedgerStore operations; Update must not touch it.
type AccountStore interface {
	// Get retrieves an account by ID.
	Get(ctx context.Context, id string) (account.Account, error)

	// GetByCustomerID retrieves an account by payment provider customer ID.
	GetByCustomerID(ctx context.Context, customerID string) (account.Account, error)

	// Create stores a new account.
	Create(ctx context.Context, a account.Account) error

	// Update modifies business fields (customer ID, subscription ref,
	// payment method flag, status). The balance column is ignored.
	Update(ctx context.Context, a account.Account) error

	// SetStatus performs a soft status transition.
	SetStatus(ctx context.Context, id string, status account.Status, at time.Time) error

	// AddUsageTotals increments the cumulative usage counters.
	AddUsageTotals(ctx context.Context, id string, calls, spent int64) error

	// List returns accounts with pagination.
	List(ctx context.Context, limit, offset int) ([]account.Account, error)

	// Count returns the total account count.
	Count(ctx context.Context) (int, error)
}

// LedgerStore persists credit transactions and reservations. Reserve is
// the only operation permitted to fail for lack of funds and must
// check-and-decrement atomically; a backend that cannot do so is
// non-conforming.
type LedgerStore interface {
	// Reserve places a hold. For KindBalance it atomically verifies
	// balance >= res.Amount, decrements the balance, and appends the
	// consumption transaction (id txID) in the same unit of work,
	// returning ledger.ErrInsufficientCredits when the check fails.
	// For KindCovered (or zero amounts) only the reservation row is
	// written and the returned transaction is zero-valued.
	Reserve(ctx context.Context, res ledger.Reservation, txID string) (ledger.Transaction, error)

	// GetReservation retrieves a reservation by ID.
	GetReservation(ctx context.Context, id string) (ledger.Reservation, error)

	// Commit finalizes a pending reservation. The balance was already
	// adjusted at reserve time, so this only flips the status.
	// Committing a non-pending reservation is an ErrNotFound-free no-op
	// so retried commits stay idempotent.
	Commit(ctx context.Context, reservationID string, at time.Time) error

	// Release returns a pending hold. For KindBalance it atomically
	// re-credits the balance and appends a compensating transaction of
	// type txType (refund, or expiry for swept reservations) with id
	// txID. Releasing a non-pending reservation is a no-op.
	Release(ctx context.Context, reservationID, txID string, txType ledger.TxType, at time.Time) (ledger.Transaction, error)

	// Adjust applies a signed amount and appends the transaction, all
	// atomically. A negative adjustment that would take the balance
	// below zero returns ledger.ErrInsufficientCredits. When reference
	// is non-empty and a transaction with the same reference already
	// exists, the existing transaction is returned unchanged; this is
	// the idempotency key for webhook-driven mutations.
	Adjust(ctx context.Context, accountID, txID string, typ ledger.TxType, amount int64, reference string, at time.Time) (ledger.Transaction, error)

	// Balance returns the cached balance.
	Balance(ctx context.Context, accountID string) (int64, error)

	// ListTransactions returns an account's transactions, oldest first.
	ListTransactions(ctx context.Context, accountID string, limit int) ([]ledger.Transaction, error)

	// ListExpiredReservations returns pending reservations whose TTL
	// has passed, for the background sweep.
	ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]ledger.Reservation, error)
}

// SubscriptionStore persists subscription state.
type SubscriptionStore interface {
	// Get retrieves a subscription by ID.
	Get(ctx context.Context, id string) (subscription.State, error)

	// GetByAccount retrieves an account's subscription.
	GetByAccount(ctx context.Context, accountID string) (subscription.State, error)

	// GetByProviderID retrieves a subscription by external ID.
	GetByProviderID(ctx context.Context, providerID string) (subscription.State, error)

	// Create stores a new subscription.
	Create(ctx context.Context, s subscription.State) error

	// Update modifies a subscription.
	Update(ctx context.Context, s subscription.State) error

	// AddUsage atomically adjusts the period call counter by delta
	// (negative to return a covered slot) and returns the new value.
	// The counter never goes below zero.
	AddUsage(ctx context.Context, accountID string, delta int64) (int64, error)
}

// UsageStore persists immutable usage records.
type UsageStore interface {
	// Record appends a usage record. A write whose ID is already
	// stored is a no-op; settles derive record ids from the
	// reservation and retry the whole sequence.
	Record(ctx context.Context, r usage.Record) error

	// CountSince counts successful records for an account at or after
	// since. Freemium windows and volume discount tiers are derived
	// from this.
	CountSince(ctx context.Context, accountID string, since time.Time) (int64, error)

	// Summary aggregates usage over [start, end).
	Summary(ctx context.Context, accountID string, start, end time.Time) (usage.Summary, error)

	// ListRecent returns the newest records first.
	ListRecent(ctx context.Context, accountID string, limit int) ([]usage.Record, error)
}

// PaymentIntentStore persists externally-processed charges.
type PaymentIntentStore interface {
	Create(ctx context.Context, pi payevent.PaymentIntent) error
	Get(ctx context.Context, id string) (payevent.PaymentIntent, error)
	GetByProviderID(ctx context.Context, providerID string) (payevent.PaymentIntent, error)
	Update(ctx context.Context, pi payevent.PaymentIntent) error
}

// WebhookEventStore persists webhook events keyed by external event ID.
type WebhookEventStore interface {
	// Insert stores the event if its external ID is new and reports
	// whether a row was created. Redeliveries return false.
	Insert(ctx context.Context, e payevent.Event) (bool, error)

	// GetByExternalID retrieves an event by the provider's event ID.
	GetByExternalID(ctx context.Context, externalID string) (payevent.Event, error)

	// Update persists status/retry changes.
	Update(ctx context.Context, e payevent.Event) error

	// ListDue returns pending events whose next retry time has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]payevent.Event, error)

	// ListFailed returns events whose retry budget is exhausted, for
	// manual reconciliation.
	ListFailed(ctx context.Context, limit int) ([]payevent.Event, error)
}

// Analytics aggregates business metrics over a period.
type Analytics struct {
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Revenue        int64 // committed consumption + purchases settled
	Calls          int64
	ActiveAccounts int64
	TotalAccounts  int64
}

// AnalyticsStore computes aggregate analytics.
type AnalyticsStore interface {
	Aggregate(ctx context.Context, start, end time.Time) (Analytics, error)
}

// Store bundles the full Storage Adapter Contract. Three backends
// (sqlite, postgres, mysql) and the in-memory test double implement it;
// all must pass the same conformance suite (adapters/storetest).
type Store interface {
	Accounts() AccountStore
	Ledger() LedgerStore
	Subscriptions() SubscriptionStore
	Usage() UsageStore
	PaymentIntents() PaymentIntentStore
	WebhookEvents() WebhookEventStore
	Analytics() AnalyticsStore
	Close() error
}

// -----------------------------------------------------------------------------
// Payment Provider Ports
// -----------------------------------------------------------------------------

// PaymentProvider interfaces with the external payment processor.
// Checkout and portal sessions are pure pass-through: toolgate never
// touches payment methods itself.
type PaymentProvider interface {
	// Name returns the provider name (e.g. "stripe").
	Name() string

	// CreateCustomer creates a customer in the payment system.
	CreateCustomer(ctx context.Context, email, name, accountID string) (customerID string, err error)

	// CreateCheckoutSession creates a hosted checkout session.
	CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (sessionURL string, err error)

	// CreatePortalSession creates a customer portal session.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (portalURL string, err error)

	// CreateTopUpIntent initiates a balance top-up charge. The credit
	// lands asynchronously via the webhook flow.
	CreateTopUpIntent(ctx context.Context, customerID string, amount int64, currency string) (providerIntentID string, err error)

	// ReportUsage reports metered overage for provider-side invoicing.
	ReportUsage(ctx context.Context, subscriptionItemID string, quantity int64, timestamp time.Time) error

	// ParseWebhook validates an incoming webhook signature and returns
	// the provider event ID, event type and payload data.
	ParseWebhook(payload []byte, signature string) (eventID, eventType string, data map[string]any, err error)
}
