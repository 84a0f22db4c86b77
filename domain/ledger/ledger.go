// Package ledger provides credit ledger value types and invariant
// checks. The ledger is append-only: an account's balance is derived
// from its transaction sequence, and the cached balance on the account
// row must always match the last BalanceAfter.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// ErrInsufficientCredits is returned by Reserve when the account
// balance cannot cover the hold. It is the only funds-related failure
// a storage backend may produce.
var ErrInsufficientCredits = errors.New("insufficient credits")

// TxType classifies a balance mutation.
type TxType string

const (
	TxPurchase    TxType = "purchase"
	TxConsumption TxType = "consumption"
	TxRefund      TxType = "refund"
	TxAdjustment  TxType = "adjustment"
	TxExpiry      TxType = "expiry"
)

// Transaction is one balance mutation (value type, immutable once
// written). Amount is signed; BalanceAfter is the account balance
// immediately after applying it.
type Transaction struct {
	ID           string
	AccountID    string
	Type         TxType
	Amount       int64
	BalanceAfter int64
	// Reference carries an idempotency key for externally-driven
	// mutations (payment confirmation event IDs). Unique when set.
	Reference string
	CreatedAt time.Time
}

// ReservationStatus tracks the two-phase hold lifecycle.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// ReservationKind distinguishes holds against the credit balance from
// holds against a period counter (subscription/freemium covered calls).
type ReservationKind string

const (
	// KindBalance holds Amount against the account balance; reserving
	// appends the consumption transaction, releasing appends a refund.
	KindBalance ReservationKind = "balance"
	// KindCovered holds a slot against the subscription period counter
	// or freemium allowance. Amount may still be non-zero (overage to
	// be settled by the payment provider) but the balance is untouched.
	KindCovered ReservationKind = "covered"
)

// Reservation is a provisional hold created by the billing gate and
// committed or released exactly once by the usage recorder.
type Reservation struct {
	ID        string
	AccountID string
	Tool      string
	Kind      ReservationKind
	Amount    int64
	Unit      string // pricing unit the amount is denominated in
	Status    ReservationStatus
	TxID      string // consumption transaction appended at reserve time
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether a pending reservation has outlived its TTL.
func (r Reservation) Expired(now time.Time) bool {
	return r.Status == ReservationPending && now.After(r.ExpiresAt)
}

// VerifySequence checks the per-account ledger invariant over a
// transaction sequence ordered by time: each BalanceAfter equals the
// previous BalanceAfter plus the amount, and no balance is negative.
// The first transaction's prior balance is taken as BalanceAfter-Amount
// and must itself be non-negative.
func VerifySequence(txs []Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	prev := txs[0].BalanceAfter - txs[0].Amount
	if prev < 0 {
		return fmt.Errorf("transaction %s: implied opening balance %d is negative", txs[0].ID, prev)
	}
	for _, t := range txs {
		if t.BalanceAfter != prev+t.Amount {
			return fmt.Errorf("transaction %s: balance_after %d != %d + %d",
				t.ID, t.BalanceAfter, prev, t.Amount)
		}
		if t.BalanceAfter < 0 {
			return fmt.Errorf("transaction %s: negative balance %d", t.ID, t.BalanceAfter)
		}
		prev = t.BalanceAfter
	}
	return nil
}
