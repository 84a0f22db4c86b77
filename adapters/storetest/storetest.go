// Package storetest provides the conformance suite for the storage
// adapter contract. Every backend must pass it unchanged; behavior
// differences between backends are bugs in the backend, not the suite.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/artpar/toolgate/domain/account"
	"github.com/artpar/toolgate/domain/ledger"
	"github.com/artpar/toolgate/domain/payevent"
	"github.com/artpar/toolgate/domain/subscription"
	"github.com/artpar/toolgate/domain/usage"
	"github.com/artpar/toolgate/ports"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Factory opens a fresh, empty store for one subtest. The suite closes
// it when the subtest ends.
type Factory func(t *testing.T) ports.Store

// Run exercises the full storage adapter contract against the backend
// produced by open.
func Run(t *testing.T, open Factory) {
	t.Run("Accounts", func(t *testing.T) { testAccounts(t, open) })
	t.Run("LedgerAdjust", func(t *testing.T) { testLedgerAdjust(t, open) })
	t.Run("LedgerReserve", func(t *testing.T) { testLedgerReserve(t, open) })
	t.Run("LedgerRelease", func(t *testing.T) { testLedgerRelease(t, open) })
	t.Run("LedgerSettleIdempotent", func(t *testing.T) { testLedgerSettleIdempotent(t, open) })
	t.Run("LedgerSequence", func(t *testing.T) { testLedgerSequence(t, open) })
	t.Run("LedgerConcurrentReserve", func(t *testing.T) { testLedgerConcurrentReserve(t, open) })
	t.Run("ExpiredReservations", func(t *testing.T) { testExpiredReservations(t, open) })
	t.Run("Subscriptions", func(t *testing.T) { testSubscriptions(t, open) })
	t.Run("Usage", func(t *testing.T) { testUsage(t, open) })
	t.Run("PaymentIntents", func(t *testing.T) { testPaymentIntents(t, open) })
	t.Run("WebhookEvents", func(t *testing.T) { testWebhookEvents(t, open) })
	t.Run("Analytics", func(t *testing.T) { testAnalytics(t, open) })
}

func openStore(t *testing.T, open Factory) ports.Store {
	t.Helper()
	s := open(t)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateAccount(t *testing.T, s ports.Store, id string, balance int64) account.Account {
	t.Helper()
	ctx := context.Background()
	a := account.Account{
		ID:        id,
		Status:    account.StatusActive,
		CreatedAt: base,
		UpdatedAt: base,
	}
	if err := s.Accounts().Create(ctx, a); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if balance > 0 {
		if _, err := s.Ledger().Adjust(ctx, id, "seed-"+id, ledger.TxPurchase, balance, "", base); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
		a.Balance = balance
	}
	return a
}

func mustBalance(t *testing.T, s ports.Store, id string) int64 {
	t.Helper()
	b, err := s.Ledger().Balance(context.Background(), id)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func pendingReservation(id, accountID string, amount int64) ledger.Reservation {
	return ledger.Reservation{
		ID:        id,
		AccountID: accountID,
		Tool:      "search",
		Kind:      ledger.KindBalance,
		Amount:    amount,
		Unit:      "credits",
		Status:    ledger.ReservationPending,
		CreatedAt: base,
		ExpiresAt: base.Add(5 * time.Minute),
	}
}

func testAccounts(t *testing.T, open Factory) {
	s := openStore(t, open)
	ctx := context.Background()

	if _, err := s.Accounts().Get(ctx, "missing"); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("get missing: got %v, want ErrNotFound", err)
	}

	a := account.Account{
		ID:         "acct-1",
		CustomerID: "cus_123",
		Status:     account.StatusActive,
		CreatedAt:  base,
		UpdatedAt:  base,
	}
	if err := s.Accounts().Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Accounts().Get(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CustomerID != "cus_123" || got.Status != account.StatusActive || got.Balance != 0 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	byCustomer, err := s.Accounts().GetByCustomerID(ctx, "cus_123")
	if err != nil || byCustomer.ID != "acct-1" {
		t.Errorf("get by customer: %v %+v", err, byCustomer)
	}
	if _, err := s.Accounts().GetByCustomerID(ctx, "cus_unknown"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("get by unknown customer: got %v, want ErrNotFound", err)
	}

	// Update must never write the balance.
	if _, err := s.Ledger().Adjust(ctx, "acct-1", "tx-seed", ledger.TxPurchase, 500, "", base); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	got.Balance = 9999
	got.SubscriptionID = "sub-1"
	got.HasPaymentMethod = true
	got.UpdatedAt = base.Add(time.Minute)
	if err := s.Accounts().Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = s.Accounts().Get(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Balance != 500 {
		t.Errorf("update wrote balance: got %d, want 500", got.Balance)
	}
	if got.SubscriptionID != "sub-1" || !got.HasPaymentMethod {
		t.Errorf("update lost business fields: %+v", got)
	}

	if err := s.Accounts().SetStatus(ctx, "acct-1", account.StatusSuspended, base.Add(time.Hour)); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _ = s.Accounts().Get(ctx, "acct-1")
	if got.Status != account.StatusSuspended {
		t.Errorf("status: got %s, want suspended", got.Status)
	}

	if err := s.Accounts().AddUsageTotals(ctx, "acct-1", 3, 150); err != nil {
		t.Fatalf("add usage totals: %v", err)
	}
	if err := s.Accounts().AddUsageTotals(ctx, "acct-1", 1, 50); err != nil {
		t.Fatalf("add usage totals: %v", err)
	}
	got, _ = s.Accounts().Get(ctx, "acct-1")
	if got.TotalCalls != 4 || got.TotalSpent != 200 {
		t.Errorf("usage totals: calls=%d spent=%d, want 4/200", got.TotalCalls, got.TotalSpent)
	}

	mustCreateAccount(t, s, "acct-2", 0)
	n, err := s.Accounts().Count(ctx)
	if err != nil || n != 2 {
		t.Errorf("count: %d %v, want 2", n, err)
	}
	list, err := s.Accounts().List(ctx, 10, 0)
	if err != nil || len(list) != 2 {
		t.Errorf("list: %d %v, want 2", len(list), err)
	}
	page, err := s.Accounts().List(ctx, 1, 1)
	if err != nil || len(page) != 1 {
		t.Errorf("paged list: %d %v, want 1", len(page), err)
	}
}

func testLedgerAdjust(t *testing.T, open Factory) {
	s := openStore(t, open)
	ctx := context.Background()
	mustCreateAccount(t, s, "acct-1", 0)

	tx, err := s.Ledger().Adjust(ctx, "acct-1", "tx-1", ledger.TxPurchase, 1000, "evt_1", base)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if tx.Amount != 1000 || tx.BalanceAfter != 1000 || tx.Type != ledger.TxPurchase {
		t.Errorf("purchase tx: %+v", tx)
	}
	if mustBalance(t, s, "acct-1") != 1000 {
		t.Errorf("balance after purchase: %d", mustBalance(t, s, "acct-1"))
	}

	if _, err := s.Ledger().Adjust(ctx, "missing", "tx-x", ledger.TxPurchase, 100, "", base); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("adjust missing account: got %v, want ErrNotFound", err)
	}

	if _, err := s.Ledger().Adjust(ctx, "acct-1", "tx-2", ledger.TxAdjustment, -2000, "", base); !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Errorf("overdraft adjust: got %v, want ErrInsufficientCredits", err)
	}
	if mustBalance(t, s, "acct-1") != 1000 {
		t.Errorf("balance changed by failed adjust: %d", mustBalance(t, s, "acct-1"))
	}

	// Same reference replays the original transaction.
	dup, err := s.Ledger().Adjust(ctx, "acct-1", "tx-3", ledger.TxPurchase, 1000, "evt_1", base.Add(time.Minute))
	if err != nil {
		t.Fatalf("duplicate adjust: %v", err)
	}
	if dup.ID != "tx-1" {
		t.Errorf("duplicate reference: got tx %s, want tx-1", dup.ID)
	}
	if mustBalance(t, s, "acct-1") != 1000 {
		t.Errorf("duplicate reference credited again: %d", mustBalance(t, s, "acct-1"))
	}
}

func testLedgerReserve(t *testing.T, open Factory) {
	s := openStore(t, open)
	ctx := context.Background()
	mustCreateAccount(t, s, "acct-1", 100)

	tx, err := s.Ledger().Reserve(ctx, pendingReservation("res-1", "acct-1", 60), "tx-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if tx.Type != ledger.TxConsumption || tx.Amount != -60 || tx.BalanceAfter != 40 {
		t.Errorf("consumption tx: %+v", tx)
	}
	if mustBalance(t, s, "acct-1") != 40 {
		t.Errorf("balance after reserve: %d, want 40", mustBalance(t, s, "acct-1"))
	}

	r, err := s.Ledger().GetReservation(ctx, "res-1")
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if r.Status != ledger.ReservationPending || r.TxID != "tx-1" || r.Amount != 60 {
		t.Errorf("reservation: %+v", r)
	}

	if _, err := s.Ledger().Reserve(ctx, pendingReservation("res-2", "acct-1", 60), "tx-2"); !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Errorf("over-reserve: got %v, want ErrInsufficientCredits", err)
	}
	if mustBalance(t, s, "acct-1") != 40 {
		t.Errorf("balance changed by failed reserve: %d", mustBalance(t, s, "acct-1"))
	}
	if _, err := s.Ledger().GetReservation(ctx, "res-2"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("failed reserve left a row: %v", err)
	}

	if _, err := s.Ledger().Reserve(ctx, pendingReservation("res-3", "missing", 10), "tx-3"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("reserve for missing account: got %v, want ErrNotFound", err)
	}

	// A covered hold records the amount but leaves the balance alone.
	covered := pendingReservation("res-4", "acct-1", 25)
	covered.Kind = ledger.KindCovered
	tx, err = s.Ledger().Reserve(ctx, covered, "tx-4")
	if err != nil {
		t.Fatalf("covered reserve: %v", err)
	}
	if tx.ID != "" {
		t.Errorf("covered reserve appended a transaction: %+v", tx)
	}
	if mustBalance(t, s, "acct-1") != 40 {
		t.Errorf("covered reserve touched balance: %d", mustBalance(t, s, "acct-1"))
	}
}

func testLedgerRelease(t *testing.T, open Factory) {
	s := openStore(t, open)
	ctx := context.Background()
	mustCreateAccount(t, s, "acct-1", 100)

	if _, err := s.Ledger().Reserve(ctx, pendingReservation("res-1", "acct-1", 60), "tx-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	tx, err := s.Ledger().Release(ctx, "res-1", "tx-2", ledger.TxRefund, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if tx.Type != ledger.TxRefund || tx.Amount != 60 || tx.BalanceAfter != 100 {
		t.Errorf("refund tx: %+v", tx)
	}
	if mustBalance(t, s, "acct-1") != 100 {
		t.Errorf("balance after release: %d, want 100", mustBalance(t, s, "acct-1"))
	}

	r, _ := s.Ledger().GetReservation(ctx, "res-1")
	if r.Status != ledger.ReservationReleased {
		t.Errorf("status after release: %s", r.Status)
	}

	if _, err := s.Ledger().Release(ctx, "missing", "tx-x", ledger.TxRefund, base); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("release missing: got %v, want ErrNotFound", err)
	}
}

func testLedgerSettleIdempotent(t *testing.T, open Factory) {
	s := openStore(t, open)
	ctx := context.Background()
	mustCreateAccount(t, s, "acct-1", 100)

	if _, err := s.Ledger().Reserve(ctx, pendingReservation("res-1", "acct-1", 60), "tx-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := s.Ledger().Commit(ctx, "res-1", base); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Retried commit and late release are both no-ops.
	if err := s.Ledger().Commit(ctx, "res-1", base.Add(time.Second)); err != nil {
		t.Errorf("recommit: %v", err)
	}
	tx, err := s.Ledger().Release(ctx, "res-1", "tx-2", ledger.TxRefund, base.Add(time.Second))
	if err != nil {
		t.Errorf("release after commit: %v", err)
	}
	if tx.ID != "" {
		t.Errorf("release after commit appended a transaction: %+v", tx)
	}
	if mustBalance(t, s, "acct-1") != 40 {
		t.Errorf("balance after settle: %d, want 40", mustBalance(t, s, "acct-1"))
	}

	r, _ := s.Ledger().GetReservation(ctx, "res-1")
	if r.Status != ledger.ReservationCommitted {
		t.Errorf("status: %s, want committed", r.Status)
	}

	if err := s.Ledger().Commit(ctx, "missing", base); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("commit missing: got %v, want ErrNotFound", err)
	}

	// The other direction: released stays released.
	if _, err := s.Ledger().Reserve(ctx, pendingReservation("res-2", "acct-1", 10), "tx-3"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := s.Ledger().Release(ctx, "res-2", "tx-4", ledger.TxRefund, base); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.Ledger().Commit(ctx, "res-2", base); err != nil {
		t.Errorf("commit after release: %v", err)
	}
	r, _ = s.Ledger().GetReservation(ctx, "res-2")
	if r.Status != ledger.ReservationReleased {
		t.Errorf("commit after release flipped status: %s", r.Status)
	}
}

func testLedgerSequence(t *testing.T, open Factory) {
	s := openStore(t, open)
	ctx := context.Background()
	mustCreateAccount(t, s, "acct-1", 0)

	steps := []struct {
		typ    ledger.TxType
		amount int64
	}{
		{ledger.TxPurchase, 1000},
		{ledger.TxAdjustment, -100},
		{ledger.TxPurchase, 50},
		{ledger.TxAdjustment, 25},
	}
	for i, st := range steps {
		txID := fmt.Sprintf("tx-%d", i)
		if _, err := s.Ledger().Adjust(ctx, "acct-1", txID, st.typ, st.amount, "", base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("adjust %d: %v", i, err)
		}
	}
	if _, err := s.Ledger().Reserve(ctx, pendingReservation("res-1", "acct-1", 200), "tx-r"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := s.Ledger().Release(ctx, "res-1", "tx-f", ledger.TxExpiry, base.Add(time.Minute)); err != nil {
		t.Fatalf("release: %v", err)
	}

	txs, err := s.Ledger().ListTransactions(ctx, "acct-1", 0)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 6 {
		t.Fatalf("transaction count: %d, want 6", len(txs))
	}
	if err := ledger.VerifySequence(txs); err != nil {
		t.Errorf("sequence invariant: %v", err)
	}
	if last := txs[len(txs)-1]; last.BalanceAfter != mustBalance(t, s, "acct-1") {
		t.Errorf("cached balance %d != last balance_after %d", mustBalance(t, s, "acct-1"), last.BalanceAfter)
	}

	// Limited listing returns the newest transactions, oldest first.
	tail, err := s.Ledger().ListTransactions(ctx, "acct-1", 2)
	if err != nil {
		t.Fatalf("list tail: %v", err)
	}
	if len(tail) != 2 || tail[0].ID != "tx-r" || tail[1].ID != "tx-f" {
		t.Errorf("tail: %+v", tail)
	}
}

func testLedgerConcurrentReserve(t *testing.T, open Factory) {
	s := openStore(t, open)
	ctx := context.Background()

	const (
		price   = 10
		funded  = 20 // how many reservations the balance can cover
		workers = funded + 5
	)
	mustCreateAccount(t, s, "acct-1", price*funded)

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := pendingReservation(fmt.Sprintf("res-%d", i), "acct-1", price)
			_, errs[i] = s.Ledger().Reserve(ctx, res, fmt.Sprintf("tx-%d", i))
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for i, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrInsufficientCredits):
			insufficient++
		default:
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
	if ok != funded || insufficient != workers-funded {
		t.Errorf("outcomes: %d ok, %d insufficient, want %d/%d", ok, insufficient, funded, workers-funded)
	}
	if b := mustBalance(t, s, "acct-1"); b != 0 {
		t.Errorf("balance after concurrent reserve: %d, want 0", b)
	}

	txs, err := s.Ledger().ListTransactions(ctx, "acct-1", 0)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if err := ledger.VerifySequence(txs); err != nil {
		t.Errorf("sequence invariant: %v", err)
	}
}

func testExpiredReservations(t *testing.T, open Factory) {
	s := openStore(t, open)
	ctx := context.Background()
	mustCreateAccount(t, s, "acct-1", 1000)

	for i := 0; i < 3; i++ {
		res := pendingReservation(fmt.Sprintf("res-%d", i), "acct-1", 10)
		res.ExpiresAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := s.Ledger().Reserve(ctx, res, fmt.Sprintf("tx-%d", i)); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
	// Settled holds never expire.
	if err := s.Ledger().Commit(ctx, "res-1", base); err != nil {
		t.Fatalf("commit: %v", err)
	}

	expired, err := s.Ledger().ListExpiredReservations(ctx, base.Add(90*time.Second), 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "res-0" {
		t.Errorf("expired: %+v, want only res-0", expired)
	}

	all, err := s.Ledger().ListExpiredReservations(ctx, base.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expired after the horizon: %d, want 2", len(all))
	}
}

func testSubscriptions(t *testing.T, open Factory) {
	s := openStore(t, open)
	ctx := context.Background()
	mustCreateAccount(t, s, "acct-1", 0)

	sub := subscription.State{
		ID:                 "sub-1",
		AccountID:          "acct-1",
		PlanID:             "pro",
		ProviderID:         "sub_ext_1",
		ProviderItemID:     "si_1",
		Status:             subscription.StatusActive,
		CurrentPeriodStart: base,
		CurrentPeriodEnd:   base.AddDate(0, 1, 0),
		CallsIncluded:      100,
		OverageRate:        5,
		CreatedAt:          base,
		UpdatedAt:          base,
	}
	if err := s.Subscriptions().Create(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Subscriptions().Get(ctx, "sub-1")
	if err != nil || got.PlanID != "pro" || got.CallsIncluded != 100 {
		t.Errorf("get: %v %+v", err, got)
	}
	if got, err := s.Subscriptions().GetByAccount(ctx, "acct-1"); err != nil || got.ID != "sub-1" {
		t.Errorf("get by account: %v %+v", err, got)
	}
	if got, err := s.Subscriptions().GetByProviderID(ctx, "sub_ext_1"); err != nil || got.ID != "sub-1" {
		t.Errorf("get by provider: %v %+v", err, got)
	}
	if _, err := s.Subscriptions().GetByProviderID(ctx, "sub_unknown"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("get unknown provider: got %v, want ErrNotFound", err)
	}

	sub.Status = subscription.StatusPastDue
	sub.CallsUsed = 40
	sub.UpdatedAt = base.Add(time.Hour)
	if err := s.Subscriptions().Update(ctx, sub); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.Subscriptions().Get(ctx, "sub-1")
	if got.Status != subscription.StatusPastDue || got.CallsUsed != 40 {
		t.Errorf("after update: %+v", got)
	}

	used, err := s.Subscriptions().AddUsage(ctx, "acct-1", 3)
	if err != nil || used != 43 {
		t.Errorf("add usage: %d %v, want 43", used, err)
	}
	// The counter clamps at zero when slots are returned.
	used, err = s.Subscriptions().AddUsage(ctx, "acct-1", -100)
	if err != nil || used != 0 {
		t.Errorf("clamped usage: %d %v, want 0", used, err)
	}
	// Returning a slot to an idle counter is a no-op on an existing
	// row, not a missing row.
	used, err = s.Subscriptions().AddUsage(ctx, "acct-1", -1)
	if err != nil || used != 0 {
		t.Errorf("clamp from zero: %d %v, want 0", used, err)
	}
	if _, err := s.Subscriptions().AddUsage(ctx, "missing", 1); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("add usage missing: got %v, want ErrNotFound", err)
	}
}

func testUsage(t *testing.T, open Factory) {
	s := openStore(t, open)
	ctx := context.Background()

	records := []usage.Record{
		{ID: "u-1", AccountID: "acct-1", Tool: "search", Cost: 10, Unit: "credits", Success: true, CreatedAt: base},
		{ID: "u-2", AccountID: "acct-1", Tool: "search", Cost: 0, Unit: "credits", Success: false, ErrorCode: "insufficient_credits", CreatedAt: base.Add(time.Minute)},
		{ID: "u-3", AccountID: "acct-1", Tool: "convert", Cost: 20, Unit: "credits", Success: true, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "u-4", AccountID: "acct-2", Tool: "search", Cost: 5, Unit: "credits", Success: true, CreatedAt: base.Add(3 * time.Minute)},
	}
	for _, r := range records {
		if err := s.Usage().Record(ctx, r); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	// Retried settles rewrite the same record id; the duplicate is
	// dropped, not appended.
	if err := s.Usage().Record(ctx, records[0]); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	// Blocked attempts do not count toward windows or tiers.
	n, err := s.Usage().CountSince(ctx, "acct-1", base)
	if err != nil || n != 2 {
		t.Errorf("count since: %d %v, want 2", n, err)
	}
	n, err = s.Usage().CountSince(ctx, "acct-1", base.Add(90*time.Second))
	if err != nil || n != 1 {
		t.Errorf("count since cutoff: %d %v, want 1", n, err)
	}

	sum, err := s.Usage().Summary(ctx, "acct-1", base, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.CallCount != 2 || sum.ErrorCount != 1 || sum.TotalCost != 10 {
		t.Errorf("summary: %+v", sum)
	}

	recent, err := s.Usage().ListRecent(ctx, "acct-1", 2)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "u-3" || recent[1].ID != "u-2" {
		t.Errorf("recent: %+v", recent)
	}
}

func testPaymentIntents(t *testing.T, open Factory) {
	s := openStore(t, open)
	ctx := context.Background()

	pi := payevent.PaymentIntent{
		ID:         "pi-1",
		AccountID:  "acct-1",
		ProviderID: "pi_ext_1",
		Amount:     2000,
		Currency:   "usd",
		Status:     payevent.IntentPending,
		CreatedAt:  base,
		UpdatedAt:  base,
	}
	if err := s.PaymentIntents().Create(ctx, pi); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.PaymentIntents().Get(ctx, "pi-1")
	if err != nil || got.Amount != 2000 || got.Status != payevent.IntentPending {
		t.Errorf("get: %v %+v", err, got)
	}
	if got, err := s.PaymentIntents().GetByProviderID(ctx, "pi_ext_1"); err != nil || got.ID != "pi-1" {
		t.Errorf("get by provider: %v %+v", err, got)
	}
	if _, err := s.PaymentIntents().Get(ctx, "missing"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("get missing: got %v, want ErrNotFound", err)
	}

	pi.Status = payevent.IntentSucceeded
	pi.UpdatedAt = base.Add(time.Minute)
	if err := s.PaymentIntents().Update(ctx, pi); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.PaymentIntents().Get(ctx, "pi-1")
	if got.Status != payevent.IntentSucceeded {
		t.Errorf("after update: %+v", got)
	}
}

func testWebhookEvents(t *testing.T, open Factory) {
	s := openStore(t, open)
	ctx := context.Background()

	e := payevent.Event{
		ID:          "we-1",
		ExternalID:  "evt_1",
		Provider:    "stripe",
		Type:        "payment_intent.succeeded",
		Payload:     []byte(`{"id":"evt_1"}`),
		Status:      payevent.StatusPending,
		NextRetryAt: base,
		CreatedAt:   base,
		UpdatedAt:   base,
	}
	created, err := s.WebhookEvents().Insert(ctx, e)
	if err != nil || !created {
		t.Fatalf("insert: created=%v err=%v", created, err)
	}

	// Redelivery of the same provider event is absorbed.
	dup := e
	dup.ID = "we-2"
	created, err = s.WebhookEvents().Insert(ctx, dup)
	if err != nil || created {
		t.Errorf("redelivery: created=%v err=%v, want false/nil", created, err)
	}

	got, err := s.WebhookEvents().GetByExternalID(ctx, "evt_1")
	if err != nil || got.ID != "we-1" || string(got.Payload) != `{"id":"evt_1"}` {
		t.Errorf("get: %v %+v", err, got)
	}

	got = payevent.Fail(got, "provider timeout", payevent.DefaultRetryPolicy, base.Add(time.Minute))
	if err := s.WebhookEvents().Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.WebhookEvents().GetByExternalID(ctx, "evt_1")
	if got.RetryCount != 1 || got.LastError != "provider timeout" || got.Status != payevent.StatusPending {
		t.Errorf("after fail: %+v", got)
	}

	due, err := s.WebhookEvents().ListDue(ctx, got.NextRetryAt.Add(time.Second), 10)
	if err != nil || len(due) != 1 {
		t.Errorf("due: %d %v, want 1", len(due), err)
	}
	due, err = s.WebhookEvents().ListDue(ctx, base.Add(time.Minute), 10)
	if err != nil || len(due) != 0 {
		t.Errorf("due before backoff: %d %v, want 0", len(due), err)
	}

	got.Status = payevent.StatusFailed
	if err := s.WebhookEvents().Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	failed, err := s.WebhookEvents().ListFailed(ctx, 10)
	if err != nil || len(failed) != 1 || failed[0].ExternalID != "evt_1" {
		t.Errorf("failed: %+v %v", failed, err)
	}
}

func testAnalytics(t *testing.T, open Factory) {
	s := openStore(t, open)
	ctx := context.Background()
	mustCreateAccount(t, s, "acct-1", 0)
	mustCreateAccount(t, s, "acct-2", 0)
	mustCreateAccount(t, s, "acct-3", 0)

	records := []usage.Record{
		{ID: "u-1", AccountID: "acct-1", Tool: "search", Cost: 10, Unit: "credits", Success: true, CreatedAt: base},
		{ID: "u-2", AccountID: "acct-1", Tool: "search", Cost: 10, Unit: "credits", Success: true, CreatedAt: base.Add(time.Minute)},
		{ID: "u-3", AccountID: "acct-2", Tool: "convert", Cost: 0, Unit: "credits", Success: false, ErrorCode: "blocked", CreatedAt: base.Add(time.Minute)},
		{ID: "u-4", AccountID: "acct-2", Tool: "convert", Cost: 30, Unit: "credits", Success: true, CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, r := range records {
		if err := s.Usage().Record(ctx, r); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	a, err := s.Analytics().Aggregate(ctx, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if a.Calls != 3 || a.Revenue != 20 || a.ActiveAccounts != 1 || a.TotalAccounts != 3 {
		t.Errorf("analytics: %+v", a)
	}
}
