package app

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/artpar/toolgate/config"
	"github.com/artpar/toolgate/domain/ledger"
	"github.com/artpar/toolgate/domain/subscription"
	"github.com/artpar/toolgate/domain/usage"
	"github.com/artpar/toolgate/ports"
)

// flakyUsageStore fails the first n usage writes, then behaves.
type flakyUsageStore struct {
	ports.UsageStore
	failures int
}

func (s *flakyUsageStore) Record(ctx context.Context, r usage.Record) error {
	if s.failures > 0 {
		s.failures--
		return errStorageDown
	}
	return s.UsageStore.Record(ctx, r)
}

type flakyUsageEnv struct {
	ports.Store
	usage *flakyUsageStore
}

func (e *flakyUsageEnv) Usage() ports.UsageStore { return e.usage }

func authorize(t *testing.T, e *env, accountID, tool string) Decision {
	t.Helper()
	d, err := e.gate.Authorize(context.Background(), accountID, tool)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("not allowed: %+v", d)
	}
	return d
}

func TestRecorderCommitsOnSuccess(t *testing.T) {
	e := newEnv(t, perCallConfig(100))
	e.seedAccount(t, "acc-1", 500)
	ctx := context.Background()

	d := authorize(t, e, "acc-1", "search")

	sum, err := e.recorder.Record(ctx, Outcome{ReservationID: d.ReservationID, Success: true})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !sum.Charged || sum.Amount != 100 || sum.Tool != "search" {
		t.Errorf("summary = %+v", sum)
	}

	res, err := e.store.Ledger().GetReservation(ctx, d.ReservationID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ledger.ReservationCommitted {
		t.Errorf("reservation status = %s", res.Status)
	}
	if got := e.balance(t, "acc-1"); got != 400 {
		t.Errorf("balance = %d, want 400", got)
	}

	a, err := e.store.Accounts().Get(ctx, "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if a.TotalCalls != 1 || a.TotalSpent != 100 {
		t.Errorf("totals = calls %d spent %d", a.TotalCalls, a.TotalSpent)
	}

	recs, err := e.store.Usage().ListRecent(ctx, "acc-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || !recs[0].Success || recs[0].Cost != 100 {
		t.Errorf("usage records = %+v", recs)
	}
}

func TestRecorderRefundsOnFailure(t *testing.T) {
	e := newEnv(t, perCallConfig(100))
	e.seedAccount(t, "acc-1", 500)
	ctx := context.Background()

	d := authorize(t, e, "acc-1", "search")

	sum, err := e.recorder.Record(ctx, Outcome{ReservationID: d.ReservationID, Success: false, ErrorCode: "upstream_timeout"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if sum.Charged || sum.Amount != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if got := e.balance(t, "acc-1"); got != 500 {
		t.Errorf("balance = %d, want 500", got)
	}

	// Consumption then refund, both in the ledger.
	txs, err := e.store.Ledger().ListTransactions(ctx, "acc-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 3 {
		t.Fatalf("transactions = %d, want 3", len(txs))
	}
	if txs[2].Type != ledger.TxRefund || txs[2].Amount != 100 {
		t.Errorf("last tx = %+v", txs[2])
	}
	if err := ledger.VerifySequence(txs); err != nil {
		t.Errorf("ledger invariant broken: %v", err)
	}

	recs, _ := e.store.Usage().ListRecent(ctx, "acc-1", 10)
	if len(recs) != 1 || recs[0].Success || recs[0].ErrorCode != "upstream_timeout" || recs[0].Cost != 0 {
		t.Errorf("usage records = %+v", recs)
	}
}

func TestRecorderChargeOnFailure(t *testing.T) {
	cfg := perCallConfig(100)
	cfg.Billing.ChargeOnFailure = true
	e := newEnv(t, cfg)
	e.seedAccount(t, "acc-1", 500)
	ctx := context.Background()

	d := authorize(t, e, "acc-1", "search")

	sum, err := e.recorder.Record(ctx, Outcome{ReservationID: d.ReservationID, Success: false, ErrorCode: "tool_error"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !sum.Charged || sum.Amount != 100 {
		t.Errorf("summary = %+v", sum)
	}
	if got := e.balance(t, "acc-1"); got != 400 {
		t.Errorf("balance = %d, want 400", got)
	}

	// Charged but still recorded as a failure, and failed calls do not
	// bump the success totals.
	a, _ := e.store.Accounts().Get(ctx, "acc-1")
	if a.TotalCalls != 0 {
		t.Errorf("TotalCalls = %d, want 0", a.TotalCalls)
	}
}

func TestRecorderSettleIsIdempotent(t *testing.T) {
	e := newEnv(t, perCallConfig(100))
	e.seedAccount(t, "acc-1", 500)
	ctx := context.Background()

	d := authorize(t, e, "acc-1", "search")

	first, err := e.recorder.Record(ctx, Outcome{ReservationID: d.ReservationID, Success: true})
	if err != nil {
		t.Fatal(err)
	}

	// Retried report: same answer, no second usage record, no double
	// charge.
	second, err := e.recorder.Record(ctx, Outcome{ReservationID: d.ReservationID, Success: true})
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Errorf("retried summary = %+v, want %+v", second, first)
	}
	if got := e.balance(t, "acc-1"); got != 400 {
		t.Errorf("balance = %d, want 400", got)
	}
	if n := e.usageCount(t, "acc-1"); n != 1 {
		t.Errorf("usage records = %d, want 1", n)
	}

	// Conflicting retry (failure after commit) cannot refund.
	third, err := e.recorder.Record(ctx, Outcome{ReservationID: d.ReservationID, Success: false})
	if err != nil {
		t.Fatal(err)
	}
	if !third.Charged {
		t.Errorf("conflicting retry = %+v", third)
	}
	if got := e.balance(t, "acc-1"); got != 400 {
		t.Errorf("balance = %d, want 400", got)
	}
}

func TestRecorderUnknownReservation(t *testing.T) {
	e := newEnv(t, perCallConfig(100))

	if _, err := e.recorder.Record(context.Background(), Outcome{ReservationID: "missing", Success: true}); err == nil {
		t.Error("unknown reservation accepted")
	}
}

func TestRecorderCoveredFailureReturnsSlot(t *testing.T) {
	e := newEnv(t, &config.Config{
		Billing: config.BillingConfig{Model: "subscription"},
	})
	e.seedAccount(t, "acc-1", 0)
	ctx := context.Background()

	sub := subscription.State{
		ID:               "sub-1",
		AccountID:        "acc-1",
		Status:           subscription.StatusActive,
		CurrentPeriodEnd: testBase.AddDate(0, 1, 0),
		CallsIncluded:    10,
	}
	if err := e.store.Subscriptions().Create(ctx, sub); err != nil {
		t.Fatal(err)
	}

	d := authorize(t, e, "acc-1", "t")
	if _, err := e.recorder.Record(ctx, Outcome{ReservationID: d.ReservationID, Success: false, ErrorCode: "boom"}); err != nil {
		t.Fatal(err)
	}

	got, err := e.store.Subscriptions().GetByAccount(ctx, "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CallsUsed != 0 {
		t.Errorf("CallsUsed = %d, want 0 after slot return", got.CallsUsed)
	}
}

func TestRecorderReportsProviderOverage(t *testing.T) {
	e := newEnv(t, &config.Config{
		Billing: config.BillingConfig{Model: "subscription"},
	})
	ctx := context.Background()

	a := accountWithPaymentMethod("acc-1")
	if err := e.store.Accounts().Create(ctx, a); err != nil {
		t.Fatal(err)
	}
	sub := subscription.State{
		ID:               "sub-1",
		AccountID:        "acc-1",
		ProviderItemID:   "si_123",
		Status:           subscription.StatusActive,
		CurrentPeriodEnd: testBase.AddDate(0, 1, 0),
		CallsIncluded:    1,
		CallsUsed:        1,
		OverageRate:      10,
	}
	if err := e.store.Subscriptions().Create(ctx, sub); err != nil {
		t.Fatal(err)
	}

	d := authorize(t, e, "acc-1", "t")
	if _, err := e.recorder.Record(ctx, Outcome{ReservationID: d.ReservationID, Success: true}); err != nil {
		t.Fatal(err)
	}

	if e.provider.usageReportCount() != 1 {
		t.Errorf("usage reports = %d, want 1", e.provider.usageReportCount())
	}
}

func TestRecorderRetriesAfterUsageWriteFailure(t *testing.T) {
	e := newEnv(t, perCallConfig(100))
	e.seedAccount(t, "acc-1", 500)
	ctx := context.Background()

	d := authorize(t, e, "acc-1", "search")

	flaky := &flakyUsageStore{UsageStore: e.store.Usage(), failures: 1}
	recorder := NewRecorder(&flakyUsageEnv{Store: e.store, usage: flaky},
		e.holder, e.provider, e.clock, e.ids, e.metrics, zerolog.Nop())

	// The first settle dies on the usage write. Nothing may be flipped:
	// the reservation stays pending so the report can be retried.
	if _, err := recorder.Record(ctx, Outcome{ReservationID: d.ReservationID, Success: true}); err == nil {
		t.Fatal("want error from failed usage write")
	}
	res, err := e.store.Ledger().GetReservation(ctx, d.ReservationID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ledger.ReservationPending {
		t.Fatalf("reservation status after failed settle = %s, want pending", res.Status)
	}

	// The retry completes the whole settle: committed, charged, and
	// exactly one durable usage record.
	sum, err := recorder.Record(ctx, Outcome{ReservationID: d.ReservationID, Success: true})
	if err != nil {
		t.Fatalf("retried Record: %v", err)
	}
	if !sum.Charged || sum.Amount != 100 {
		t.Errorf("summary = %+v", sum)
	}
	res, _ = e.store.Ledger().GetReservation(ctx, d.ReservationID)
	if res.Status != ledger.ReservationCommitted {
		t.Errorf("reservation status = %s", res.Status)
	}
	recs, err := e.store.Usage().ListRecent(ctx, "acc-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || !recs[0].Success || recs[0].Cost != 100 {
		t.Errorf("usage records = %+v", recs)
	}
}
