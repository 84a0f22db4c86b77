package app

import (
	"context"
	"testing"
	"time"

	"github.com/artpar/toolgate/domain/ledger"
)

func TestSweeperReleasesExpiredHolds(t *testing.T) {
	e := newEnv(t, perCallConfig(100))
	e.seedAccount(t, "acc-1", 500)
	ctx := context.Background()

	d := authorize(t, e, "acc-1", "search")
	if got := e.balance(t, "acc-1"); got != 400 {
		t.Fatalf("balance = %d, want 400", got)
	}

	// Within the TTL nothing is swept.
	if n, err := e.sweeper.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}

	e.clock.Advance(6 * time.Minute)
	n, err := e.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}

	if got := e.balance(t, "acc-1"); got != 500 {
		t.Errorf("balance = %d, want 500", got)
	}
	res, err := e.store.Ledger().GetReservation(ctx, d.ReservationID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ledger.ReservationReleased {
		t.Errorf("reservation status = %s", res.Status)
	}

	// The re-credit is an expiry transaction and the attempt is on
	// record.
	txs, _ := e.store.Ledger().ListTransactions(ctx, "acc-1", 0)
	last := txs[len(txs)-1]
	if last.Type != ledger.TxExpiry || last.Amount != 100 {
		t.Errorf("last tx = %+v", last)
	}
	recs, _ := e.store.Usage().ListRecent(ctx, "acc-1", 10)
	if len(recs) != 1 || recs[0].Success || recs[0].ErrorCode != "expired" {
		t.Errorf("usage records = %+v", recs)
	}

	// Nothing left to sweep.
	if n, _ := e.sweeper.Sweep(ctx); n != 0 {
		t.Errorf("second sweep = %d, want 0", n)
	}
}

func TestSweeperIgnoresSettledReservations(t *testing.T) {
	e := newEnv(t, perCallConfig(100))
	e.seedAccount(t, "acc-1", 500)
	ctx := context.Background()

	d := authorize(t, e, "acc-1", "search")
	if _, err := e.recorder.Record(ctx, Outcome{ReservationID: d.ReservationID, Success: true}); err != nil {
		t.Fatal(err)
	}

	e.clock.Advance(time.Hour)
	if n, err := e.sweeper.Sweep(ctx); err != nil || n != 0 {
		t.Errorf("sweep = %d, %v", n, err)
	}
	if got := e.balance(t, "acc-1"); got != 400 {
		t.Errorf("balance = %d, want 400", got)
	}
}

func TestSweeperLateReportAfterSweepIsNoop(t *testing.T) {
	e := newEnv(t, perCallConfig(100))
	e.seedAccount(t, "acc-1", 500)
	ctx := context.Background()

	d := authorize(t, e, "acc-1", "search")
	e.clock.Advance(6 * time.Minute)
	if _, err := e.sweeper.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	// The caller finally reports success; the hold is already released
	// and must not be charged.
	sum, err := e.recorder.Record(ctx, Outcome{ReservationID: d.ReservationID, Success: true})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Charged {
		t.Errorf("late report charged: %+v", sum)
	}
	if got := e.balance(t, "acc-1"); got != 500 {
		t.Errorf("balance = %d, want 500", got)
	}
}
