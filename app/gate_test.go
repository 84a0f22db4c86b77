package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/artpar/toolgate/config"
	"github.com/artpar/toolgate/domain/account"
	"github.com/artpar/toolgate/domain/ledger"
	"github.com/artpar/toolgate/domain/subscription"
)

func TestGatePerCallAllowReserves(t *testing.T) {
	e := newEnv(t, perCallConfig(100))
	e.seedAccount(t, "acc-1", 500)
	ctx := context.Background()

	d, err := e.gate.Authorize(ctx, "acc-1", "search")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allowed || d.ReservationID == "" {
		t.Fatalf("decision = %+v", d)
	}
	if d.Price != 100 || d.Unit != "currency" {
		t.Errorf("price = %d %s", d.Price, d.Unit)
	}
	if got := e.balance(t, "acc-1"); got != 400 {
		t.Errorf("balance = %d, want 400", got)
	}

	res, err := e.store.Ledger().GetReservation(ctx, d.ReservationID)
	if err != nil {
		t.Fatalf("GetReservation: %v", err)
	}
	if res.Status != ledger.ReservationPending || res.Kind != ledger.KindBalance || res.Amount != 100 {
		t.Errorf("reservation = %+v", res)
	}
}

func TestGateAutoCreatesAccounts(t *testing.T) {
	e := newEnv(t, &config.Config{
		Billing: config.BillingConfig{
			Model: "freemium",
			Freemium: config.FreemiumConfig{
				Allowance: 5,
				Window:    "daily",
				Overage:   "block",
			},
		},
	})
	ctx := context.Background()

	d, err := e.gate.Authorize(ctx, "stranger", "search")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allowed || !d.Covered {
		t.Fatalf("decision = %+v", d)
	}
	if _, err := e.store.Accounts().Get(ctx, "stranger"); err != nil {
		t.Errorf("account not created: %v", err)
	}
}

func TestGateBlocksInsufficientCredits(t *testing.T) {
	e := newEnv(t, perCallConfig(100))
	e.seedAccount(t, "acc-1", 40)
	ctx := context.Background()

	d, err := e.gate.Authorize(ctx, "acc-1", "search")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed {
		t.Fatal("allowed despite insufficient balance")
	}
	if d.Reason != ReasonInsufficientCredits || d.Required != 100 || d.Available != 40 {
		t.Errorf("refusal = %+v", d)
	}
	if got := e.balance(t, "acc-1"); got != 40 {
		t.Errorf("balance changed to %d", got)
	}

	// The blocked attempt leaves an audit record.
	recs, err := e.store.Usage().ListRecent(ctx, "acc-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Success || recs[0].ErrorCode != ReasonInsufficientCredits {
		t.Errorf("usage records = %+v", recs)
	}
}

func TestGateBlocksSuspendedAndDeleted(t *testing.T) {
	e := newEnv(t, perCallConfig(100))
	e.seedAccount(t, "acc-1", 500)
	e.seedAccount(t, "acc-2", 500)
	ctx := context.Background()

	if err := e.accounts.Suspend(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if err := e.accounts.Delete(ctx, "acc-2"); err != nil {
		t.Fatal(err)
	}

	d, _ := e.gate.Authorize(ctx, "acc-1", "t")
	if d.Allowed || d.Reason != ReasonAccountSuspended {
		t.Errorf("suspended decision = %+v", d)
	}
	d, _ = e.gate.Authorize(ctx, "acc-2", "t")
	if d.Allowed || d.Reason != ReasonAccountDeleted {
		t.Errorf("deleted decision = %+v", d)
	}
}

func TestGateFreemiumAllowanceWindow(t *testing.T) {
	e := newEnv(t, &config.Config{
		Billing: config.BillingConfig{
			Model: "freemium",
			Freemium: config.FreemiumConfig{
				Allowance: 2,
				Window:    "daily",
				Overage:   "block",
			},
		},
	})
	ctx := context.Background()

	// Two successful covered calls consume the allowance.
	for i := 0; i < 2; i++ {
		d, err := e.gate.Authorize(ctx, "acc-1", "t")
		if err != nil || !d.Allowed || !d.Covered {
			t.Fatalf("call %d: d=%+v err=%v", i, d, err)
		}
		if _, err := e.recorder.Record(ctx, Outcome{ReservationID: d.ReservationID, Success: true}); err != nil {
			t.Fatal(err)
		}
	}

	d, err := e.gate.Authorize(ctx, "acc-1", "t")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Reason != ReasonAllowanceExhausted {
		t.Fatalf("third call = %+v", d)
	}

	// Blocked attempts never consume allowance: still blocked, and the
	// next day the window resets.
	e.clock.Advance(24 * time.Hour)
	d, err = e.gate.Authorize(ctx, "acc-1", "t")
	if err != nil || !d.Allowed {
		t.Errorf("next-day call = %+v err=%v", d, err)
	}
}

func TestGateFreemiumChargeOverage(t *testing.T) {
	e := newEnv(t, &config.Config{
		Billing: config.BillingConfig{
			Model: "freemium",
			Freemium: config.FreemiumConfig{
				Allowance:   0,
				Window:      "daily",
				Overage:     "charge",
				OverageRate: 30,
			},
		},
	})
	e.seedAccount(t, "acc-1", 100)
	ctx := context.Background()

	d, err := e.gate.Authorize(ctx, "acc-1", "t")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Covered || d.Price != 30 {
		t.Fatalf("decision = %+v", d)
	}
	if got := e.balance(t, "acc-1"); got != 70 {
		t.Errorf("balance = %d, want 70", got)
	}
}

func TestGateSubscriptionCoveredCountsSlot(t *testing.T) {
	e := newEnv(t, &config.Config{
		Billing: config.BillingConfig{Model: "subscription"},
	})
	e.seedAccount(t, "acc-1", 0)
	ctx := context.Background()

	sub := subscription.State{
		ID:                 "sub-1",
		AccountID:          "acc-1",
		Status:             subscription.StatusActive,
		CurrentPeriodStart: testBase.AddDate(0, 0, -1),
		CurrentPeriodEnd:   testBase.AddDate(0, 1, -1),
		CallsIncluded:      2,
	}
	if err := e.store.Subscriptions().Create(ctx, sub); err != nil {
		t.Fatal(err)
	}

	d, err := e.gate.Authorize(ctx, "acc-1", "t")
	if err != nil || !d.Allowed || !d.Covered {
		t.Fatalf("d=%+v err=%v", d, err)
	}

	got, err := e.store.Subscriptions().GetByAccount(ctx, "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CallsUsed != 1 {
		t.Errorf("CallsUsed = %d, want 1", got.CallsUsed)
	}
}

func TestGateSubscriptionInactiveBlocks(t *testing.T) {
	e := newEnv(t, &config.Config{
		Billing: config.BillingConfig{
			Model:        "subscription",
			Subscription: config.SubscriptionConfig{DefaultOverageRate: 10},
		},
	})
	ctx := context.Background()

	// No subscription at all.
	d, err := e.gate.Authorize(ctx, "acc-1", "t")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Reason != ReasonSubscriptionInactive {
		t.Fatalf("no-subscription decision = %+v", d)
	}

	// Past-due subscription.
	e.seedAccount(t, "acc-2", 0)
	sub := subscription.State{
		ID:               "sub-2",
		AccountID:        "acc-2",
		Status:           subscription.StatusPastDue,
		CurrentPeriodEnd: testBase.AddDate(0, 1, 0),
		CallsIncluded:    100,
		CallsUsed:        100,
	}
	if err := e.store.Subscriptions().Create(ctx, sub); err != nil {
		t.Fatal(err)
	}
	d, _ = e.gate.Authorize(ctx, "acc-2", "t")
	if d.Allowed || d.Reason != ReasonSubscriptionInactive {
		t.Errorf("past-due decision = %+v", d)
	}
}

func TestGateSubscriptionOverageNeedsPaymentMethod(t *testing.T) {
	e := newEnv(t, &config.Config{
		Billing: config.BillingConfig{Model: "subscription"},
	})
	ctx := context.Background()

	a := account.Account{ID: "acc-1", Status: account.StatusActive, HasPaymentMethod: true, CreatedAt: testBase, UpdatedAt: testBase}
	if err := e.store.Accounts().Create(ctx, a); err != nil {
		t.Fatal(err)
	}
	sub := subscription.State{
		ID:               "sub-1",
		AccountID:        "acc-1",
		Status:           subscription.StatusActive,
		CurrentPeriodEnd: testBase.AddDate(0, 1, 0),
		CallsIncluded:    1,
		CallsUsed:        1,
		OverageRate:      10,
	}
	if err := e.store.Subscriptions().Create(ctx, sub); err != nil {
		t.Fatal(err)
	}

	d, err := e.gate.Authorize(ctx, "acc-1", "t")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Covered || d.Price != 10 {
		t.Fatalf("overage decision = %+v", d)
	}

	res, err := e.store.Ledger().GetReservation(ctx, d.ReservationID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != ledger.KindCovered || res.Amount != 10 {
		t.Errorf("reservation = %+v", res)
	}
}

func TestGateSubscriptionLazyRollover(t *testing.T) {
	e := newEnv(t, &config.Config{
		Billing: config.BillingConfig{Model: "subscription"},
	})
	e.seedAccount(t, "acc-1", 0)
	ctx := context.Background()

	sub := subscription.State{
		ID:                 "sub-1",
		AccountID:          "acc-1",
		Status:             subscription.StatusActive,
		CurrentPeriodStart: testBase.AddDate(0, -2, 0),
		CurrentPeriodEnd:   testBase.AddDate(0, -1, 0),
		CallsIncluded:      10,
		CallsUsed:          10,
	}
	if err := e.store.Subscriptions().Create(ctx, sub); err != nil {
		t.Fatal(err)
	}

	// The exhausted counter belongs to a lapsed period; the gate rolls
	// it over and covers the call.
	d, err := e.gate.Authorize(ctx, "acc-1", "t")
	if err != nil || !d.Allowed || !d.Covered {
		t.Fatalf("d=%+v err=%v", d, err)
	}

	got, err := e.store.Subscriptions().GetByAccount(ctx, "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CallsUsed != 1 {
		t.Errorf("CallsUsed = %d, want 1 after rollover", got.CallsUsed)
	}
	if !testBase.Before(got.CurrentPeriodEnd) {
		t.Errorf("period end %v not advanced", got.CurrentPeriodEnd)
	}
}

func TestGateCreditAutoRecharge(t *testing.T) {
	e := newEnv(t, &config.Config{
		Billing: config.BillingConfig{
			Model:    "credit",
			Currency: "usd",
			Credit: config.CreditConfig{
				DefaultCost:  10,
				AutoRecharge: config.AutoRechargeConfig{Enabled: true, Amount: 1000},
			},
		},
	})
	ctx := context.Background()

	a := account.Account{ID: "acc-1", Status: account.StatusActive, HasPaymentMethod: true, CreatedAt: testBase, UpdatedAt: testBase}
	if err := e.store.Accounts().Create(ctx, a); err != nil {
		t.Fatal(err)
	}

	d, err := e.gate.Authorize(ctx, "acc-1", "t")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Reason != ReasonInsufficientCredits {
		t.Fatalf("decision = %+v", d)
	}
	// The blocked call stays blocked but a top-up was initiated.
	if e.provider.topUpCount() != 1 {
		t.Errorf("top-ups = %d, want 1", e.provider.topUpCount())
	}
}

func TestGateConcurrentReservesNeverOversell(t *testing.T) {
	const price, funded, callers = 50, 10, 25

	e := newEnv(t, perCallConfig(price))
	e.seedAccount(t, "acc-1", price*funded)
	ctx := context.Background()

	var wg sync.WaitGroup
	decisions := make([]Decision, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := e.gate.Authorize(ctx, "acc-1", "t")
			if err != nil {
				t.Errorf("Authorize: %v", err)
				return
			}
			decisions[i] = d
		}(i)
	}
	wg.Wait()

	allowed := 0
	for _, d := range decisions {
		if d.Allowed {
			allowed++
		}
	}
	if allowed != funded {
		t.Errorf("allowed = %d, want %d", allowed, funded)
	}
	if got := e.balance(t, "acc-1"); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}

func TestGateFailOpen(t *testing.T) {
	cfg := perCallConfig(100)
	cfg.Gate.FailOpen = true

	d, err := newBrokenGate(t, cfg).Authorize(context.Background(), "acc-1", "t")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allowed {
		t.Errorf("fail-open decision = %+v", d)
	}
}

func TestGateFailClosed(t *testing.T) {
	d, err := newBrokenGate(t, perCallConfig(100)).Authorize(context.Background(), "acc-1", "t")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed || d.Reason != ReasonStorageError {
		t.Errorf("fail-closed decision = %+v", d)
	}
}
