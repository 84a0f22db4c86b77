package pricing

import (
	"testing"
	"time"
)

func TestPerCallDefaultAndToolPrice(t *testing.T) {
	cfg := Config{
		Model:        ModelPerCall,
		DefaultPrice: 100,
		ToolPrices:   map[string]int64{"search": 250},
	}

	if got := Resolve(cfg, "translate", Counters{}); got.Amount != 100 {
		t.Errorf("default price = %d, want 100", got.Amount)
	}
	if got := Resolve(cfg, "search", Counters{}); got.Amount != 250 {
		t.Errorf("tool price = %d, want 250", got.Amount)
	}
	if got := Resolve(cfg, "search", Counters{}); got.Unit != UnitCurrency {
		t.Errorf("unit = %q, want currency", got.Unit)
	}
}

func TestPerCallVolumeDiscountBoundary(t *testing.T) {
	cfg := Config{
		Model:        ModelPerCall,
		DefaultPrice: 100,
		DiscountTiers: []DiscountTier{
			{Threshold: 100, DiscountPercent: 10},
			{Threshold: 1000, DiscountPercent: 25},
		},
	}

	// 100th call: 99 prior calls, no tier crossed yet.
	if got := Resolve(cfg, "t", Counters{CallsThisCycle: 99}); got.Amount != 100 {
		t.Errorf("100th call = %d, want 100", got.Amount)
	}
	// 101st call: threshold 100 crossed.
	if got := Resolve(cfg, "t", Counters{CallsThisCycle: 100}); got.Amount != 90 {
		t.Errorf("101st call = %d, want 90", got.Amount)
	}
	// Deep volume: highest crossed tier wins.
	if got := Resolve(cfg, "t", Counters{CallsThisCycle: 5000}); got.Amount != 75 {
		t.Errorf("high volume call = %d, want 75", got.Amount)
	}
}

func TestPerCallMinCharge(t *testing.T) {
	cfg := Config{
		Model:         ModelPerCall,
		DefaultPrice:  10,
		MinCharge:     9,
		DiscountTiers: []DiscountTier{{Threshold: 1, DiscountPercent: 50}},
	}
	if got := Resolve(cfg, "t", Counters{CallsThisCycle: 10}); got.Amount != 9 {
		t.Errorf("discounted price = %d, want min charge 9", got.Amount)
	}
}

func TestSubscriptionCoveredAndOverage(t *testing.T) {
	cfg := Config{Model: ModelSubscription}

	got := Resolve(cfg, "t", Counters{CallsIncluded: 100, CallsUsed: 99, SubOverageRate: 5})
	if !got.Covered || got.Amount != 0 {
		t.Errorf("within allowance = %+v, want covered at 0", got)
	}

	got = Resolve(cfg, "t", Counters{CallsIncluded: 100, CallsUsed: 100, SubOverageRate: 5})
	if got.Covered || got.Amount != 5 {
		t.Errorf("beyond allowance = %+v, want overage 5", got)
	}
}

func TestUsageBasedTiers(t *testing.T) {
	cfg := Config{
		Model: ModelUsageBased,
		UsageTiers: []UsageTier{
			{UpTo: 1000, UnitAmount: 10},
			{UpTo: 10000, UnitAmount: 8},
			{UpTo: 0, UnitAmount: 5},
		},
	}

	cases := []struct {
		used int64
		want int64
	}{
		{0, 10},
		{999, 10},
		{1000, 8},
		{9999, 8},
		{10000, 5},
		{1000000, 5},
	}
	for _, c := range cases {
		if got := Resolve(cfg, "t", Counters{UsageThisCycle: c.used}); got.Amount != c.want {
			t.Errorf("used=%d: amount = %d, want %d", c.used, got.Amount, c.want)
		}
	}
}

func TestUsageBasedClamps(t *testing.T) {
	cfg := Config{
		Model:      ModelUsageBased,
		UsageTiers: []UsageTier{{UpTo: 0, UnitAmount: 3}},
		MinCharge:  5,
	}
	if got := Resolve(cfg, "t", Counters{}); got.Amount != 5 {
		t.Errorf("min clamp = %d, want 5", got.Amount)
	}

	cfg = Config{
		Model:      ModelUsageBased,
		UsageTiers: []UsageTier{{UpTo: 0, UnitAmount: 50}},
		MaxCharge:  20,
	}
	if got := Resolve(cfg, "t", Counters{}); got.Amount != 20 {
		t.Errorf("max clamp = %d, want 20", got.Amount)
	}
}

func TestFreemiumAllowanceGraceAndOverage(t *testing.T) {
	cfg := Config{
		Model:         ModelFreemium,
		FreeAllowance: 10,
		GraceCalls:    2,
		Overage:       OverageCharge,
		OverageRate:   15,
	}

	got := Resolve(cfg, "t", Counters{CallsInWindow: 9})
	if !got.Covered || got.Grace {
		t.Errorf("within allowance = %+v, want covered without grace", got)
	}

	got = Resolve(cfg, "t", Counters{CallsInWindow: 10, GraceUsed: 0})
	if !got.Covered || !got.Grace {
		t.Errorf("first grace call = %+v, want covered grace", got)
	}

	got = Resolve(cfg, "t", Counters{CallsInWindow: 12, GraceUsed: 2})
	if got.Covered || got.Amount != 15 {
		t.Errorf("beyond grace = %+v, want overage 15", got)
	}
}

func TestCreditCosts(t *testing.T) {
	cfg := Config{
		Model:             ModelCredit,
		DefaultCreditCost: 1,
		ToolCredits:       map[string]int64{"render": 10},
	}

	got := Resolve(cfg, "render", Counters{})
	if got.Amount != 10 || got.Unit != UnitCredits {
		t.Errorf("tool credits = %+v, want 10 credits", got)
	}
	if got := Resolve(cfg, "other", Counters{}); got.Amount != 1 {
		t.Errorf("default credits = %d, want 1", got.Amount)
	}
}

func TestModelUnit(t *testing.T) {
	if ModelCredit.Unit() != UnitCredits {
		t.Error("credit model should denominate in credits")
	}
	if ModelPerCall.Unit() != UnitCurrency {
		t.Error("per_call model should denominate in currency")
	}
}

func TestWindowStart(t *testing.T) {
	at := time.Date(2025, 6, 15, 13, 42, 7, 0, time.UTC)

	if got := WindowStart(WindowHourly, at); !got.Equal(time.Date(2025, 6, 15, 13, 0, 0, 0, time.UTC)) {
		t.Errorf("hourly = %v", got)
	}
	if got := WindowStart(WindowDaily, at); !got.Equal(time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("daily = %v", got)
	}
	if got := WindowStart(WindowMonthly, at); !got.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("monthly = %v", got)
	}
}

func TestValidate(t *testing.T) {
	valid := []Config{
		{Model: ModelPerCall, DefaultPrice: 100},
		{Model: ModelSubscription},
		{Model: ModelUsageBased, UsageTiers: []UsageTier{{UpTo: 0, UnitAmount: 5}}},
		{Model: ModelFreemium, FreeAllowance: 10, AllowanceWindow: WindowDaily, Overage: OverageBlock},
		{Model: ModelCredit, DefaultCreditCost: 1},
	}
	for _, cfg := range valid {
		if err := Validate(cfg); err != nil {
			t.Errorf("Validate(%s) = %v, want nil", cfg.Model, err)
		}
	}

	invalid := []Config{
		{Model: "flat_rate"},
		{Model: ModelPerCall, DefaultPrice: -1},
		{Model: ModelPerCall, DiscountTiers: []DiscountTier{{Threshold: 100, DiscountPercent: 150}}},
		{Model: ModelPerCall, DiscountTiers: []DiscountTier{{Threshold: 100}, {Threshold: 10}}},
		{Model: ModelUsageBased},
		{Model: ModelUsageBased, UsageTiers: []UsageTier{{UpTo: 10, UnitAmount: 5}, {UpTo: 5, UnitAmount: 3}, {UpTo: 0, UnitAmount: 1}}},
		{Model: ModelFreemium, FreeAllowance: 10, AllowanceWindow: "weekly", Overage: OverageBlock},
		{Model: ModelFreemium, FreeAllowance: 10, AllowanceWindow: WindowDaily, Overage: OverageCharge},
		{Model: ModelCredit},
	}
	for i, cfg := range invalid {
		if err := Validate(cfg); err == nil {
			t.Errorf("case %d (%s): Validate = nil, want error", i, cfg.Model)
		}
	}
}
