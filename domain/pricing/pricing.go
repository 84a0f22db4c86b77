// Package pricing provides pure functions for resolving invocation cost.
// All functions are deterministic with no side effects: the billing gate
// and the usage recorder must be able to derive the same price for the
// same inputs.
package pricing

import (
	"fmt"
	"sort"
	"time"
)

// Model selects the pricing strategy in force for an account.
type Model string

const (
	ModelPerCall      Model = "per_call"
	ModelSubscription Model = "subscription"
	ModelUsageBased   Model = "usage_based"
	ModelFreemium     Model = "freemium"
	ModelCredit       Model = "credit"
)

// Unit declares what Amount is denominated in.
type Unit string

const (
	UnitCurrency Unit = "currency"
	UnitCredits  Unit = "credits"
)

// Window bounds a freemium allowance.
type Window string

const (
	WindowHourly  Window = "hourly"
	WindowDaily   Window = "daily"
	WindowMonthly Window = "monthly"
)

// OverageBehavior selects what happens beyond a freemium allowance.
type OverageBehavior string

const (
	OverageBlock  OverageBehavior = "block"
	OverageCharge OverageBehavior = "charge"
)

// DiscountTier grants a percentage discount once the account has made
// Threshold calls in the current billing cycle.
type DiscountTier struct {
	Threshold       int64
	DiscountPercent float64
}

// UsageTier prices usage within a cumulative band. UpTo <= 0 means
// unbounded (the final tier).
type UsageTier struct {
	UpTo       int64
	UnitAmount int64
}

// Config is the tagged union of billing model options. Model selects
// which section is in force; Validate enforces this at load time so the
// resolver never has to re-check shapes at call time.
type Config struct {
	Model    Model
	Currency string

	// per_call
	DefaultPrice  int64
	ToolPrices    map[string]int64
	MinCharge     int64
	DiscountTiers []DiscountTier

	// usage_based
	UsageTiers []UsageTier
	MaxCharge  int64

	// freemium
	FreeAllowance   int64
	AllowanceWindow Window
	Overage         OverageBehavior
	OverageRate     int64
	GraceCalls      int64

	// credit
	DefaultCreditCost int64
	ToolCredits       map[string]int64
}

// Counters is the slice of account state the resolver needs. The caller
// gathers these from storage; the resolver never reads anything itself.
type Counters struct {
	// Successful calls in the current billing cycle (volume discounts).
	CallsThisCycle int64
	// Cumulative usage units consumed this cycle (usage_based tiers).
	UsageThisCycle int64
	// Successful calls inside the current freemium allowance window.
	CallsInWindow int64
	// Grace calls already consumed this window.
	GraceUsed int64

	// Subscription state, meaningful only for ModelSubscription.
	SubscriptionActive bool
	CallsIncluded      int64
	CallsUsed          int64
	SubOverageRate     int64
}

// Unit returns what amounts are denominated in under model m.
func (m Model) Unit() Unit {
	if m == ModelCredit {
		return UnitCredits
	}
	return UnitCurrency
}

// Cost is a resolved price for one invocation.
type Cost struct {
	Amount  int64
	Unit    Unit
	Covered bool // inside a subscription/freemium allowance, nothing owed
	Grace   bool // covered by a freemium grace call
}

// Resolve computes the cost of invoking tool under cfg given the
// account counters. It never blocks a call; blocking is the gate's
// decision, informed by this cost and the account balance.
func Resolve(cfg Config, tool string, c Counters) Cost {
	switch cfg.Model {
	case ModelPerCall:
		return perCall(cfg, tool, c)
	case ModelSubscription:
		return subscription(c)
	case ModelUsageBased:
		return usageBased(cfg, c)
	case ModelFreemium:
		return freemium(cfg, c)
	case ModelCredit:
		return credit(cfg, tool)
	default:
		// Validate rejects unknown models at load time; an unknown model
		// here prices as free rather than panicking in the hot path.
		return Cost{Unit: UnitCurrency}
	}
}

func perCall(cfg Config, tool string, c Counters) Cost {
	price := cfg.DefaultPrice
	if p, ok := cfg.ToolPrices[tool]; ok {
		price = p
	}

	// Highest tier whose threshold the account has crossed this cycle.
	// A threshold of 100 discounts the 101st call onward.
	discount := 0.0
	for _, t := range cfg.DiscountTiers {
		if c.CallsThisCycle >= t.Threshold && t.DiscountPercent > discount {
			discount = t.DiscountPercent
		}
	}
	if discount > 0 {
		price = int64(float64(price) * (100 - discount) / 100)
	}

	if price < cfg.MinCharge {
		price = cfg.MinCharge
	}
	return Cost{Amount: price, Unit: UnitCurrency}
}

func subscription(c Counters) Cost {
	if c.CallsUsed < c.CallsIncluded {
		return Cost{Unit: UnitCurrency, Covered: true}
	}
	return Cost{Amount: c.SubOverageRate, Unit: UnitCurrency}
}

func usageBased(cfg Config, c Counters) Cost {
	// Tiers are cumulative: the unit price is the one for the band this
	// unit of usage falls into.
	price := int64(0)
	for _, t := range cfg.UsageTiers {
		price = t.UnitAmount
		if t.UpTo <= 0 || c.UsageThisCycle < t.UpTo {
			break
		}
	}

	if price < cfg.MinCharge {
		price = cfg.MinCharge
	}
	if cfg.MaxCharge > 0 && price > cfg.MaxCharge {
		price = cfg.MaxCharge
	}
	return Cost{Amount: price, Unit: UnitCurrency}
}

func freemium(cfg Config, c Counters) Cost {
	if c.CallsInWindow < cfg.FreeAllowance {
		return Cost{Unit: UnitCurrency, Covered: true}
	}
	if c.GraceUsed < cfg.GraceCalls {
		return Cost{Unit: UnitCurrency, Covered: true, Grace: true}
	}
	// Beyond allowance and grace: priced at the overage rate. Whether
	// that is charged or blocked is the gate's call (cfg.Overage).
	return Cost{Amount: cfg.OverageRate, Unit: UnitCurrency}
}

func credit(cfg Config, tool string) Cost {
	credits := cfg.DefaultCreditCost
	if cr, ok := cfg.ToolCredits[tool]; ok {
		credits = cr
	}
	return Cost{Amount: credits, Unit: UnitCredits}
}

// WindowStart returns the start of the allowance window containing t.
func WindowStart(w Window, t time.Time) time.Time {
	switch w {
	case WindowHourly:
		return t.Truncate(time.Hour)
	case WindowDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	}
}

// CycleStart returns the start of the monthly billing cycle containing t.
func CycleStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// Validate checks the section selected by cfg.Model. Sections belonging
// to other models are ignored, not rejected, so one file can describe
// several deployments.
func Validate(cfg Config) error {
	switch cfg.Model {
	case ModelPerCall:
		if cfg.DefaultPrice < 0 || cfg.MinCharge < 0 {
			return fmt.Errorf("per_call: prices must be non-negative")
		}
		for _, p := range cfg.ToolPrices {
			if p < 0 {
				return fmt.Errorf("per_call: tool prices must be non-negative")
			}
		}
		if !sort.SliceIsSorted(cfg.DiscountTiers, func(i, j int) bool {
			return cfg.DiscountTiers[i].Threshold < cfg.DiscountTiers[j].Threshold
		}) {
			return fmt.Errorf("per_call: discount tiers must be ordered by threshold")
		}
		for _, t := range cfg.DiscountTiers {
			if t.DiscountPercent < 0 || t.DiscountPercent > 100 {
				return fmt.Errorf("per_call: discount percent must be within [0,100]")
			}
		}
	case ModelSubscription:
		// Plan data lives on the subscription record; nothing to check.
	case ModelUsageBased:
		if len(cfg.UsageTiers) == 0 {
			return fmt.Errorf("usage_based: at least one tier is required")
		}
		var prev int64
		for i, t := range cfg.UsageTiers {
			last := i == len(cfg.UsageTiers)-1
			if t.UnitAmount < 0 {
				return fmt.Errorf("usage_based: tier amounts must be non-negative")
			}
			if !last && (t.UpTo <= prev) {
				return fmt.Errorf("usage_based: tiers must have increasing up_to bounds")
			}
			prev = t.UpTo
		}
	case ModelFreemium:
		if cfg.FreeAllowance < 0 || cfg.GraceCalls < 0 {
			return fmt.Errorf("freemium: allowance and grace must be non-negative")
		}
		switch cfg.AllowanceWindow {
		case WindowHourly, WindowDaily, WindowMonthly:
		default:
			return fmt.Errorf("freemium: window must be hourly, daily or monthly")
		}
		switch cfg.Overage {
		case OverageBlock, OverageCharge:
		default:
			return fmt.Errorf("freemium: overage must be 'block' or 'charge'")
		}
		if cfg.Overage == OverageCharge && cfg.OverageRate <= 0 {
			return fmt.Errorf("freemium: overage_rate is required when overage is 'charge'")
		}
	case ModelCredit:
		if cfg.DefaultCreditCost <= 0 {
			return fmt.Errorf("credit: default_cost must be positive")
		}
		for _, cr := range cfg.ToolCredits {
			if cr < 0 {
				return fmt.Errorf("credit: tool costs must be non-negative")
			}
		}
	default:
		return fmt.Errorf("unknown billing model: %q", cfg.Model)
	}
	return nil
}
