package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/toolgate/adapters/metrics"
	"github.com/artpar/toolgate/config"
	"github.com/artpar/toolgate/domain/ledger"
	"github.com/artpar/toolgate/domain/pricing"
	"github.com/artpar/toolgate/domain/subscription"
	"github.com/artpar/toolgate/domain/usage"
	"github.com/artpar/toolgate/ports"
)

// Refusal reasons surfaced to the invoking layer.
const (
	ReasonAccountSuspended     = "account_suspended"
	ReasonAccountDeleted       = "account_deleted"
	ReasonInsufficientCredits  = "insufficient_credits"
	ReasonSubscriptionInactive = "subscription_inactive"
	ReasonAllowanceExhausted   = "allowance_exhausted"
	ReasonStorageError         = "storage_error"
)

// Decision is the gate's answer for one invocation attempt. When
// Allowed is false the refusal fields (Reason, Required, Available)
// describe why; when true, ReservationID is the token the usage
// recorder settles after the tool ran.
type Decision struct {
	Allowed       bool
	Reason        string
	Required      int64
	Available     int64
	Price         int64
	Unit          string
	Covered       bool
	ReservationID string
}

// Gate authorizes tool invocations before they execute. It resolves the
// price, checks account state and places a reservation so concurrent
// calls cannot double-spend; it never executes the tool itself.
type Gate struct {
	store    ports.Store
	cfg      *config.Holder
	accounts *Accounts
	clock    ports.Clock
	ids      ports.IDGenerator
	metrics  *metrics.Collector
	log      zerolog.Logger
}

// NewGate creates the billing gate.
func NewGate(store ports.Store, cfg *config.Holder, accounts *Accounts, clock ports.Clock, ids ports.IDGenerator, m *metrics.Collector, log zerolog.Logger) *Gate {
	return &Gate{
		store:    store,
		cfg:      cfg,
		accounts: accounts,
		clock:    clock,
		ids:      ids,
		metrics:  m,
		log:      log.With().Str("component", "gate").Logger(),
	}
}

// Authorize decides whether accountID may invoke tool now. Storage
// failures block the call (fail-closed) unless gate.fail_open is
// configured for development.
func (g *Gate) Authorize(ctx context.Context, accountID, tool string) (Decision, error) {
	cfg := g.cfg.Get()
	d, err := g.authorize(ctx, cfg, accountID, tool)
	if err != nil {
		if cfg.Gate.FailOpen {
			g.log.Warn().Err(err).Str("account", accountID).Str("tool", tool).
				Msg("storage error, failing open")
			g.count(tool, "fail_open")
			return Decision{Allowed: true}, nil
		}
		g.log.Error().Err(err).Str("account", accountID).Str("tool", tool).
			Msg("storage error, failing closed")
		g.refused(ctx, cfg, accountID, tool, ReasonStorageError)
		return Decision{Reason: ReasonStorageError}, nil
	}

	if d.Allowed {
		g.count(tool, "allow")
		if d.Price > 0 && !d.Covered {
			g.metrics.AmountReserved.WithLabelValues(d.Unit).Add(float64(d.Price))
		}
	} else {
		g.refused(ctx, cfg, accountID, tool, d.Reason)
	}
	return d, nil
}

func (g *Gate) authorize(ctx context.Context, cfg *config.Config, accountID, tool string) (Decision, error) {
	now := g.clock.Now()

	acct, err := g.accounts.Ensure(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	if !acct.IsActive() {
		reason := ReasonAccountSuspended
		if acct.IsDeleted() {
			reason = ReasonAccountDeleted
		}
		return Decision{Reason: reason}, nil
	}

	pcfg := cfg.Pricing()
	counters, sub, err := g.gatherCounters(ctx, cfg, pcfg, accountID, now)
	if err != nil {
		return Decision{}, err
	}

	cost := pricing.Resolve(pcfg, tool, counters)
	d := Decision{Price: cost.Amount, Unit: string(cost.Unit), Covered: cost.Covered}

	switch {
	case cost.Covered:
		return g.reserveCovered(ctx, cfg, d, accountID, tool, 0, now, sub)

	case pcfg.Model == pricing.ModelSubscription:
		// Overage beyond the included calls is invoiced by the payment
		// provider; the account needs an active subscription and a way
		// to be charged.
		if !counters.SubscriptionActive || (!acct.HasPaymentMethod && cost.Amount > 0) {
			d.Reason = ReasonSubscriptionInactive
			d.Required = cost.Amount
			return d, nil
		}
		return g.reserveCovered(ctx, cfg, d, accountID, tool, cost.Amount, now, sub)

	case pcfg.Model == pricing.ModelFreemium && pcfg.Overage == pricing.OverageBlock:
		d.Reason = ReasonAllowanceExhausted
		d.Required = cost.Amount
		return d, nil

	default:
		// per_call, usage_based, credit, or freemium charge-overage:
		// the amount is held against the account balance.
		return g.reserveBalance(ctx, cfg, d, acct.HasPaymentMethod, accountID, tool, cost, now)
	}
}

// gatherCounters reads the account state the pricing resolver needs for
// the model in force, including the lazy subscription rollover.
func (g *Gate) gatherCounters(ctx context.Context, cfg *config.Config, pcfg pricing.Config, accountID string, now time.Time) (pricing.Counters, *subscription.State, error) {
	var c pricing.Counters

	switch pcfg.Model {
	case pricing.ModelPerCall:
		if len(pcfg.DiscountTiers) == 0 {
			return c, nil, nil
		}
		n, err := g.store.Usage().CountSince(ctx, accountID, pricing.CycleStart(now))
		if err != nil {
			return c, nil, err
		}
		c.CallsThisCycle = n

	case pricing.ModelUsageBased:
		n, err := g.store.Usage().CountSince(ctx, accountID, pricing.CycleStart(now))
		if err != nil {
			return c, nil, err
		}
		c.UsageThisCycle = n

	case pricing.ModelFreemium:
		n, err := g.store.Usage().CountSince(ctx, accountID, pricing.WindowStart(pcfg.AllowanceWindow, now))
		if err != nil {
			return c, nil, err
		}
		c.CallsInWindow = n
		if over := n - pcfg.FreeAllowance; over > 0 {
			c.GraceUsed = over
		}

	case pricing.ModelSubscription:
		sub, err := g.store.Subscriptions().GetByAccount(ctx, accountID)
		if errors.Is(err, ports.ErrNotFound) {
			return c, nil, nil // no subscription: inactive
		}
		if err != nil {
			return c, nil, err
		}
		if rolled, changed := subscription.Rollover(sub, now); changed {
			if err := g.store.Subscriptions().Update(ctx, rolled); err != nil {
				return c, nil, err
			}
			sub = rolled
		}
		c.SubscriptionActive = sub.IsActive()
		c.CallsIncluded = sub.CallsIncluded
		c.CallsUsed = sub.CallsUsed
		c.SubOverageRate = sub.OverageRate
		if c.CallsIncluded == 0 {
			c.CallsIncluded = cfg.Billing.Subscription.DefaultCallsIncluded
		}
		if c.SubOverageRate == 0 {
			c.SubOverageRate = cfg.Billing.Subscription.DefaultOverageRate
		}
		return c, &sub, nil
	}

	return c, nil, nil
}

// reserveBalance holds amount against the account balance, atomically.
func (g *Gate) reserveBalance(ctx context.Context, cfg *config.Config, d Decision, hasPaymentMethod bool, accountID, tool string, cost pricing.Cost, now time.Time) (Decision, error) {
	res := ledger.Reservation{
		ID:        g.ids.New(),
		AccountID: accountID,
		Tool:      tool,
		Kind:      ledger.KindBalance,
		Amount:    cost.Amount,
		Unit:      string(cost.Unit),
		CreatedAt: now,
		ExpiresAt: now.Add(cfg.Gate.ReservationTTL),
	}

	_, err := g.store.Ledger().Reserve(ctx, res, g.ids.New())
	if errors.Is(err, ledger.ErrInsufficientCredits) {
		available, balErr := g.store.Ledger().Balance(ctx, accountID)
		if balErr != nil {
			available = 0
		}
		g.maybeAutoRecharge(ctx, cfg, accountID, hasPaymentMethod)
		d.Reason = ReasonInsufficientCredits
		d.Required = cost.Amount
		d.Available = available
		return d, nil
	}
	if err != nil {
		return Decision{}, err
	}

	d.Allowed = true
	d.ReservationID = res.ID
	return d, nil
}

// reserveCovered records a hold that does not touch the balance: a
// covered subscription/freemium call, or subscription overage settled
// provider-side. Subscription slots are counted at reserve time so two
// concurrent calls cannot share the last included call.
func (g *Gate) reserveCovered(ctx context.Context, cfg *config.Config, d Decision, accountID, tool string, amount int64, now time.Time, sub *subscription.State) (Decision, error) {
	res := ledger.Reservation{
		ID:        g.ids.New(),
		AccountID: accountID,
		Tool:      tool,
		Kind:      ledger.KindCovered,
		Amount:    amount,
		Unit:      string(pricing.UnitCurrency),
		CreatedAt: now,
		ExpiresAt: now.Add(cfg.Gate.ReservationTTL),
	}
	if _, err := g.store.Ledger().Reserve(ctx, res, ""); err != nil {
		return Decision{}, err
	}
	if sub != nil {
		if _, err := g.store.Subscriptions().AddUsage(ctx, accountID, 1); err != nil && !errors.Is(err, ports.ErrNotFound) {
			return Decision{}, err
		}
	}

	d.Allowed = true
	d.ReservationID = res.ID
	return d, nil
}

// maybeAutoRecharge kicks off a top-up when the credit model ran dry.
// The blocked call stays blocked; the balance arrives via webhook.
func (g *Gate) maybeAutoRecharge(ctx context.Context, cfg *config.Config, accountID string, hasPaymentMethod bool) {
	ar := cfg.Billing.Credit.AutoRecharge
	if cfg.Billing.Model != string(pricing.ModelCredit) || !ar.Enabled || !hasPaymentMethod {
		return
	}
	if _, err := g.accounts.TopUp(ctx, accountID, ar.Amount, cfg.Billing.Currency); err != nil {
		g.log.Error().Err(err).Str("account", accountID).Msg("auto-recharge failed")
	}
}

// refused records the blocked attempt and counts it. A blocked call
// still leaves an audit trail even though nothing was charged.
func (g *Gate) refused(ctx context.Context, cfg *config.Config, accountID, tool, reason string) {
	g.count(tool, "block")
	g.metrics.BlockedTotal.WithLabelValues(reason).Inc()

	rec := usage.Record{
		ID:        g.ids.New(),
		AccountID: accountID,
		Tool:      tool,
		Unit:      string(cfg.Pricing().Model.Unit()),
		Success:   false,
		ErrorCode: reason,
		CreatedAt: g.clock.Now(),
	}
	if err := g.store.Usage().Record(ctx, rec); err != nil {
		g.log.Error().Err(err).Str("account", accountID).Msg("record blocked attempt failed")
	}
}

func (g *Gate) count(tool, decision string) {
	g.metrics.DecisionsTotal.WithLabelValues(tool, decision).Inc()
}
