package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/toolgate/adapters/metrics"
	"github.com/artpar/toolgate/config"
	"github.com/artpar/toolgate/domain/account"
	"github.com/artpar/toolgate/domain/ledger"
	"github.com/artpar/toolgate/domain/payevent"
	"github.com/artpar/toolgate/domain/subscription"
	"github.com/artpar/toolgate/ports"
)

// Processor ingests payment provider webhooks and applies them to
// ledger and subscription state. Every event is applied at most once
// per external event ID; failures are retried with bounded backoff and
// exhausted events are kept for manual reconciliation.
type Processor struct {
	store   ports.Store
	cfg     *config.Holder
	payment ports.PaymentProvider
	clock   ports.Clock
	ids     ports.IDGenerator
	metrics *metrics.Collector
	log     zerolog.Logger
}

// NewProcessor creates the webhook processor.
func NewProcessor(store ports.Store, cfg *config.Holder, payment ports.PaymentProvider, clock ports.Clock, ids ports.IDGenerator, m *metrics.Collector, log zerolog.Logger) *Processor {
	return &Processor{
		store:   store,
		cfg:     cfg,
		payment: payment,
		clock:   clock,
		ids:     ids,
		metrics: m,
		log:     log.With().Str("component", "webhooks").Logger(),
	}
}

func (p *Processor) policy() payevent.RetryPolicy {
	w := p.cfg.Get().Webhooks
	return payevent.RetryPolicy{
		MaxRetries: w.MaxRetries,
		BaseDelay:  w.RetryBase,
		MaxDelay:   w.RetryMax,
	}
}

// Ingest validates, stores and applies one webhook delivery. A
// redelivered event ID is acknowledged without being applied again. An
// apply failure still acknowledges the delivery; the stored event is
// retried by Run.
func (p *Processor) Ingest(ctx context.Context, payload []byte, signature string) (payevent.Event, error) {
	eventID, eventType, data, err := p.payment.ParseWebhook(payload, signature)
	if err != nil {
		return payevent.Event{}, fmt.Errorf("parse webhook: %w", err)
	}

	body, err := json.Marshal(data)
	if err != nil {
		return payevent.Event{}, fmt.Errorf("encode webhook payload: %w", err)
	}

	now := p.clock.Now()
	e := payevent.Event{
		ID:          p.ids.New(),
		ExternalID:  eventID,
		Provider:    p.payment.Name(),
		Type:        eventType,
		Payload:     body,
		Status:      payevent.StatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	created, err := p.store.WebhookEvents().Insert(ctx, e)
	if err != nil {
		return payevent.Event{}, fmt.Errorf("store webhook event: %w", err)
	}
	if !created {
		existing, err := p.store.WebhookEvents().GetByExternalID(ctx, eventID)
		if err != nil {
			return payevent.Event{}, fmt.Errorf("load duplicate event %s: %w", eventID, err)
		}
		p.metrics.WebhookEventsTotal.WithLabelValues(eventType, "duplicate").Inc()
		p.log.Debug().Str("event", eventID).Str("type", eventType).Msg("duplicate webhook acknowledged")
		return existing, nil
	}

	return p.process(ctx, e)
}

// Run polls for due events until ctx is cancelled. Events deferred by a
// processing failure come back through here.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Get().Webhooks.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drainDue(ctx)
		}
	}
}

func (p *Processor) drainDue(ctx context.Context) {
	due, err := p.store.WebhookEvents().ListDue(ctx, p.clock.Now(), 50)
	if err != nil {
		p.log.Error().Err(err).Msg("list due webhook events failed")
		return
	}
	for _, e := range due {
		if e.RetryCount > 0 {
			p.metrics.WebhookRetriesTotal.Inc()
		}
		if _, err := p.process(ctx, e); err != nil {
			p.log.Error().Err(err).Str("event", e.ExternalID).Msg("webhook retry failed")
		}
	}
}

// process applies one stored event and persists the outcome.
func (p *Processor) process(ctx context.Context, e payevent.Event) (payevent.Event, error) {
	now := p.clock.Now()

	if applyErr := p.apply(ctx, e); applyErr != nil {
		e = payevent.Fail(e, applyErr.Error(), p.policy(), now)
		outcome := "deferred"
		if e.Status == payevent.StatusFailed {
			outcome = "failed"
			p.metrics.WebhookFailedTotal.Inc()
		}
		p.metrics.WebhookEventsTotal.WithLabelValues(e.Type, outcome).Inc()
		p.log.Warn().Err(applyErr).Str("event", e.ExternalID).Str("type", e.Type).
			Int("retries", e.RetryCount).Msg("webhook apply failed")
	} else {
		e = payevent.Processed(e, now)
		p.metrics.WebhookEventsTotal.WithLabelValues(e.Type, "processed").Inc()
		p.log.Info().Str("event", e.ExternalID).Str("type", e.Type).Msg("webhook processed")
	}

	if err := p.store.WebhookEvents().Update(ctx, e); err != nil {
		return e, fmt.Errorf("update webhook event %s: %w", e.ExternalID, err)
	}
	return e, nil
}

// apply translates one provider event into state changes. Unknown event
// types are acknowledged without effect.
func (p *Processor) apply(ctx context.Context, e payevent.Event) error {
	switch e.Type {
	case "payment_intent.succeeded":
		return p.applyIntentSucceeded(ctx, e)
	case "payment_intent.payment_failed":
		return p.applyIntentFailed(ctx, e)
	case "checkout.session.completed":
		return p.applyCheckoutCompleted(ctx, e)
	case "customer.subscription.created", "customer.subscription.updated":
		return p.applySubscriptionUpsert(ctx, e)
	case "customer.subscription.deleted":
		return p.applySubscriptionStatus(ctx, e, subscription.StatusCanceled)
	case "invoice.paid":
		return p.applyInvoicePaid(ctx, e)
	case "invoice.payment_failed":
		return p.applyInvoiceFailed(ctx, e)
	default:
		p.log.Debug().Str("type", e.Type).Msg("ignoring webhook event type")
		return nil
	}
}

type intentPayload struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Customer string `json:"customer"`
}

// applyIntentSucceeded credits a confirmed top-up. The ledger reference
// keys on the provider intent ID, so a replayed confirmation cannot
// credit twice.
func (p *Processor) applyIntentSucceeded(ctx context.Context, e payevent.Event) error {
	var ip intentPayload
	if err := json.Unmarshal(e.Payload, &ip); err != nil {
		return fmt.Errorf("decode payment intent: %w", err)
	}
	if ip.ID == "" {
		return fmt.Errorf("payment intent event without id")
	}

	pi, err := p.store.PaymentIntents().GetByProviderID(ctx, ip.ID)
	if err != nil {
		return fmt.Errorf("lookup payment intent %s: %w", ip.ID, err)
	}

	now := p.clock.Now()
	if pi.Status != payevent.IntentSucceeded {
		pi.Status = payevent.IntentSucceeded
		pi.UpdatedAt = now
		if err := p.store.PaymentIntents().Update(ctx, pi); err != nil {
			return fmt.Errorf("update payment intent %s: %w", ip.ID, err)
		}
	}

	if _, err := p.store.Ledger().Adjust(ctx, pi.AccountID, p.ids.New(), ledger.TxPurchase, pi.Amount, "topup:"+pi.ProviderID, now); err != nil {
		return fmt.Errorf("credit top-up %s: %w", pi.ProviderID, err)
	}
	p.log.Info().Str("account", pi.AccountID).Int64("amount", pi.Amount).Str("intent", pi.ProviderID).Msg("balance credited")
	return nil
}

func (p *Processor) applyIntentFailed(ctx context.Context, e payevent.Event) error {
	var ip intentPayload
	if err := json.Unmarshal(e.Payload, &ip); err != nil {
		return fmt.Errorf("decode payment intent: %w", err)
	}
	pi, err := p.store.PaymentIntents().GetByProviderID(ctx, ip.ID)
	if errors.Is(err, ports.ErrNotFound) {
		// A charge toolgate never initiated; nothing to reconcile.
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup payment intent %s: %w", ip.ID, err)
	}
	if pi.Status == payevent.IntentSucceeded || pi.Status == payevent.IntentFailed {
		return nil
	}
	pi.Status = payevent.IntentFailed
	pi.UpdatedAt = p.clock.Now()
	return p.store.PaymentIntents().Update(ctx, pi)
}

type checkoutPayload struct {
	Customer          string            `json:"customer"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// applyCheckoutCompleted links the provider customer to the account and
// marks a payment method on file.
func (p *Processor) applyCheckoutCompleted(ctx context.Context, e payevent.Event) error {
	var cp checkoutPayload
	if err := json.Unmarshal(e.Payload, &cp); err != nil {
		return fmt.Errorf("decode checkout session: %w", err)
	}

	accountID := cp.Metadata["account_id"]
	if accountID == "" {
		accountID = cp.ClientReferenceID
	}

	a, err := p.lookupAccount(ctx, accountID, cp.Customer)
	if err != nil {
		return err
	}
	if a.CustomerID == cp.Customer && a.HasPaymentMethod {
		return nil
	}
	if cp.Customer != "" {
		a.CustomerID = cp.Customer
	}
	a.HasPaymentMethod = true
	a.UpdatedAt = p.clock.Now()
	return p.store.Accounts().Update(ctx, a)
}

type subscriptionItem struct {
	ID    string `json:"id"`
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
}

type subscriptionPayload struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Metadata           struct {
		AccountID string `json:"account_id"`
	} `json:"metadata"`
	Items struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
}

// applySubscriptionUpsert creates or refreshes the subscription record
// from the provider's view of it.
func (p *Processor) applySubscriptionUpsert(ctx context.Context, e payevent.Event) error {
	var sp subscriptionPayload
	if err := json.Unmarshal(e.Payload, &sp); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	if sp.ID == "" {
		return fmt.Errorf("subscription event without id")
	}

	now := p.clock.Now()
	cfg := p.cfg.Get()

	sub, err := p.store.Subscriptions().GetByProviderID(ctx, sp.ID)
	if errors.Is(err, ports.ErrNotFound) {
		a, lookErr := p.lookupAccount(ctx, sp.Metadata.AccountID, sp.Customer)
		if lookErr != nil {
			return lookErr
		}
		sub = subscription.State{
			ID:            p.ids.New(),
			AccountID:     a.ID,
			ProviderID:    sp.ID,
			CallsIncluded: cfg.Billing.Subscription.DefaultCallsIncluded,
			OverageRate:   cfg.Billing.Subscription.DefaultOverageRate,
			CreatedAt:     now,
		}
		fillSubscription(&sub, sp, now)
		if err := p.store.Subscriptions().Create(ctx, sub); err != nil {
			return fmt.Errorf("create subscription %s: %w", sp.ID, err)
		}
		a.SubscriptionID = sub.ID
		a.HasPaymentMethod = true
		a.UpdatedAt = now
		if err := p.store.Accounts().Update(ctx, a); err != nil {
			return fmt.Errorf("link subscription to account %s: %w", a.ID, err)
		}
		p.log.Info().Str("account", a.ID).Str("subscription", sp.ID).Str("status", sp.Status).Msg("subscription created")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup subscription %s: %w", sp.ID, err)
	}

	// A new billing period from the provider resets the usage counter.
	if start := time.Unix(sp.CurrentPeriodStart, 0).UTC(); sp.CurrentPeriodStart > 0 && start.After(sub.CurrentPeriodStart) {
		sub.CallsUsed = 0
	}
	fillSubscription(&sub, sp, now)
	return p.store.Subscriptions().Update(ctx, sub)
}

func fillSubscription(sub *subscription.State, sp subscriptionPayload, now time.Time) {
	sub.Status = toSubscriptionStatus(sp.Status)
	if sp.CurrentPeriodStart > 0 {
		sub.CurrentPeriodStart = time.Unix(sp.CurrentPeriodStart, 0).UTC()
	}
	if sp.CurrentPeriodEnd > 0 {
		sub.CurrentPeriodEnd = time.Unix(sp.CurrentPeriodEnd, 0).UTC()
	}
	if len(sp.Items.Data) > 0 {
		sub.ProviderItemID = sp.Items.Data[0].ID
		sub.PlanID = sp.Items.Data[0].Price.ID
	}
	sub.UpdatedAt = now
}

func toSubscriptionStatus(s string) subscription.Status {
	switch s {
	case "active":
		return subscription.StatusActive
	case "trialing":
		return subscription.StatusTrialing
	case "past_due", "unpaid", "incomplete":
		return subscription.StatusPastDue
	default:
		return subscription.StatusCanceled
	}
}

func (p *Processor) applySubscriptionStatus(ctx context.Context, e payevent.Event, status subscription.Status) error {
	var sp subscriptionPayload
	if err := json.Unmarshal(e.Payload, &sp); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	sub, err := p.store.Subscriptions().GetByProviderID(ctx, sp.ID)
	if errors.Is(err, ports.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup subscription %s: %w", sp.ID, err)
	}
	if sub.Status == status {
		return nil
	}
	sub.Status = status
	sub.UpdatedAt = p.clock.Now()
	return p.store.Subscriptions().Update(ctx, sub)
}

type invoicePayload struct {
	Subscription string `json:"subscription"`
	PeriodStart  int64  `json:"period_start"`
	PeriodEnd    int64  `json:"period_end"`
}

// applyInvoicePaid reactivates the subscription and rolls the period
// forward if the invoice opens a new one.
func (p *Processor) applyInvoicePaid(ctx context.Context, e payevent.Event) error {
	var ip invoicePayload
	if err := json.Unmarshal(e.Payload, &ip); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}
	if ip.Subscription == "" {
		return nil
	}
	sub, err := p.store.Subscriptions().GetByProviderID(ctx, ip.Subscription)
	if errors.Is(err, ports.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup subscription %s: %w", ip.Subscription, err)
	}

	now := p.clock.Now()
	changed := false
	if rolled, rolledOver := subscription.Rollover(sub, now); rolledOver {
		sub = rolled
		changed = true
	}
	if sub.Status != subscription.StatusActive {
		sub.Status = subscription.StatusActive
		sub.UpdatedAt = now
		changed = true
	}
	if !changed {
		return nil
	}
	return p.store.Subscriptions().Update(ctx, sub)
}

func (p *Processor) applyInvoiceFailed(ctx context.Context, e payevent.Event) error {
	var ip invoicePayload
	if err := json.Unmarshal(e.Payload, &ip); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}
	if ip.Subscription == "" {
		return nil
	}
	sub, err := p.store.Subscriptions().GetByProviderID(ctx, ip.Subscription)
	if errors.Is(err, ports.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup subscription %s: %w", ip.Subscription, err)
	}
	if sub.Status == subscription.StatusPastDue || sub.Status == subscription.StatusCanceled {
		return nil
	}
	sub.Status = subscription.StatusPastDue
	sub.UpdatedAt = p.clock.Now()
	return p.store.Subscriptions().Update(ctx, sub)
}

// lookupAccount resolves the account an event belongs to, by explicit
// account ID when the event carries one, else by provider customer ID.
func (p *Processor) lookupAccount(ctx context.Context, accountID, customerID string) (account.Account, error) {
	if accountID != "" {
		return p.store.Accounts().Get(ctx, accountID)
	}
	if customerID != "" {
		return p.store.Accounts().GetByCustomerID(ctx, customerID)
	}
	return account.Account{}, fmt.Errorf("event carries neither account nor customer id")
}
