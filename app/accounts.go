// Package app wires the domain against the ports. Each service is a
// small orchestrator: domain packages decide, adapters do I/O.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/toolgate/domain/account"
	"github.com/artpar/toolgate/domain/payevent"
	"github.com/artpar/toolgate/ports"
)

// Accounts provisions billable accounts and passes checkout, portal and
// top-up flows through to the payment provider. Payment methods and
// card data never touch toolgate.
type Accounts struct {
	store   ports.Store
	payment ports.PaymentProvider
	clock   ports.Clock
	ids     ports.IDGenerator
	log     zerolog.Logger
}

// NewAccounts creates the account service.
func NewAccounts(store ports.Store, payment ports.PaymentProvider, clock ports.Clock, ids ports.IDGenerator, log zerolog.Logger) *Accounts {
	return &Accounts{
		store:   store,
		payment: payment,
		clock:   clock,
		ids:     ids,
		log:     log.With().Str("component", "accounts").Logger(),
	}
}

// Ensure returns the account, creating it on first sight. New accounts
// start active with a zero balance; freemium and per-call deployments
// meter callers they have never been introduced to.
func (s *Accounts) Ensure(ctx context.Context, id string) (account.Account, error) {
	a, err := s.store.Accounts().Get(ctx, id)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ports.ErrNotFound) {
		return account.Account{}, err
	}

	now := s.clock.Now()
	a = account.Account{
		ID:        id,
		Status:    account.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Accounts().Create(ctx, a); err != nil {
		// A concurrent request may have created it first.
		if existing, getErr := s.store.Accounts().Get(ctx, id); getErr == nil {
			return existing, nil
		}
		return account.Account{}, fmt.Errorf("create account %s: %w", id, err)
	}
	s.log.Info().Str("account", id).Msg("account created")
	return a, nil
}

// ensureCustomer makes sure the account is known to the payment
// provider, creating the customer record on demand.
func (s *Accounts) ensureCustomer(ctx context.Context, a account.Account) (account.Account, error) {
	if a.CustomerID != "" {
		return a, nil
	}
	customerID, err := s.payment.CreateCustomer(ctx, "", "", a.ID)
	if err != nil {
		return account.Account{}, fmt.Errorf("create customer for %s: %w", a.ID, err)
	}
	a.CustomerID = customerID
	a.UpdatedAt = s.clock.Now()
	if err := s.store.Accounts().Update(ctx, a); err != nil {
		return account.Account{}, fmt.Errorf("link customer %s: %w", customerID, err)
	}
	return a, nil
}

// Checkout creates a hosted checkout session for the given price and
// returns its URL.
func (s *Accounts) Checkout(ctx context.Context, accountID, priceID, successURL, cancelURL string) (string, error) {
	a, err := s.Ensure(ctx, accountID)
	if err != nil {
		return "", err
	}
	a, err = s.ensureCustomer(ctx, a)
	if err != nil {
		return "", err
	}
	return s.payment.CreateCheckoutSession(ctx, a.CustomerID, priceID, successURL, cancelURL)
}

// Portal creates a customer portal session and returns its URL.
func (s *Accounts) Portal(ctx context.Context, accountID, returnURL string) (string, error) {
	a, err := s.store.Accounts().Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	if a.CustomerID == "" {
		return "", fmt.Errorf("account %s has no payment customer", accountID)
	}
	return s.payment.CreatePortalSession(ctx, a.CustomerID, returnURL)
}

// TopUp initiates a balance top-up charge with the payment provider and
// records the pending intent. The balance is credited when the provider
// confirms asynchronously.
func (s *Accounts) TopUp(ctx context.Context, accountID string, amount int64, currency string) (payevent.PaymentIntent, error) {
	if amount <= 0 {
		return payevent.PaymentIntent{}, fmt.Errorf("top-up amount must be positive")
	}
	a, err := s.store.Accounts().Get(ctx, accountID)
	if err != nil {
		return payevent.PaymentIntent{}, err
	}
	a, err = s.ensureCustomer(ctx, a)
	if err != nil {
		return payevent.PaymentIntent{}, err
	}

	providerID, err := s.payment.CreateTopUpIntent(ctx, a.CustomerID, amount, currency)
	if err != nil {
		return payevent.PaymentIntent{}, fmt.Errorf("create top-up intent: %w", err)
	}

	now := s.clock.Now()
	pi := payevent.PaymentIntent{
		ID:         s.ids.New(),
		AccountID:  accountID,
		ProviderID: providerID,
		Amount:     amount,
		Currency:   currency,
		Status:     payevent.IntentPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.PaymentIntents().Create(ctx, pi); err != nil {
		return payevent.PaymentIntent{}, fmt.Errorf("record payment intent: %w", err)
	}
	s.log.Info().Str("account", accountID).Int64("amount", amount).Str("intent", providerID).Msg("top-up initiated")
	return pi, nil
}

// Suspend blocks further invocations without losing history.
func (s *Accounts) Suspend(ctx context.Context, accountID string) error {
	return s.store.Accounts().SetStatus(ctx, accountID, account.StatusSuspended, s.clock.Now())
}

// Reinstate reactivates a suspended account.
func (s *Accounts) Reinstate(ctx context.Context, accountID string) error {
	return s.store.Accounts().SetStatus(ctx, accountID, account.StatusActive, s.clock.Now())
}

// Delete soft-deletes an account. Usage history is retained.
func (s *Accounts) Delete(ctx context.Context, accountID string) error {
	return s.store.Accounts().SetStatus(ctx, accountID, account.StatusDeleted, s.clock.Now())
}

// Analytics aggregates revenue, call volume and customer counts over
// [start, end).
func (s *Accounts) Analytics(ctx context.Context, start, end time.Time) (ports.Analytics, error) {
	return s.store.Analytics().Aggregate(ctx, start, end)
}
