// Package memory provides an in-process implementation of the storage
// ports, used by tests and development mode. A single mutex guards all
// tables so ledger operations observe a consistent balance, mirroring
// the transactional guarantees of the SQL backends.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/toolgate/domain/account"
	"github.com/artpar/toolgate/domain/ledger"
	"github.com/artpar/toolgate/domain/payevent"
	"github.com/artpar/toolgate/domain/subscription"
	"github.com/artpar/toolgate/domain/usage"
	"github.com/artpar/toolgate/ports"
)

// Store implements ports.Store in memory.
type Store struct {
	mu            sync.Mutex
	accounts      map[string]account.Account
	reservations  map[string]ledger.Reservation
	transactions  map[string][]ledger.Transaction // by account, append order
	subscriptions map[string]subscription.State   // by id
	usage         []usage.Record
	intents       map[string]payevent.PaymentIntent
	events        map[string]payevent.Event // by external id
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		accounts:      make(map[string]account.Account),
		reservations:  make(map[string]ledger.Reservation),
		transactions:  make(map[string][]ledger.Transaction),
		subscriptions: make(map[string]subscription.State),
		intents:       make(map[string]payevent.PaymentIntent),
		events:        make(map[string]payevent.Event),
	}
}

func (s *Store) Accounts() ports.AccountStore             { return (*accountStore)(s) }
func (s *Store) Ledger() ports.LedgerStore                { return (*ledgerStore)(s) }
func (s *Store) Subscriptions() ports.SubscriptionStore   { return (*subscriptionStore)(s) }
func (s *Store) Usage() ports.UsageStore                  { return (*usageStore)(s) }
func (s *Store) PaymentIntents() ports.PaymentIntentStore { return (*intentStore)(s) }
func (s *Store) WebhookEvents() ports.WebhookEventStore   { return (*eventStore)(s) }
func (s *Store) Analytics() ports.AnalyticsStore          { return (*analyticsStore)(s) }
func (s *Store) Close() error                             { return nil }

// Ensure interface compliance.
var _ ports.Store = (*Store)(nil)

// -----------------------------------------------------------------------------
// Accounts
// -----------------------------------------------------------------------------

type accountStore Store

func (s *accountStore) Get(_ context.Context, id string) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return account.Account{}, ports.ErrNotFound
	}
	return a, nil
}

func (s *accountStore) GetByCustomerID(_ context.Context, customerID string) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.CustomerID != "" && a.CustomerID == customerID {
			return a, nil
		}
	}
	return account.Account{}, ports.ErrNotFound
}

func (s *accountStore) Create(_ context.Context, a account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
	return nil
}

func (s *accountStore) Update(_ context.Context, a account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.accounts[a.ID]
	if !ok {
		return ports.ErrNotFound
	}
	// Balance and usage totals are owned by the ledger operations.
	a.Balance = cur.Balance
	a.TotalCalls = cur.TotalCalls
	a.TotalSpent = cur.TotalSpent
	s.accounts[a.ID] = a
	return nil
}

func (s *accountStore) SetStatus(_ context.Context, id string, status account.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ports.ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = at
	s.accounts[id] = a
	return nil
}

func (s *accountStore) AddUsageTotals(_ context.Context, id string, calls, spent int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ports.ErrNotFound
	}
	a.TotalCalls += calls
	a.TotalSpent += spent
	s.accounts[id] = a
	return nil
}

func (s *accountStore) List(_ context.Context, limit, offset int) ([]account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []account.Account
	for i, id := range ids {
		if i < offset {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.accounts[id])
	}
	return out, nil
}

func (s *accountStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts), nil
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

type ledgerStore Store

func (s *ledgerStore) Reserve(_ context.Context, res ledger.Reservation, txID string) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[res.AccountID]
	if !ok {
		return ledger.Transaction{}, ports.ErrNotFound
	}

	var tx ledger.Transaction
	if res.Kind == ledger.KindBalance && res.Amount > 0 {
		if a.Balance < res.Amount {
			return ledger.Transaction{}, ledger.ErrInsufficientCredits
		}
		a.Balance -= res.Amount
		s.accounts[res.AccountID] = a
		tx = ledger.Transaction{
			ID:           txID,
			AccountID:    res.AccountID,
			Type:         ledger.TxConsumption,
			Amount:       -res.Amount,
			BalanceAfter: a.Balance,
			CreatedAt:    res.CreatedAt,
		}
		s.transactions[res.AccountID] = append(s.transactions[res.AccountID], tx)
		res.TxID = txID
	}

	res.Status = ledger.ReservationPending
	s.reservations[res.ID] = res
	return tx, nil
}

func (s *ledgerStore) GetReservation(_ context.Context, id string) (ledger.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return ledger.Reservation{}, ports.ErrNotFound
	}
	return r, nil
}

func (s *ledgerStore) Commit(_ context.Context, reservationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[reservationID]
	if !ok {
		return ports.ErrNotFound
	}
	if r.Status != ledger.ReservationPending {
		return nil
	}
	r.Status = ledger.ReservationCommitted
	s.reservations[reservationID] = r
	return nil
}

func (s *ledgerStore) Release(_ context.Context, reservationID, txID string, txType ledger.TxType, at time.Time) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[reservationID]
	if !ok {
		return ledger.Transaction{}, ports.ErrNotFound
	}
	if r.Status != ledger.ReservationPending {
		return ledger.Transaction{}, nil
	}

	var tx ledger.Transaction
	if r.Kind == ledger.KindBalance && r.Amount > 0 {
		a := s.accounts[r.AccountID]
		a.Balance += r.Amount
		s.accounts[r.AccountID] = a
		tx = ledger.Transaction{
			ID:           txID,
			AccountID:    r.AccountID,
			Type:         txType,
			Amount:       r.Amount,
			BalanceAfter: a.Balance,
			CreatedAt:    at,
		}
		s.transactions[r.AccountID] = append(s.transactions[r.AccountID], tx)
	}

	r.Status = ledger.ReservationReleased
	s.reservations[reservationID] = r
	return tx, nil
}

func (s *ledgerStore) Adjust(_ context.Context, accountID, txID string, typ ledger.TxType, amount int64, reference string, at time.Time) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reference != "" {
		for _, txs := range s.transactions {
			for _, tx := range txs {
				if tx.Reference == reference {
					return tx, nil
				}
			}
		}
	}

	a, ok := s.accounts[accountID]
	if !ok {
		return ledger.Transaction{}, ports.ErrNotFound
	}
	if a.Balance+amount < 0 {
		return ledger.Transaction{}, ledger.ErrInsufficientCredits
	}
	a.Balance += amount
	s.accounts[accountID] = a

	tx := ledger.Transaction{
		ID:           txID,
		AccountID:    accountID,
		Type:         typ,
		Amount:       amount,
		BalanceAfter: a.Balance,
		Reference:    reference,
		CreatedAt:    at,
	}
	s.transactions[accountID] = append(s.transactions[accountID], tx)
	return tx, nil
}

func (s *ledgerStore) Balance(_ context.Context, accountID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return 0, ports.ErrNotFound
	}
	return a.Balance, nil
}

func (s *ledgerStore) ListTransactions(_ context.Context, accountID string, limit int) ([]ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txs := s.transactions[accountID]
	if limit > 0 && len(txs) > limit {
		txs = txs[len(txs)-limit:]
	}
	out := make([]ledger.Transaction, len(txs))
	copy(out, txs)
	return out, nil
}

func (s *ledgerStore) ListExpiredReservations(_ context.Context, before time.Time, limit int) ([]ledger.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Reservation
	for _, r := range s.reservations {
		if r.Status == ledger.ReservationPending && r.ExpiresAt.Before(before) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

type subscriptionStore Store

func (s *subscriptionStore) Get(_ context.Context, id string) (subscription.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return subscription.State{}, ports.ErrNotFound
	}
	return sub, nil
}

func (s *subscriptionStore) GetByAccount(_ context.Context, accountID string) (subscription.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		if sub.AccountID == accountID {
			return sub, nil
		}
	}
	return subscription.State{}, ports.ErrNotFound
}

func (s *subscriptionStore) GetByProviderID(_ context.Context, providerID string) (subscription.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		if sub.ProviderID != "" && sub.ProviderID == providerID {
			return sub, nil
		}
	}
	return subscription.State{}, ports.ErrNotFound
}

func (s *subscriptionStore) Create(_ context.Context, sub subscription.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.ID] = sub
	return nil
}

func (s *subscriptionStore) Update(_ context.Context, sub subscription.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[sub.ID]; !ok {
		return ports.ErrNotFound
	}
	s.subscriptions[sub.ID] = sub
	return nil
}

func (s *subscriptionStore) AddUsage(_ context.Context, accountID string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subscriptions {
		if sub.AccountID == accountID {
			sub.CallsUsed += delta
			if sub.CallsUsed < 0 {
				sub.CallsUsed = 0
			}
			s.subscriptions[id] = sub
			return sub.CallsUsed, nil
		}
	}
	return 0, ports.ErrNotFound
}

// -----------------------------------------------------------------------------
// Usage
// -----------------------------------------------------------------------------

type usageStore Store

func (s *usageStore) Record(_ context.Context, r usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.usage {
		if existing.ID == r.ID {
			return nil
		}
	}
	s.usage = append(s.usage, r)
	return nil
}

func (s *usageStore) CountSince(_ context.Context, accountID string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.usage {
		if r.AccountID == accountID && r.Success && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *usageStore) Summary(_ context.Context, accountID string, start, end time.Time) (usage.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := usage.Summary{AccountID: accountID, PeriodStart: start, PeriodEnd: end}
	for _, r := range s.usage {
		if r.AccountID != accountID || r.CreatedAt.Before(start) || !r.CreatedAt.Before(end) {
			continue
		}
		sum.CallCount++
		if !r.Success {
			sum.ErrorCount++
		}
		sum.TotalCost += r.Cost
	}
	return sum, nil
}

func (s *usageStore) ListRecent(_ context.Context, accountID string, limit int) ([]usage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []usage.Record
	for i := len(s.usage) - 1; i >= 0; i-- {
		if s.usage[i].AccountID != accountID {
			continue
		}
		out = append(out, s.usage[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Payment intents
// -----------------------------------------------------------------------------

type intentStore Store

func (s *intentStore) Create(_ context.Context, pi payevent.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[pi.ID] = pi
	return nil
}

func (s *intentStore) Get(_ context.Context, id string) (payevent.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pi, ok := s.intents[id]
	if !ok {
		return payevent.PaymentIntent{}, ports.ErrNotFound
	}
	return pi, nil
}

func (s *intentStore) GetByProviderID(_ context.Context, providerID string) (payevent.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pi := range s.intents {
		if pi.ProviderID != "" && pi.ProviderID == providerID {
			return pi, nil
		}
	}
	return payevent.PaymentIntent{}, ports.ErrNotFound
}

func (s *intentStore) Update(_ context.Context, pi payevent.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[pi.ID]; !ok {
		return ports.ErrNotFound
	}
	s.intents[pi.ID] = pi
	return nil
}

// -----------------------------------------------------------------------------
// Webhook events
// -----------------------------------------------------------------------------

type eventStore Store

func (s *eventStore) Insert(_ context.Context, e payevent.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[e.ExternalID]; exists {
		return false, nil
	}
	s.events[e.ExternalID] = e
	return true, nil
}

func (s *eventStore) GetByExternalID(_ context.Context, externalID string) (payevent.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[externalID]
	if !ok {
		return payevent.Event{}, ports.ErrNotFound
	}
	return e, nil
}

func (s *eventStore) Update(_ context.Context, e payevent.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ExternalID]; !ok {
		return ports.ErrNotFound
	}
	s.events[e.ExternalID] = e
	return nil
}

func (s *eventStore) ListDue(_ context.Context, now time.Time, limit int) ([]payevent.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []payevent.Event
	for _, e := range s.events {
		if e.Status == payevent.StatusPending && !e.NextRetryAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *eventStore) ListFailed(_ context.Context, limit int) ([]payevent.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []payevent.Event
	for _, e := range s.events {
		if e.Status == payevent.StatusFailed {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Analytics
// -----------------------------------------------------------------------------

type analyticsStore Store

func (s *analyticsStore) Aggregate(_ context.Context, start, end time.Time) (ports.Analytics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := ports.Analytics{PeriodStart: start, PeriodEnd: end, TotalAccounts: int64(len(s.accounts))}
	active := make(map[string]bool)
	for _, r := range s.usage {
		if r.CreatedAt.Before(start) || !r.CreatedAt.Before(end) {
			continue
		}
		out.Calls++
		if r.Success {
			out.Revenue += r.Cost
			active[r.AccountID] = true
		}
	}
	out.ActiveAccounts = int64(len(active))
	return out, nil
}
