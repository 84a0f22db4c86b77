package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/artpar/toolgate/adapters/clock"
	"github.com/artpar/toolgate/adapters/idgen"
	"github.com/artpar/toolgate/adapters/memory"
	"github.com/artpar/toolgate/adapters/metrics"
	"github.com/artpar/toolgate/config"
	"github.com/artpar/toolgate/domain/account"
	"github.com/artpar/toolgate/domain/ledger"
	"github.com/artpar/toolgate/ports"
)

var testBase = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

// fakeProvider records payment provider calls without reaching out.
type fakeProvider struct {
	mu           sync.Mutex
	topUps       []int64
	usageReports []string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) CreateCustomer(ctx context.Context, email, name, accountID string) (string, error) {
	return "cus_fake_" + accountID, nil
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (string, error) {
	return successURL, nil
}

func (f *fakeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return returnURL, nil
}

func (f *fakeProvider) CreateTopUpIntent(ctx context.Context, customerID string, amount int64, currency string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topUps = append(f.topUps, amount)
	return "pi_fake_1", nil
}

func (f *fakeProvider) ReportUsage(ctx context.Context, subscriptionItemID string, quantity int64, timestamp time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usageReports = append(f.usageReports, subscriptionItemID)
	return nil
}

func (f *fakeProvider) ParseWebhook(payload []byte, signature string) (string, string, map[string]any, error) {
	return "", "", nil, nil
}

func (f *fakeProvider) topUpCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.topUps)
}

func (f *fakeProvider) usageReportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.usageReports)
}

var _ ports.PaymentProvider = (*fakeProvider)(nil)

// env bundles the services under test against the in-memory backend.
type env struct {
	store    *memory.Store
	holder   *config.Holder
	clock    *clock.Fake
	ids      *idgen.Sequential
	provider *fakeProvider
	metrics  *metrics.Collector
	accounts *Accounts
	gate     *Gate
	recorder *Recorder
	sweeper  *Sweeper
}

func newEnv(t *testing.T, cfg *config.Config) *env {
	t.Helper()

	store := memory.New()
	holder := config.NewStaticHolder(cfg)
	clk := clock.NewFake(testBase)
	ids := idgen.NewSequential("id-")
	provider := &fakeProvider{}
	m := metrics.New(prometheus.NewRegistry())
	log := zerolog.Nop()

	accounts := NewAccounts(store, provider, clk, ids, log)
	gate := NewGate(store, holder, accounts, clk, ids, m, log)
	recorder := NewRecorder(store, holder, provider, clk, ids, m, log)
	sweeper := NewSweeper(store, holder, recorder, clk, m, log)

	return &env{
		store:    store,
		holder:   holder,
		clock:    clk,
		ids:      ids,
		provider: provider,
		metrics:  m,
		accounts: accounts,
		gate:     gate,
		recorder: recorder,
		sweeper:  sweeper,
	}
}

func perCallConfig(price int64) *config.Config {
	return &config.Config{
		Billing: config.BillingConfig{
			Model:    "per_call",
			Currency: "usd",
			PerCall:  config.PerCallConfig{DefaultPrice: price},
		},
	}
}

// seedAccount creates an account and funds it through the ledger.
func (e *env) seedAccount(t *testing.T, id string, balance int64) {
	t.Helper()
	ctx := context.Background()

	a := account.Account{ID: id, Status: account.StatusActive, CreatedAt: testBase, UpdatedAt: testBase}
	if err := e.store.Accounts().Create(ctx, a); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if balance > 0 {
		if _, err := e.store.Ledger().Adjust(ctx, id, e.ids.New(), ledger.TxPurchase, balance, "seed-"+id, testBase); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}
}

func accountWithPaymentMethod(id string) account.Account {
	return account.Account{
		ID:               id,
		Status:           account.StatusActive,
		HasPaymentMethod: true,
		CreatedAt:        testBase,
		UpdatedAt:        testBase,
	}
}

func (e *env) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := e.store.Ledger().Balance(context.Background(), id)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

// brokenStore simulates an unavailable backend: account reads fail, so
// the gate's first storage touch errors.
type brokenStore struct {
	ports.Store
}

var errStorageDown = errors.New("storage unavailable")

func (b brokenStore) Accounts() ports.AccountStore { return brokenAccounts{} }

type brokenAccounts struct{}

func (brokenAccounts) Get(context.Context, string) (account.Account, error) {
	return account.Account{}, errStorageDown
}
func (brokenAccounts) GetByCustomerID(context.Context, string) (account.Account, error) {
	return account.Account{}, errStorageDown
}
func (brokenAccounts) Create(context.Context, account.Account) error { return errStorageDown }
func (brokenAccounts) Update(context.Context, account.Account) error { return errStorageDown }
func (brokenAccounts) SetStatus(context.Context, string, account.Status, time.Time) error {
	return errStorageDown
}
func (brokenAccounts) AddUsageTotals(context.Context, string, int64, int64) error {
	return errStorageDown
}
func (brokenAccounts) List(context.Context, int, int) ([]account.Account, error) {
	return nil, errStorageDown
}
func (brokenAccounts) Count(context.Context) (int, error) { return 0, errStorageDown }

// newBrokenGate builds a gate whose storage errors on first touch.
func newBrokenGate(t *testing.T, cfg *config.Config) *Gate {
	t.Helper()

	store := brokenStore{memory.New()}
	holder := config.NewStaticHolder(cfg)
	clk := clock.NewFake(testBase)
	ids := idgen.NewSequential("id-")
	m := metrics.New(prometheus.NewRegistry())
	log := zerolog.Nop()

	accounts := NewAccounts(store, &fakeProvider{}, clk, ids, log)
	return NewGate(store, holder, accounts, clk, ids, m, log)
}

func (e *env) usageCount(t *testing.T, id string) int {
	t.Helper()
	recs, err := e.store.Usage().ListRecent(context.Background(), id, 100)
	if err != nil {
		t.Fatalf("list usage: %v", err)
	}
	return len(recs)
}
