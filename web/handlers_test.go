package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/artpar/toolgate/adapters/clock"
	"github.com/artpar/toolgate/adapters/idgen"
	"github.com/artpar/toolgate/adapters/memory"
	"github.com/artpar/toolgate/adapters/metrics"
	"github.com/artpar/toolgate/adapters/payment"
	"github.com/artpar/toolgate/app"
	"github.com/artpar/toolgate/config"
	"github.com/artpar/toolgate/domain/account"
	"github.com/artpar/toolgate/domain/ledger"
)

var testBase = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

type testServer struct {
	store    *memory.Store
	clock    *clock.Fake
	provider *payment.DummyProvider
	server   *httptest.Server
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()

	store := memory.New()
	holder := config.NewStaticHolder(cfg)
	clk := clock.NewFake(testBase)
	ids := idgen.NewSequential("id-")
	provider := payment.NewDummyProvider("whsec_test")
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	log := zerolog.Nop()

	accounts := app.NewAccounts(store, provider, clk, ids, log)
	gate := app.NewGate(store, holder, accounts, clk, ids, m, log)
	recorder := app.NewRecorder(store, holder, provider, clk, ids, m, log)
	processor := app.NewProcessor(store, holder, provider, clk, ids, m, log)

	h := NewHandler(Deps{
		Gate:     gate,
		Recorder: recorder,
		Accounts: accounts,
		Webhooks: processor,
		Payment:  provider,
		Store:    store,
		Config:   holder,
		Gatherer: registry,
		Logger:   log,
	})

	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	return &testServer{store: store, clock: clk, provider: provider, server: srv}
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

func (ts *testServer) seedAccount(t *testing.T, id string, balance int64) {
	t.Helper()
	ctx := context.Background()

	a := account.Account{ID: id, Status: account.StatusActive, CreatedAt: testBase, UpdatedAt: testBase}
	if err := ts.store.Accounts().Create(ctx, a); err != nil {
		t.Fatal(err)
	}
	if balance > 0 {
		if _, err := ts.store.Ledger().Adjust(ctx, id, "tx-seed-"+id, ledger.TxPurchase, balance, "seed-"+id, testBase); err != nil {
			t.Fatal(err)
		}
	}
}

func (ts *testServer) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(ts.server.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHookFlowChargesOnSuccess(t *testing.T) {
	ts := newTestServer(t, perCallConfig(100))
	ts.seedAccount(t, "acc-1", 500)

	resp, body := ts.postJSON(t, "/hooks/before", map[string]any{"account_id": "acc-1", "tool": "search"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("before status = %d, body = %v", resp.StatusCode, body)
	}
	if body["allowed"] != true || body["price"] != float64(100) {
		t.Fatalf("before body = %v", body)
	}
	reservationID, _ := body["reservation_id"].(string)
	if reservationID == "" {
		t.Fatal("no reservation id")
	}

	resp, body = ts.postJSON(t, "/hooks/after", map[string]any{"reservation_id": reservationID, "success": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("after status = %d, body = %v", resp.StatusCode, body)
	}
	if body["charged"] != true || body["amount"] != float64(100) || body["tool"] != "search" {
		t.Errorf("after body = %v", body)
	}

	balance, _ := ts.store.Ledger().Balance(context.Background(), "acc-1")
	if balance != 400 {
		t.Errorf("balance = %d, want 400", balance)
	}
}

func TestHookBeforeBlockedIsPaymentRequired(t *testing.T) {
	ts := newTestServer(t, perCallConfig(100))
	ts.seedAccount(t, "acc-1", 30)

	resp, body := ts.postJSON(t, "/hooks/before", map[string]any{"account_id": "acc-1", "tool": "search"})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["blocked"] != true || body["reason"] != "insufficient_credits" {
		t.Errorf("body = %v", body)
	}
	if body["required"] != float64(100) || body["available"] != float64(30) {
		t.Errorf("body = %v", body)
	}
}

func TestHookValidation(t *testing.T) {
	ts := newTestServer(t, perCallConfig(100))

	resp, _ := ts.postJSON(t, "/hooks/before", map[string]any{"tool": "search"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing account_id status = %d", resp.StatusCode)
	}

	resp, _ = ts.postJSON(t, "/hooks/after", map[string]any{"success": true})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing reservation_id status = %d", resp.StatusCode)
	}

	resp, _ = ts.postJSON(t, "/hooks/after", map[string]any{"reservation_id": "nope", "success": true})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown reservation status = %d", resp.StatusCode)
	}
}

func TestPaymentWebhookEndpoint(t *testing.T) {
	cfg := perCallConfig(100)
	cfg.Payment.Provider = "dummy"
	ts := newTestServer(t, cfg)

	payload := []byte(`{"id":"evt_1","type":"charge.refund.updated","data":{}}`)

	req, _ := http.NewRequest(http.MethodPost, ts.server.URL+"/payment-webhooks/dummy", bytes.NewReader(payload))
	req.Header.Set("X-Signature", ts.provider.Sign(payload))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["received"] != true {
		t.Errorf("status = %d body = %v", resp.StatusCode, body)
	}
	if body["event_type"] != "charge.refund.updated" {
		t.Errorf("event_type = %v", body["event_type"])
	}

	// Bad signature is rejected outright.
	req, _ = http.NewRequest(http.MethodPost, ts.server.URL+"/payment-webhooks/dummy", bytes.NewReader(payload))
	req.Header.Set("X-Signature", "bogus")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad signature status = %d", resp.StatusCode)
	}

	// Deliveries to the wrong provider path are refused.
	resp, err = http.Post(ts.server.URL+"/payment-webhooks/stripe", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("wrong provider status = %d", resp.StatusCode)
	}
}

func TestAccountEndpoints(t *testing.T) {
	ts := newTestServer(t, perCallConfig(100))
	ts.seedAccount(t, "acc-1", 250)

	resp, err := http.Get(ts.server.URL + "/accounts/acc-1")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["balance"] != float64(250) || body["status"] != "active" {
		t.Errorf("account body = %v", body)
	}

	resp, err = http.Get(ts.server.URL + "/accounts/nobody")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown account status = %d", resp.StatusCode)
	}

	resp, body = ts.postJSON(t, "/accounts/acc-1/topup", map[string]any{"amount": 1000})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("topup status = %d body = %v", resp.StatusCode, body)
	}
	if body["status"] != "pending" || body["amount"] != float64(1000) {
		t.Errorf("topup body = %v", body)
	}

	resp, err = http.Get(ts.server.URL + "/accounts/acc-1/transactions")
	if err != nil {
		t.Fatal(err)
	}
	body = decodeBody(t, resp)
	txs, _ := body["transactions"].([]any)
	if len(txs) != 1 {
		t.Errorf("transactions = %v", body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	cfg := perCallConfig(100)
	cfg.Metrics.Enabled = true
	ts := newTestServer(t, cfg)

	resp, err := http.Get(ts.server.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}
