package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/toolgate/domain/pricing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
billing:
  model: per_call
  per_call:
    default_price: 100
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "toolgate.db" {
		t.Errorf("storage defaults = %+v", cfg.Storage)
	}
	if cfg.Billing.Currency != "usd" {
		t.Errorf("Billing.Currency = %q", cfg.Billing.Currency)
	}
	if cfg.Gate.ReservationTTL != 5*time.Minute {
		t.Errorf("Gate.ReservationTTL = %v", cfg.Gate.ReservationTTL)
	}
	if cfg.Webhooks.MaxRetries != 5 || cfg.Webhooks.RetryBase != 30*time.Second {
		t.Errorf("webhook defaults = %+v", cfg.Webhooks)
	}
	if cfg.Payment.Provider != "none" {
		t.Errorf("Payment.Provider = %q", cfg.Payment.Provider)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q", cfg.Metrics.Path)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TOOLGATE_BILLING_MODEL", "credit")
	t.Setenv("TOOLGATE_STORAGE_DRIVER", "memory")
	t.Setenv("TOOLGATE_GATE_FAIL_OPEN", "true")

	path := writeConfig(t, `
billing:
  model: per_call
  credit:
    default_cost: 2
storage:
  driver: sqlite
  dsn: ignored.db
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Billing.Model != "credit" {
		t.Errorf("Billing.Model = %q, want credit", cfg.Billing.Model)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("Storage.Driver = %q, want memory", cfg.Storage.Driver)
	}
	if !cfg.Gate.FailOpen {
		t.Error("Gate.FailOpen not overridden")
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"unknown driver": `
storage:
  driver: oracle
  dsn: x
`,
		"unknown billing model": `
billing:
  model: flat_rate
`,
		"unordered discount tiers": `
billing:
  model: per_call
  per_call:
    default_price: 100
    discount_tiers:
      - threshold: 1000
        discount_percent: 20
      - threshold: 100
        discount_percent: 10
`,
		"charge overage without rate": `
billing:
  model: freemium
  freemium:
    allowance: 10
    overage: charge
`,
		"stripe without key": `
payment:
  provider: stripe
`,
		"auto recharge without amount": `
billing:
  model: credit
  credit:
    default_cost: 1
    auto_recharge:
      enabled: true
`,
	}

	for name, content := range cases {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Errorf("%s: Load accepted invalid config", name)
		}
	}
}

func TestPricingMapping(t *testing.T) {
	path := writeConfig(t, `
billing:
  model: freemium
  freemium:
    allowance: 50
    window: daily
    overage: charge
    overage_rate: 25
    grace_calls: 3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p := cfg.Pricing()
	if p.Model != pricing.ModelFreemium {
		t.Errorf("Model = %q", p.Model)
	}
	if p.FreeAllowance != 50 || p.AllowanceWindow != pricing.WindowDaily {
		t.Errorf("allowance mapping = %+v", p)
	}
	if p.Overage != pricing.OverageCharge || p.OverageRate != 25 || p.GraceCalls != 3 {
		t.Errorf("overage mapping = %+v", p)
	}
}

func TestStaticHolder(t *testing.T) {
	h := NewStaticHolder(&Config{
		Billing: BillingConfig{Model: "per_call"},
	})
	cfg := h.Get()
	if cfg.Billing.Model != "per_call" {
		t.Errorf("Billing.Model = %q", cfg.Billing.Model)
	}
	// Static holders still get defaults applied.
	if cfg.Gate.ReservationTTL != 5*time.Minute {
		t.Errorf("Gate.ReservationTTL = %v", cfg.Gate.ReservationTTL)
	}
}

func TestHolderReload(t *testing.T) {
	path := writeConfig(t, `
billing:
  model: per_call
  per_call:
    default_price: 100
`)
	h, err := NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder: %v", err)
	}
	defer h.Stop()

	if got := h.Get().Billing.PerCall.DefaultPrice; got != 100 {
		t.Fatalf("DefaultPrice = %d", got)
	}

	if err := os.WriteFile(path, []byte(`
billing:
  model: per_call
  per_call:
    default_price: 250
`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := h.Get().Billing.PerCall.DefaultPrice; got != 250 {
		t.Errorf("DefaultPrice after reload = %d, want 250", got)
	}

	// A broken rewrite keeps the old config.
	if err := os.WriteFile(path, []byte("billing: {model: flat_rate}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.Reload(); err == nil {
		t.Error("Reload accepted invalid config")
	}
	if got := h.Get().Billing.PerCall.DefaultPrice; got != 250 {
		t.Errorf("DefaultPrice after failed reload = %d, want 250", got)
	}
}
