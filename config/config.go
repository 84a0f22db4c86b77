// Package config provides configuration loading, validation and hot
// reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/toolgate/domain/pricing"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Billing  BillingConfig  `yaml:"billing"`
	Gate     GateConfig     `yaml:"gate"`
	Payment  PaymentConfig  `yaml:"payment"`
	Webhooks WebhookConfig  `yaml:"webhooks"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StorageConfig selects the storage backend.
// Driver is one of "sqlite" (embedded file), "postgres" or "mysql".
type StorageConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// BillingConfig is the tagged union of billing model options. Model
// selects which variant applies; only that variant is validated.
type BillingConfig struct {
	Model    string `yaml:"model"` // per_call, subscription, usage_based, freemium, credit
	Currency string `yaml:"currency"`

	// Charge the resolved price even when the tool invocation fails.
	ChargeOnFailure bool `yaml:"charge_on_failure"`

	PerCall      PerCallConfig      `yaml:"per_call,omitempty"`
	Subscription SubscriptionConfig `yaml:"subscription,omitempty"`
	UsageBased   UsageBasedConfig   `yaml:"usage_based,omitempty"`
	Freemium     FreemiumConfig     `yaml:"freemium,omitempty"`
	Credit       CreditConfig       `yaml:"credit,omitempty"`
}

// PerCallConfig configures per-call pricing (minor currency units).
type PerCallConfig struct {
	DefaultPrice  int64                `yaml:"default_price"`
	MinCharge     int64                `yaml:"min_charge"`
	ToolPrices    map[string]int64     `yaml:"tool_prices,omitempty"`
	DiscountTiers []DiscountTierConfig `yaml:"discount_tiers,omitempty"`
}

// DiscountTierConfig grants a volume discount past a call threshold.
type DiscountTierConfig struct {
	Threshold       int64   `yaml:"threshold"`
	DiscountPercent float64 `yaml:"discount_percent"`
}

// SubscriptionConfig configures subscription defaults applied when a
// webhook activates a plan without explicit limits.
type SubscriptionConfig struct {
	DefaultCallsIncluded int64 `yaml:"default_calls_included"`
	DefaultOverageRate   int64 `yaml:"default_overage_rate"`
}

// UsageBasedConfig configures cumulative tier pricing.
type UsageBasedConfig struct {
	Tiers     []UsageTierConfig `yaml:"tiers"`
	MinCharge int64             `yaml:"min_charge"`
	MaxCharge int64             `yaml:"max_charge"`
}

// UsageTierConfig prices usage within a band; up_to 0 means unbounded.
type UsageTierConfig struct {
	UpTo       int64 `yaml:"up_to"`
	UnitAmount int64 `yaml:"unit_amount"`
}

// FreemiumConfig configures the free-tier allowance.
type FreemiumConfig struct {
	Allowance   int64  `yaml:"allowance"`
	Window      string `yaml:"window"`  // hourly, daily, monthly
	Overage     string `yaml:"overage"` // block, charge
	OverageRate int64  `yaml:"overage_rate"`
	GraceCalls  int64  `yaml:"grace_calls"`
}

// CreditConfig configures credit-system pricing.
type CreditConfig struct {
	DefaultCost  int64              `yaml:"default_cost"`
	ToolCosts    map[string]int64   `yaml:"tool_costs,omitempty"`
	AutoRecharge AutoRechargeConfig `yaml:"auto_recharge,omitempty"`
}

// AutoRechargeConfig triggers a top-up attempt when a reservation fails
// for lack of credits. The call is still blocked; credits arrive
// through the webhook flow.
type AutoRechargeConfig struct {
	Enabled bool  `yaml:"enabled"`
	Amount  int64 `yaml:"amount"`
}

// GateConfig configures the billing gate.
type GateConfig struct {
	// FailOpen allows calls through when storage is unavailable.
	// Development only; the default is fail-closed.
	FailOpen bool `yaml:"fail_open"`
	// ReservationTTL bounds how long a hold may stay pending before
	// the sweep releases it.
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
	// SweepInterval is how often expired reservations are released.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// PaymentConfig configures the payment provider.
type PaymentConfig struct {
	Provider      string `yaml:"provider"` // "stripe", "dummy", "none"
	StripeKey     string `yaml:"stripe_key,omitempty"`
	WebhookSecret string `yaml:"webhook_secret,omitempty"`
}

// WebhookConfig configures webhook event processing.
type WebhookConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	RetryBase    time.Duration `yaml:"retry_base"`
	RetryMax     time.Duration `yaml:"retry_max"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Pricing maps the active billing variant to the pure resolver config.
func (c *Config) Pricing() pricing.Config {
	p := pricing.Config{
		Model:    pricing.Model(c.Billing.Model),
		Currency: c.Billing.Currency,
	}
	switch p.Model {
	case pricing.ModelPerCall:
		p.DefaultPrice = c.Billing.PerCall.DefaultPrice
		p.MinCharge = c.Billing.PerCall.MinCharge
		p.ToolPrices = c.Billing.PerCall.ToolPrices
		for _, t := range c.Billing.PerCall.DiscountTiers {
			p.DiscountTiers = append(p.DiscountTiers, pricing.DiscountTier{
				Threshold:       t.Threshold,
				DiscountPercent: t.DiscountPercent,
			})
		}
	case pricing.ModelUsageBased:
		p.MinCharge = c.Billing.UsageBased.MinCharge
		p.MaxCharge = c.Billing.UsageBased.MaxCharge
		for _, t := range c.Billing.UsageBased.Tiers {
			p.UsageTiers = append(p.UsageTiers, pricing.UsageTier{
				UpTo:       t.UpTo,
				UnitAmount: t.UnitAmount,
			})
		}
	case pricing.ModelFreemium:
		p.FreeAllowance = c.Billing.Freemium.Allowance
		p.AllowanceWindow = pricing.Window(c.Billing.Freemium.Window)
		p.Overage = pricing.OverageBehavior(c.Billing.Freemium.Overage)
		p.OverageRate = c.Billing.Freemium.OverageRate
		p.GraceCalls = c.Billing.Freemium.GraceCalls
	case pricing.ModelCredit:
		p.DefaultCreditCost = c.Billing.Credit.DefaultCost
		p.ToolCredits = c.Billing.Credit.ToolCosts
	}
	return p
}

// applyEnvOverrides applies TOOLGATE_* environment variables.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOOLGATE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TOOLGATE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("TOOLGATE_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("TOOLGATE_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}

	if v := os.Getenv("TOOLGATE_BILLING_MODEL"); v != "" {
		cfg.Billing.Model = v
	}
	if v := os.Getenv("TOOLGATE_BILLING_CURRENCY"); v != "" {
		cfg.Billing.Currency = v
	}

	if v := os.Getenv("TOOLGATE_GATE_FAIL_OPEN"); v != "" {
		cfg.Gate.FailOpen = parseBool(v)
	}

	if v := os.Getenv("TOOLGATE_PAYMENT_PROVIDER"); v != "" {
		cfg.Payment.Provider = v
	}
	if v := os.Getenv("TOOLGATE_PAYMENT_STRIPE_KEY"); v != "" {
		cfg.Payment.StripeKey = v
	}
	if v := os.Getenv("TOOLGATE_PAYMENT_WEBHOOK_SECRET"); v != "" {
		cfg.Payment.WebhookSecret = v
	}

	if v := os.Getenv("TOOLGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TOOLGATE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("TOOLGATE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" && cfg.Storage.Driver == "sqlite" {
		cfg.Storage.DSN = "toolgate.db"
	}
	if cfg.Storage.MaxOpenConns == 0 {
		cfg.Storage.MaxOpenConns = 10
	}
	if cfg.Storage.MaxIdleConns == 0 {
		cfg.Storage.MaxIdleConns = 5
	}

	if cfg.Billing.Model == "" {
		cfg.Billing.Model = "per_call"
	}
	if cfg.Billing.Currency == "" {
		cfg.Billing.Currency = "usd"
	}
	if cfg.Billing.Freemium.Window == "" {
		cfg.Billing.Freemium.Window = "monthly"
	}
	if cfg.Billing.Freemium.Overage == "" {
		cfg.Billing.Freemium.Overage = "block"
	}
	if cfg.Billing.Model == "credit" && cfg.Billing.Credit.DefaultCost == 0 {
		cfg.Billing.Credit.DefaultCost = 1
	}

	if cfg.Gate.ReservationTTL == 0 {
		cfg.Gate.ReservationTTL = 5 * time.Minute
	}
	if cfg.Gate.SweepInterval == 0 {
		cfg.Gate.SweepInterval = time.Minute
	}

	if cfg.Payment.Provider == "" {
		cfg.Payment.Provider = "none"
	}

	if cfg.Webhooks.MaxRetries == 0 {
		cfg.Webhooks.MaxRetries = 5
	}
	if cfg.Webhooks.RetryBase == 0 {
		cfg.Webhooks.RetryBase = 30 * time.Second
	}
	if cfg.Webhooks.RetryMax == 0 {
		cfg.Webhooks.RetryMax = time.Hour
	}
	if cfg.Webhooks.PollInterval == 0 {
		cfg.Webhooks.PollInterval = 15 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true, "memory": true}
	if !validDrivers[cfg.Storage.Driver] {
		return fmt.Errorf("storage.driver must be one of: sqlite, postgres, mysql, memory; got %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Driver != "memory" && cfg.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for driver %q", cfg.Storage.Driver)
	}

	if err := pricing.Validate(cfg.Pricing()); err != nil {
		return fmt.Errorf("billing: %w", err)
	}

	validProviders := map[string]bool{"none": true, "stripe": true, "dummy": true}
	if !validProviders[cfg.Payment.Provider] {
		return fmt.Errorf("payment.provider must be one of: none, stripe, dummy; got %q", cfg.Payment.Provider)
	}
	if cfg.Payment.Provider == "stripe" && cfg.Payment.StripeKey == "" {
		return fmt.Errorf("payment.stripe_key is required when payment.provider is 'stripe'")
	}

	if cfg.Billing.Credit.AutoRecharge.Enabled && cfg.Billing.Credit.AutoRecharge.Amount <= 0 {
		return fmt.Errorf("billing.credit.auto_recharge.amount must be positive when enabled")
	}

	return nil
}
