package payment

import (
	"fmt"

	"github.com/artpar/toolgate/config"
	"github.com/artpar/toolgate/ports"
)

// NewProvider creates a payment provider from configuration.
func NewProvider(cfg config.PaymentConfig) (ports.PaymentProvider, error) {
	switch cfg.Provider {
	case "stripe":
		if cfg.StripeKey == "" {
			return nil, fmt.Errorf("stripe secret key is required")
		}
		return NewStripeProvider(StripeConfig{
			SecretKey:     cfg.StripeKey,
			WebhookSecret: cfg.WebhookSecret,
		}), nil

	case "dummy", "test":
		return NewDummyProvider(cfg.WebhookSecret), nil

	case "none", "":
		return NewNoopProvider(), nil

	default:
		return nil, fmt.Errorf("unknown payment provider: %s", cfg.Provider)
	}
}
