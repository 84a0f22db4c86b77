package payment

import (
	"context"
	"fmt"
	"time"
)

// NoopProvider is used when no payment provider is configured. Every
// operation that would reach an external processor fails loudly; the
// billing gate itself keeps working on locally-granted credits.
type NoopProvider struct{}

// NewNoopProvider creates a new no-op payment provider.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

// Name returns the provider name.
func (p *NoopProvider) Name() string {
	return "none"
}

func (p *NoopProvider) CreateCustomer(ctx context.Context, email, name, accountID string) (string, error) {
	return "", fmt.Errorf("no payment provider configured")
}

func (p *NoopProvider) CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (string, error) {
	return "", fmt.Errorf("no payment provider configured")
}

func (p *NoopProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return "", fmt.Errorf("no payment provider configured")
}

func (p *NoopProvider) CreateTopUpIntent(ctx context.Context, customerID string, amount int64, currency string) (string, error) {
	return "", fmt.Errorf("no payment provider configured")
}

func (p *NoopProvider) ReportUsage(ctx context.Context, subscriptionItemID string, quantity int64, timestamp time.Time) error {
	return nil
}

func (p *NoopProvider) ParseWebhook(payload []byte, signature string) (string, string, map[string]any, error) {
	return "", "", nil, fmt.Errorf("no payment provider configured")
}
