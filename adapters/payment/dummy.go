package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DummyProvider is a test/demo payment provider that simulates
// successful payments. Use it for development when real payment
// credentials are not available. Webhooks are signed with a shared
// HMAC secret so the ingestion path can be exercised end to end.
type DummyProvider struct {
	webhookSecret string
}

// NewDummyProvider creates a new dummy payment provider.
func NewDummyProvider(webhookSecret string) *DummyProvider {
	if webhookSecret == "" {
		webhookSecret = "dummy-secret"
	}
	return &DummyProvider{webhookSecret: webhookSecret}
}

// Name returns the provider name.
func (p *DummyProvider) Name() string {
	return "dummy"
}

// CreateCustomer simulates creating a customer and returns a fake customer ID.
func (p *DummyProvider) CreateCustomer(ctx context.Context, email, name, accountID string) (string, error) {
	return "cus_dummy_" + accountID, nil
}

// CreateCheckoutSession simulates checkout by redirecting directly to
// the success URL, so the full upgrade flow can be tested without real
// payment.
func (p *DummyProvider) CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (string, error) {
	return successURL, nil
}

// CreatePortalSession returns the caller's return URL (no external portal).
func (p *DummyProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return returnURL, nil
}

// CreateTopUpIntent simulates initiating a charge.
func (p *DummyProvider) CreateTopUpIntent(ctx context.Context, customerID string, amount int64, currency string) (string, error) {
	return "pi_dummy_" + uuid.New().String(), nil
}

// ReportUsage simulates successful usage reporting.
func (p *DummyProvider) ReportUsage(ctx context.Context, subscriptionItemID string, quantity int64, timestamp time.Time) error {
	return nil
}

// Sign computes the signature ParseWebhook expects over payload. Tests
// and local tooling use it to emit deliverable dummy events.
func (p *DummyProvider) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(p.webhookSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhook verifies the HMAC signature and decodes the payload.
// The payload is expected to carry "id" and "type" fields the way
// provider events do.
func (p *DummyProvider) ParseWebhook(payload []byte, signature string) (string, string, map[string]any, error) {
	if !hmac.Equal([]byte(p.Sign(payload)), []byte(signature)) {
		return "", "", nil, fmt.Errorf("invalid webhook signature")
	}

	var envelope struct {
		ID   string         `json:"id"`
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", "", nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if envelope.ID == "" || envelope.Type == "" {
		return "", "", nil, fmt.Errorf("webhook payload missing id or type")
	}
	return envelope.ID, envelope.Type, envelope.Data, nil
}
