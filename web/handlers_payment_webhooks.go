package web

import (
	"io"
	"net/http"
)

// Webhook bodies are small JSON documents; anything bigger is abuse.
const maxWebhookBody = 1 << 20

// StripeWebhook handles Stripe webhook deliveries.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	h.handlePaymentWebhook(w, r, "stripe", "Stripe-Signature")
}

// DummyWebhook handles deliveries from the dummy test provider.
func (h *Handler) DummyWebhook(w http.ResponseWriter, r *http.Request) {
	h.handlePaymentWebhook(w, r, "dummy", "X-Signature")
}

func (h *Handler) handlePaymentWebhook(w http.ResponseWriter, r *http.Request, provider, signatureHeader string) {
	if h.payment == nil || h.payment.Name() != provider {
		h.log.Warn().Str("provider", provider).Msg("webhook for unconfigured payment provider")
		respondError(w, http.StatusBadRequest, "wrong payment provider")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "read body failed")
		return
	}

	e, err := h.webhooks.Ingest(r.Context(), payload, r.Header.Get(signatureHeader))
	if err != nil {
		// Bad signature or malformed payload. The provider should not
		// redeliver these.
		h.log.Warn().Err(err).Str("provider", provider).Msg("webhook rejected")
		respondError(w, http.StatusBadRequest, "invalid webhook")
		return
	}

	// Apply failures are acknowledged: the event is stored and the
	// retry loop owns it from here.
	respondJSON(w, http.StatusOK, map[string]any{
		"received":   true,
		"event_id":   e.ExternalID,
		"event_type": e.Type,
		"status":     string(e.Status),
	})
}
