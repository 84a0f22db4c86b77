package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/artpar/toolgate/domain/ledger"
)

type accountResponse struct {
	ID               string `json:"id"`
	Balance          int64  `json:"balance"`
	Status           string `json:"status"`
	CustomerID       string `json:"customer_id,omitempty"`
	SubscriptionID   string `json:"subscription_id,omitempty"`
	HasPaymentMethod bool   `json:"has_payment_method"`
	TotalCalls       int64  `json:"total_calls"`
	TotalSpent       int64  `json:"total_spent"`
}

// AccountGet returns the account with its current balance.
func (h *Handler) AccountGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := h.store.Accounts().Get(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			respondError(w, http.StatusNotFound, "unknown account")
			return
		}
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, accountResponse{
		ID:               a.ID,
		Balance:          a.Balance,
		Status:           string(a.Status),
		CustomerID:       a.CustomerID,
		SubscriptionID:   a.SubscriptionID,
		HasPaymentMethod: a.HasPaymentMethod,
		TotalCalls:       a.TotalCalls,
		TotalSpent:       a.TotalSpent,
	})
}

type transactionResponse struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AccountTransactions returns the account's ledger, oldest first.
func (h *Handler) AccountTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 100)

	txs, err := h.store.Ledger().ListTransactions(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, toTransactionResponse(t))
	}
	respondJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

func toTransactionResponse(t ledger.Transaction) transactionResponse {
	return transactionResponse{
		ID:           t.ID,
		Type:         string(t.Type),
		Amount:       t.Amount,
		BalanceAfter: t.BalanceAfter,
		Reference:    t.Reference,
		CreatedAt:    t.CreatedAt,
	}
}

// AccountUsage returns a usage summary for the requested period,
// defaulting to the current calendar month.
func (h *Handler) AccountUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	start, end, err := queryPeriod(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "start and end must be RFC 3339 timestamps")
		return
	}

	sum, err := h.store.Usage().Summary(r.Context(), id, start, end)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"account_id":   id,
		"period_start": sum.PeriodStart,
		"period_end":   sum.PeriodEnd,
		"call_count":   sum.CallCount,
		"error_count":  sum.ErrorCount,
		"total_cost":   sum.TotalCost,
	})
}

type topUpRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency,omitempty"`
}

// AccountTopUp initiates a balance top-up charge. The balance is
// credited when the provider confirms via webhook.
func (h *Handler) AccountTopUp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req topUpRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		respondError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if req.Currency == "" {
		req.Currency = h.cfg.Get().Billing.Currency
	}

	pi, err := h.accounts.TopUp(r.Context(), id, req.Amount, req.Currency)
	if err != nil {
		if isNotFound(err) {
			respondError(w, http.StatusNotFound, "unknown account")
			return
		}
		respondError(w, http.StatusBadGateway, "top-up failed")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"intent_id": pi.ProviderID,
		"amount":    pi.Amount,
		"currency":  pi.Currency,
		"status":    string(pi.Status),
	})
}

type checkoutRequest struct {
	PriceID    string `json:"price_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// AccountCheckout creates a hosted checkout session.
func (h *Handler) AccountCheckout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PriceID == "" {
		respondError(w, http.StatusBadRequest, "price_id is required")
		return
	}

	url, err := h.accounts.Checkout(r.Context(), id, req.PriceID, req.SuccessURL, req.CancelURL)
	if err != nil {
		respondError(w, http.StatusBadGateway, "checkout session failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

type portalRequest struct {
	ReturnURL string `json:"return_url"`
}

// AccountPortal creates a customer portal session.
func (h *Handler) AccountPortal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req portalRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	url, err := h.accounts.Portal(r.Context(), id, req.ReturnURL)
	if err != nil {
		if isNotFound(err) {
			respondError(w, http.StatusNotFound, "unknown account")
			return
		}
		respondError(w, http.StatusBadGateway, "portal session failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

// AccountSuspend blocks further invocations for the account.
func (h *Handler) AccountSuspend(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.accounts.Suspend)
}

// AccountReinstate reactivates a suspended account.
func (h *Handler) AccountReinstate(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.accounts.Reinstate)
}

// AccountDelete soft-deletes the account.
func (h *Handler) AccountDelete(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.accounts.Delete)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		if isNotFound(err) {
			respondError(w, http.StatusNotFound, "unknown account")
			return
		}
		respondError(w, http.StatusInternalServerError, "status change failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AnalyticsSummary aggregates revenue and call volume over the period.
func (h *Handler) AnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	start, end, err := queryPeriod(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "start and end must be RFC 3339 timestamps")
		return
	}

	a, err := h.accounts.Analytics(r.Context(), start, end)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "aggregation failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"period_start":    a.PeriodStart,
		"period_end":      a.PeriodEnd,
		"revenue":         a.Revenue,
		"calls":           a.Calls,
		"active_accounts": a.ActiveAccounts,
		"total_accounts":  a.TotalAccounts,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// queryPeriod parses optional start/end query parameters, defaulting to
// the current calendar month.
func queryPeriod(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = t
	}
	return start, end, nil
}
