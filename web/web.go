// Package web provides the HTTP surface: the before/after invocation
// hooks, payment provider webhooks, a small account API and health and
// metrics endpoints. Transport only; every decision lives in app.
package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/toolgate/app"
	"github.com/artpar/toolgate/config"
	"github.com/artpar/toolgate/ports"
)

// Handler serves the toolgate HTTP API.
type Handler struct {
	gate     *app.Gate
	recorder *app.Recorder
	accounts *app.Accounts
	webhooks *app.Processor
	payment  ports.PaymentProvider
	store    ports.Store
	cfg      *config.Holder
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

// Deps contains dependencies for the HTTP handler.
type Deps struct {
	Gate     *app.Gate
	Recorder *app.Recorder
	Accounts *app.Accounts
	Webhooks *app.Processor
	Payment  ports.PaymentProvider
	Store    ports.Store
	Config   *config.Holder
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// NewHandler creates the HTTP handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		gate:     deps.Gate,
		recorder: deps.Recorder,
		accounts: deps.Accounts,
		webhooks: deps.Webhooks,
		payment:  deps.Payment,
		store:    deps.Store,
		cfg:      deps.Config,
		gatherer: deps.Gatherer,
		log:      deps.Logger.With().Str("component", "web").Logger(),
	}
}

// Router returns the API router.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", h.Health)

	cfg := h.cfg.Get()
	if cfg.Metrics.Enabled && h.gatherer != nil {
		r.Handle(cfg.Metrics.Path, promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	// Invocation hooks: the tool host calls before to get authorization
	// and after to settle the reservation.
	r.Post("/hooks/before", h.Before)
	r.Post("/hooks/after", h.After)

	r.Route("/payment-webhooks", func(r chi.Router) {
		r.Post("/stripe", h.StripeWebhook)
		r.Post("/dummy", h.DummyWebhook)
	})

	r.Route("/accounts/{id}", func(r chi.Router) {
		r.Get("/", h.AccountGet)
		r.Get("/transactions", h.AccountTransactions)
		r.Get("/usage", h.AccountUsage)
		r.Post("/topup", h.AccountTopUp)
		r.Post("/checkout", h.AccountCheckout)
		r.Post("/portal", h.AccountPortal)
		r.Post("/suspend", h.AccountSuspend)
		r.Post("/reinstate", h.AccountReinstate)
		r.Delete("/", h.AccountDelete)
	})

	r.Get("/analytics", h.AnalyticsSummary)

	return r
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func isNotFound(err error) bool {
	return errors.Is(err, ports.ErrNotFound)
}
