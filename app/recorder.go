package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/artpar/toolgate/adapters/metrics"
	"github.com/artpar/toolgate/config"
	"github.com/artpar/toolgate/domain/ledger"
	"github.com/artpar/toolgate/domain/pricing"
	"github.com/artpar/toolgate/domain/usage"
	"github.com/artpar/toolgate/ports"
)

// Outcome is what the invoking layer reports after the tool ran.
type Outcome struct {
	ReservationID string
	Success       bool
	ErrorCode     string
}

// Summary describes how the reservation was settled.
type Summary struct {
	Tool    string
	Charged bool
	Amount  int64
	Unit    string
}

// Recorder settles reservations after the tool ran: commit on success,
// release on failure, one immutable usage record either way. Settling
// is idempotent per reservation; a retried report is a no-op.
type Recorder struct {
	store   ports.Store
	cfg     *config.Holder
	payment ports.PaymentProvider
	clock   ports.Clock
	ids     ports.IDGenerator
	metrics *metrics.Collector
	log     zerolog.Logger
}

// NewRecorder creates the usage recorder.
func NewRecorder(store ports.Store, cfg *config.Holder, payment ports.PaymentProvider, clock ports.Clock, ids ports.IDGenerator, m *metrics.Collector, log zerolog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		cfg:     cfg,
		payment: payment,
		clock:   clock,
		ids:     ids,
		metrics: m,
		log:     log.With().Str("component", "recorder").Logger(),
	}
}

// Record settles the reservation named by the outcome and writes the
// usage record.
func (r *Recorder) Record(ctx context.Context, o Outcome) (Summary, error) {
	res, err := r.store.Ledger().GetReservation(ctx, o.ReservationID)
	if err != nil {
		return Summary{}, fmt.Errorf("get reservation %s: %w", o.ReservationID, err)
	}
	if res.Status != ledger.ReservationPending {
		// Already settled (retried report, or the sweep got here first).
		charged := res.Status == ledger.ReservationCommitted
		amount := int64(0)
		if charged {
			amount = res.Amount
		}
		return Summary{Tool: res.Tool, Charged: charged, Amount: amount, Unit: res.Unit}, nil
	}

	cfg := r.cfg.Get()
	charge := o.Success || cfg.Billing.ChargeOnFailure

	charged := int64(0)
	if charge {
		charged = res.Amount
	}

	// The usage record goes in before the status flip, with an id
	// derived from the reservation, so a settle that dies halfway can
	// be retried end to end: the duplicate write is ignored and the
	// reservation is still pending.
	rec := usage.Record{
		ID:        usageID(res.ID),
		AccountID: res.AccountID,
		Tool:      res.Tool,
		Cost:      charged,
		Unit:      res.Unit,
		Success:   o.Success,
		ErrorCode: o.ErrorCode,
		CreatedAt: r.clock.Now(),
	}
	if err := r.store.Usage().Record(ctx, rec); err != nil {
		return Summary{}, fmt.Errorf("record usage: %w", err)
	}

	if charge {
		err = r.commit(ctx, cfg, res)
	} else {
		err = r.release(ctx, cfg, res, ledger.TxRefund, "failure")
	}
	if err != nil {
		return Summary{}, err
	}

	if o.Success {
		if err := r.store.Accounts().AddUsageTotals(ctx, res.AccountID, 1, charged); err != nil {
			r.log.Error().Err(err).Str("account", res.AccountID).Msg("update usage totals failed")
		}
	}

	return Summary{Tool: res.Tool, Charged: charge, Amount: charged, Unit: res.Unit}, nil
}

// Expire settles a reservation abandoned by a cancelled invocation. The
// held amount is returned as an expiry transaction and the attempt is
// recorded as unsuccessful.
func (r *Recorder) Expire(ctx context.Context, reservationID string) error {
	res, err := r.store.Ledger().GetReservation(ctx, reservationID)
	if err != nil {
		return fmt.Errorf("get reservation %s: %w", reservationID, err)
	}
	if res.Status != ledger.ReservationPending {
		return nil
	}

	rec := usage.Record{
		ID:        usageID(res.ID),
		AccountID: res.AccountID,
		Tool:      res.Tool,
		Unit:      res.Unit,
		Success:   false,
		ErrorCode: "expired",
		CreatedAt: r.clock.Now(),
	}
	if err := r.store.Usage().Record(ctx, rec); err != nil {
		return fmt.Errorf("record expired usage: %w", err)
	}

	return r.release(ctx, r.cfg.Get(), res, ledger.TxExpiry, "expired")
}

// usageID names the usage record for a settled reservation. One
// reservation, one record.
func usageID(reservationID string) string {
	return "use-" + reservationID
}

func (r *Recorder) commit(ctx context.Context, cfg *config.Config, res ledger.Reservation) error {
	if err := r.store.Ledger().Commit(ctx, res.ID, r.clock.Now()); err != nil {
		return fmt.Errorf("commit reservation %s: %w", res.ID, err)
	}
	r.metrics.CommitsTotal.WithLabelValues(res.Tool).Inc()

	// Subscription overage is settled by the payment provider: report
	// the metered call so it lands on the next invoice.
	if res.Kind == ledger.KindCovered && res.Amount > 0 && cfg.Billing.Model == string(pricing.ModelSubscription) {
		sub, err := r.store.Subscriptions().GetByAccount(ctx, res.AccountID)
		if err != nil {
			r.log.Error().Err(err).Str("account", res.AccountID).Msg("overage subscription lookup failed")
			return nil
		}
		if sub.ProviderItemID != "" {
			if err := r.payment.ReportUsage(ctx, sub.ProviderItemID, 1, r.clock.Now()); err != nil {
				r.log.Error().Err(err).Str("account", res.AccountID).Msg("overage usage report failed")
			}
		}
	}
	return nil
}

func (r *Recorder) release(ctx context.Context, cfg *config.Config, res ledger.Reservation, txType ledger.TxType, cause string) error {
	if _, err := r.store.Ledger().Release(ctx, res.ID, r.ids.New(), txType, r.clock.Now()); err != nil {
		return fmt.Errorf("release reservation %s: %w", res.ID, err)
	}
	r.metrics.ReleasesTotal.WithLabelValues(cause).Inc()

	// A covered subscription call counted its slot at reserve time;
	// give it back.
	if res.Kind == ledger.KindCovered && cfg.Billing.Model == string(pricing.ModelSubscription) {
		if _, err := r.store.Subscriptions().AddUsage(ctx, res.AccountID, -1); err != nil && !errors.Is(err, ports.ErrNotFound) {
			r.log.Error().Err(err).Str("account", res.AccountID).Msg("return covered slot failed")
		}
	}
	return nil
}
