package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/toolgate/adapters/metrics"
	"github.com/artpar/toolgate/config"
	"github.com/artpar/toolgate/ports"
)

// Sweeper releases reservations whose TTL passed without the invoking
// layer reporting an outcome. Without it, a crashed caller would strand
// held credits forever.
type Sweeper struct {
	store    ports.Store
	cfg      *config.Holder
	recorder *Recorder
	clock    ports.Clock
	metrics  *metrics.Collector
	log      zerolog.Logger
}

// NewSweeper creates the reservation sweeper.
func NewSweeper(store ports.Store, cfg *config.Holder, recorder *Recorder, clock ports.Clock, m *metrics.Collector, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		cfg:      cfg,
		recorder: recorder,
		clock:    clock,
		metrics:  m,
		log:      log.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps at the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Get().Gate.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("sweep failed")
			} else if n > 0 {
				s.log.Info().Int("released", n).Msg("expired reservations released")
			}
		}
	}
}

// Sweep releases all currently expired reservations and returns how
// many were released.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	expired, err := s.store.Ledger().ListExpiredReservations(ctx, s.clock.Now(), 100)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, res := range expired {
		if err := s.recorder.Expire(ctx, res.ID); err != nil {
			s.log.Error().Err(err).Str("reservation", res.ID).Msg("expire reservation failed")
			continue
		}
		s.metrics.SweptReservations.Inc()
		released++
	}
	return released, nil
}
