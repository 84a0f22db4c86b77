// Package metrics provides Prometheus metrics collection for toolgate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for toolgate.
type Collector struct {
	// Gate metrics
	DecisionsTotal  *prometheus.CounterVec
	AmountReserved  *prometheus.CounterVec
	BlockedTotal    *prometheus.CounterVec

	// Recorder metrics
	CommitsTotal  *prometheus.CounterVec
	ReleasesTotal *prometheus.CounterVec

	// Webhook metrics
	WebhookEventsTotal  *prometheus.CounterVec
	WebhookRetriesTotal prometheus.Counter
	WebhookFailedTotal  prometheus.Counter

	// Sweep metrics
	SweptReservations prometheus.Counter
}

// New creates a new metrics collector with all metrics registered on
// reg. Passing a private registry keeps tests isolated.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "gate_decisions_total",
				Help:      "Total billing gate decisions",
			},
			[]string{"tool", "decision"},
		),
		AmountReserved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "gate_amount_reserved_total",
				Help:      "Total amount reserved, by unit",
			},
			[]string{"unit"},
		),
		BlockedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "gate_blocked_total",
				Help:      "Total blocked invocations by reason",
			},
			[]string{"reason"},
		),
		CommitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "recorder_commits_total",
				Help:      "Total committed reservations",
			},
			[]string{"tool"},
		),
		ReleasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "recorder_releases_total",
				Help:      "Total released reservations by cause",
			},
			[]string{"cause"},
		),
		WebhookEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "webhook_events_total",
				Help:      "Total webhook events by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		WebhookRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "webhook_retries_total",
				Help:      "Total webhook processing retries",
			},
		),
		WebhookFailedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "webhook_failed_total",
				Help:      "Webhook events whose retry budget is exhausted",
			},
		),
		SweptReservations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "swept_reservations_total",
				Help:      "Expired reservations released by the sweep",
			},
		),
	}
}
