package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors shared by the ledger, the state machines and
// the background workers. All methods are safe on a nil receiver.
type Metrics struct {
	LedgerPostings   *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	SweepRuns        *prometheus.CounterVec
	SweepDuration    *prometheus.HistogramVec
	SweepTransitions *prometheus.CounterVec
	OutboxPublish    *prometheus.CounterVec
	InboxEvents      *prometheus.CounterVec
	LockDrift        *prometheus.CounterVec
}

// New creates and registers all collectors on registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		LedgerPostings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_postings_total",
				Help: "Ledger entries posted, by transaction type and outcome.",
			},
			[]string{"type", "status"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "state_transitions_total",
				Help: "State machine transitions, by entity, event and outcome.",
			},
			[]string{"entity", "event", "result"},
		),
		SweepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_sweep_runs_total",
				Help: "Timeout sweep executions.",
			},
			[]string{"sweep", "status"},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconcile_sweep_duration_seconds",
				Help:    "Timeout sweep duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sweep"},
		),
		SweepTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_sweep_transitions_total",
				Help: "Entities force-transitioned by timeout sweeps.",
			},
			[]string{"sweep"},
		),
		OutboxPublish: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_outbox_publish_total",
				Help: "Outbound engine event publish attempts.",
			},
			[]string{"status"},
		),
		InboxEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_inbox_events_total",
				Help: "Inbound engine callbacks by outcome.",
			},
			[]string{"status"},
		),
		LockDrift: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balance_lock_drift_total",
				Help: "Balance locks whose frozen amounts disagree with their ledger entries.",
			},
			[]string{"currency"},
		),
	}

	registry.MustRegister(
		m.LedgerPostings,
		m.Transitions,
		m.SweepRuns,
		m.SweepDuration,
		m.SweepTransitions,
		m.OutboxPublish,
		m.InboxEvents,
		m.LockDrift,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Posting(txType, status string) {
	if m == nil {
		return
	}
	m.LedgerPostings.WithLabelValues(txType, status).Inc()
}

func (m *Metrics) Transition(entity, event, result string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(entity, event, result).Inc()
}

func (m *Metrics) Sweep(name, status string, took time.Duration, transitioned int) {
	if m == nil {
		return
	}
	m.SweepRuns.WithLabelValues(name, status).Inc()
	m.SweepDuration.WithLabelValues(name).Observe(took.Seconds())
	if transitioned > 0 {
		m.SweepTransitions.WithLabelValues(name).Add(float64(transitioned))
	}
}

func (m *Metrics) Outbox(status string) {
	if m == nil {
		return
	}
	m.OutboxPublish.WithLabelValues(status).Inc()
}

func (m *Metrics) Inbox(status string) {
	if m == nil {
		return
	}
	m.InboxEvents.WithLabelValues(status).Inc()
}

func (m *Metrics) Drift(currency string) {
	if m == nil {
		return
	}
	m.LockDrift.WithLabelValues(currency).Inc()
}
