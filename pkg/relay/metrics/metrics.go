// Package metrics exposes dispatcher and session counters to Prometheus.
//
// Every recorder method is safe to call on a nil *Metrics, so components can
// run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Metrics holds the collectors of one server instance, registered on a
// private registry.
type Metrics struct {
	registry *prometheus.Registry

	bindFailures   *prometheus.CounterVec
	accepted       *prometheus.CounterVec
	acceptErrors   *prometheus.CounterVec
	activeSessions prometheus.Gauge
	exchanges      prometheus.Counter
	sessionCloses  *prometheus.CounterVec
	budgetConsumed prometheus.Counter
}

// New creates a Metrics with its own registry. Go runtime and process
// collectors are registered alongside.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		bindFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "bind_failures_total",
				Help:      "Total number of listening sockets that could not be bound",
			},
			[]string{"listener"},
		),

		accepted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "accepted_total",
				Help:      "Total number of accepted connections",
			},
			[]string{"listener"},
		),

		acceptErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "accept_errors_total",
				Help:      "Total number of failed accept calls on a live listener",
			},
			[]string{"listener"},
		),

		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "active",
				Help:      "Number of connections currently owned by a session",
			},
		),

		exchanges: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "exchanges_total",
				Help:      "Total number of completed request/response exchanges",
			},
		),

		sessionCloses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "closed_total",
				Help:      "Total number of closed sessions by terminal state",
			},
			[]string{"reason"},
		),

		budgetConsumed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "budget_consumed_bytes_total",
				Help:      "Total request bytes charged against per-connection budgets",
			},
		),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) BindFailed(listener string) {
	if m == nil {
		return
	}
	m.bindFailures.WithLabelValues(listener).Inc()
}

func (m *Metrics) Accepted(listener string) {
	if m == nil {
		return
	}
	m.accepted.WithLabelValues(listener).Inc()
}

func (m *Metrics) AcceptFailed(listener string) {
	if m == nil {
		return
	}
	m.acceptErrors.WithLabelValues(listener).Inc()
}

// SessionOpened and SessionClosed bracket the life of one session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.sessionCloses.WithLabelValues(reason).Inc()
}

func (m *Metrics) ExchangeServed() {
	if m == nil {
		return
	}
	m.exchanges.Inc()
}

func (m *Metrics) BudgetConsumed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.budgetConsumed.Add(float64(n))
}
