// internal/metrics/metrics.go
//
// Prometheus instrumentation for the game host.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robalobadob/numguess/internal/game"
)

// Metrics holds the game host's collectors and the registry they live on.
type Metrics struct {
	reg *prometheus.Registry

	RoundsStarted  prometheus.Counter
	Guesses        *prometheus.CounterVec // label: result
	RoundsFinished *prometheus.CounterVec // label: outcome
	Rejected       *prometheus.CounterVec // label: action
	LiveSessions   prometheus.Gauge
	DispatchTime   prometheus.Histogram
}

// New builds the collectors on a private registry (so tests can create
// as many as they like).
func New(namespace string) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		RoundsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_started_total",
			Help:      "Rounds started",
		}),
		Guesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guesses_total",
			Help:      "Guesses scored, by result",
		}, []string{"result"}),
		RoundsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_finished_total",
			Help:      "Rounds finished, by outcome",
		}, []string{"outcome"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_rejected_total",
			Help:      "Actions refused by the control flags",
		}, []string{"action"}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Sessions currently hosted",
		}),
		DispatchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_seconds",
			Help:      "Time to dispatch an action including bookkeeping",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
	}

	m.reg.MustRegister(
		m.RoundsStarted,
		m.Guesses,
		m.RoundsFinished,
		m.Rejected,
		m.LiveSessions,
		m.DispatchTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Observe records one accepted dispatch.
func (m *Metrics) Observe(ev game.Event, took time.Duration) {
	m.DispatchTime.Observe(took.Seconds())
	switch ev {
	case game.EventStarted:
		m.RoundsStarted.Inc()
	case game.EventTooHigh, game.EventTooLow:
		m.Guesses.WithLabelValues(string(ev)).Inc()
	case game.EventWon, game.EventLost:
		m.Guesses.WithLabelValues(string(ev)).Inc()
		m.RoundsFinished.WithLabelValues(string(ev)).Inc()
	}
}

// Reject counts an action refused by the control flags.
func (m *Metrics) Reject(action string) { m.Rejected.WithLabelValues(action).Inc() }

// SetLiveSessions records the current number of hosted sessions.
func (m *Metrics) SetLiveSessions(n int) { m.LiveSessions.Set(float64(n)) }
