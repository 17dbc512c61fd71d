// Package metrics exposes Prometheus instruments for the delivery core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch outcomes.
const (
	OutcomeStored    = "stored"
	OutcomeDuplicate = "duplicate"
	OutcomeApplied   = "applied"
	OutcomeUnchanged = "unchanged"
	OutcomeRejected  = "rejected"
	OutcomeNotFound  = "not_found"
	OutcomeFailed    = "failed"
)

// Metrics groups the instruments shared by registry, dispatcher and coordinator.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	waiters    prometheus.Gauge
	released   *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	polls      *prometheus.HistogramVec
}

// New registers the instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		waiters: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hive",
			Name:      "registry_waiters",
			Help:      "Long-poll subscriptions currently waiting.",
		}),
		released: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "registry_released_total",
			Help:      "Subscriptions resolved, by reason.",
		}, []string{"reason"}),
		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "dispatch_messages_total",
			Help:      "Inbound broker messages handled, by topic and outcome.",
		}, []string{"topic", "outcome"}),
		polls: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hive",
			Name:      "poll_duration_seconds",
			Help:      "Long-poll duration, by outcome.",
			Buckets:   []float64{0.005, 0.05, 0.5, 1, 5, 15, 30, 60},
		}, []string{"outcome"}),
	}
}

// WaiterAdded increments the waiting gauge.
func (m *Metrics) WaiterAdded() {
	if m == nil {
		return
	}
	m.waiters.Inc()
}

// WaiterReleased decrements the waiting gauge and counts the release reason.
func (m *Metrics) WaiterReleased(reason string) {
	if m == nil {
		return
	}
	m.waiters.Dec()
	m.released.WithLabelValues(reason).Inc()
}

// Dispatched counts one handled broker message.
func (m *Metrics) Dispatched(topic, outcome string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(topic, outcome).Inc()
}

// PollObserved records the duration of one long poll.
func (m *Metrics) PollObserved(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(outcome).Observe(seconds)
}
