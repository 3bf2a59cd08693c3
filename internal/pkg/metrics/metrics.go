// Package metrics holds the Prometheus collectors for the generation path.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "imagetag"

type Metrics struct {
	ProviderRequests *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
	RetryAttempts    *prometheus.CounterVec
	Failovers        *prometheus.CounterVec
	BatchItems       *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	BatchRunning     prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which keeps tests free of global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Provider calls by identity and outcome (success, error kind or cancelled).",
		}, []string{"provider", "outcome"}),
		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Wall time of a provider call including retries.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"provider"}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "retry_attempts_total",
			Help:      "Retries scheduled after a retryable failure, by error kind.",
		}, []string{"provider", "kind"}),
		Failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "failovers_total",
			Help:      "Requests handed to the backup provider, by outcome.",
		}, []string{"from", "to", "outcome"}),
		BatchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "items_total",
			Help:      "Batch items reaching a status.",
		}, []string{"status"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "state_transitions_total",
			Help:      "Single-item controller state transitions.",
		}, []string{"state"}),
		BatchRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "running",
			Help:      "1 while a batch run is in progress.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ProviderRequests,
			m.ProviderDuration,
			m.RetryAttempts,
			m.Failovers,
			m.BatchItems,
			m.StateTransitions,
			m.BatchRunning,
		)
	}
	return m
}

func (m *Metrics) ObserveProvider(provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, outcome).Inc()
	m.ProviderDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRetry(provider, kind string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(provider, kind).Inc()
}

func (m *Metrics) ObserveFailover(from, to, outcome string) {
	if m == nil {
		return
	}
	m.Failovers.WithLabelValues(from, to, outcome).Inc()
}

func (m *Metrics) ObserveBatchItem(status string) {
	if m == nil {
		return
	}
	m.BatchItems.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveState(state string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) SetBatchRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.BatchRunning.Set(1)
	} else {
		m.BatchRunning.Set(0)
	}
}
