package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the decision engine's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Verdicts           *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	ProviderDuration   *prometheus.HistogramVec
	ProviderErrors     *prometheus.CounterVec
	CircuitOpen        *prometheus.GaugeVec
}

// New registers the collectors with reg, or the default registerer when reg
// is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "geogate_verdicts_total",
			Help: "Access verdicts by reason code",
		}, []string{"reason", "allowed"}),
		EvaluationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "geogate_evaluation_duration_seconds",
			Help:    "End-to-end latency of one access evaluation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		ProviderDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geogate_provider_request_duration_seconds",
			Help:    "Latency of geolocation and fraud-signal lookups",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"provider"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "geogate_provider_errors_total",
			Help: "Provider lookup failures by provider and error category",
		}, []string{"provider", "category"}),
		CircuitOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geogate_provider_circuit_open",
			Help: "1 while a provider circuit breaker is open",
		}, []string{"provider"}),
	}
}

func (m *Metrics) ObserveVerdict(reason string, allowed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := "false"
	if allowed {
		label = "true"
	}
	m.Verdicts.WithLabelValues(reason, label).Inc()
	m.EvaluationDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveProvider(provider string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ProviderDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *Metrics) IncrementProviderError(provider, category string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, category).Inc()
}

// SetCircuitState satisfies guard.StateObserver.
func (m *Metrics) SetCircuitState(provider string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitOpen.WithLabelValues(provider).Set(v)
}
