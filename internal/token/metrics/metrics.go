package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the token module.
type Metrics struct {
	// Validate latency including cache hits
	ValidateLatency prometheus.Histogram

	// Validate outcomes by reason ("ok", "not_found", "expired", ...)
	ValidateOutcome *prometheus.CounterVec

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Issued tokens by path: "issue" or "rotate"
	Issued *prometheus.CounterVec

	// Lifecycle transitions by target status
	Transitions *prometheus.CounterVec

	// 1 while the store breaker is open
	BreakerOpen prometheus.Gauge
}

// New registers the token metrics with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ValidateLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nser_token_validate_duration_seconds",
			Help:    "Duration of token validation",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1},
		}),
		ValidateOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nser_token_validate_total",
			Help: "Token validations by outcome",
		}, []string{"outcome"}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "nser_token_cache_hits_total",
			Help: "Validation cache hits",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "nser_token_cache_misses_total",
			Help: "Validation cache misses",
		}),
		Issued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nser_tokens_issued_total",
			Help: "Tokens issued",
		}, []string{"path"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nser_token_transitions_total",
			Help: "Token lifecycle transitions by target status",
		}, []string{"status"}),
		BreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "nser_token_store_breaker_open",
			Help: "1 while the token store circuit breaker is open",
		}),
	}
}

func (m *Metrics) ObserveValidate(outcome string, d time.Duration) {
	if m != nil {
		m.ValidateLatency.Observe(d.Seconds())
		m.ValidateOutcome.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) IncrementIssued(path string) {
	if m != nil {
		m.Issued.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) IncrementTransition(status string) {
	if m != nil {
		m.Transitions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerOpen.Set(1)
	} else {
		m.BreakerOpen.Set(0)
	}
}
