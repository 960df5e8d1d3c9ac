package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the exclusion ledger.
type Metrics struct {
	// Lookup latency, cache hits included
	LookupLatency prometheus.Histogram

	// Lookups by outcome: "excluded", "not_excluded", "fail_closed"
	LookupOutcome *prometheus.CounterVec

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Committed transitions by event type
	Transitions *prometheus.CounterVec

	// 1 while the ledger breaker is open
	BreakerOpen prometheus.Gauge

	SweepFailures prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		LookupLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nser_exclusion_lookup_duration_seconds",
			Help:    "Duration of exclusion lookups",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
		LookupOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nser_exclusion_lookups_total",
			Help: "Exclusion lookups by outcome",
		}, []string{"outcome"}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "nser_exclusion_cache_hits_total",
			Help: "Lookup cache hits",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "nser_exclusion_cache_misses_total",
			Help: "Lookup cache misses",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nser_exclusion_transitions_total",
			Help: "Exclusion transitions by event type",
		}, []string{"event_type"}),
		BreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "nser_exclusion_store_breaker_open",
			Help: "1 while the exclusion store circuit breaker is open",
		}),
		SweepFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "nser_exclusion_sweep_failures_total",
			Help: "Records the lifecycle sweep could not transition",
		}),
	}
}

func (m *Metrics) ObserveLookup(outcome string, d time.Duration) {
	if m != nil {
		m.LookupLatency.Observe(d.Seconds())
		m.LookupOutcome.WithLabelValues(outcome).Inc()
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

func (m *Metrics) IncrementTransition(eventType string) {
	if m != nil {
		m.Transitions.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) AddSweepFailures(n int) {
	if m != nil && n > 0 {
		m.SweepFailures.Add(float64(n))
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
