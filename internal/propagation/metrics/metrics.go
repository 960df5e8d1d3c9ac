package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for operator propagation.
type Metrics struct {
	// Attempts by operator and outcome
	Deliveries *prometheus.CounterVec

	// Wall time of single webhook calls
	DeliveryDuration *prometheus.HistogramVec

	// First claim to acknowledgement, retries included
	AckLatency *prometheus.HistogramVec

	Claimed  prometheus.Counter
	InFlight prometheus.Gauge

	Dead    *prometheus.CounterVec
	Retried prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nser_propagation_deliveries_total",
			Help: "Webhook delivery attempts by operator and outcome",
		}, []string{"operator", "outcome"}),
		DeliveryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nser_propagation_delivery_duration_seconds",
			Help:    "Duration of single webhook calls",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operator"}),
		AckLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nser_propagation_ack_latency_seconds",
			Help:    "Time from first claim to operator acknowledgement",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 1800, 3600},
		}, []string{"operator"}),
		Claimed: f.NewCounter(prometheus.CounterOpts{
			Name: "nser_propagation_claimed_total",
			Help: "Mappings claimed by the dispatcher",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "nser_propagation_in_flight",
			Help: "Deliveries currently running",
		}),
		Dead: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nser_propagation_dead_total",
			Help: "Deliveries declared dead by operator",
		}, []string{"operator"}),
		Retried: f.NewCounter(prometheus.CounterOpts{
			Name: "nser_propagation_manual_retries_total",
			Help: "Failed or dead deliveries re-queued by hand",
		}),
	}
}

func (m *Metrics) ObserveDelivery(operator, outcome string, d time.Duration) {
	if m != nil {
		m.Deliveries.WithLabelValues(operator, outcome).Inc()
		m.DeliveryDuration.WithLabelValues(operator).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveAck(operator string, d time.Duration) {
	if m != nil {
		m.AckLatency.WithLabelValues(operator).Observe(d.Seconds())
	}
}

func (m *Metrics) AddClaimed(n int) {
	if m != nil && n > 0 {
		m.Claimed.Add(float64(n))
	}
}

func (m *Metrics) DeliveryStarted() {
	if m != nil {
		m.InFlight.Inc()
	}
}

func (m *Metrics) DeliveryFinished() {
	if m != nil {
		m.InFlight.Dec()
	}
}

func (m *Metrics) IncrementDead(operator string) {
	if m != nil {
		m.Dead.WithLabelValues(operator).Inc()
	}
}

func (m *Metrics) AddRetried(n int) {
	if m != nil && n > 0 {
		m.Retried.Add(float64(n))
	}
}
