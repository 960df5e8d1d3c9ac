package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the identity graph.
type Metrics struct {
	// Link calls by result: "created", "existing", "merged", "refused"
	Links *prometheus.CounterVec

	MergedPersons prometheus.Counter

	DuplicatesFlagged prometheus.Counter
	ScanDuration      prometheus.Histogram
}

// New registers the identity metrics with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Links: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nser_identity_links_total",
			Help: "Identifier link requests by result",
		}, []string{"result"}),
		MergedPersons: f.NewCounter(prometheus.CounterOpts{
			Name: "nser_identity_merged_persons_total",
			Help: "Person ids absorbed by merges",
		}),
		DuplicatesFlagged: f.NewCounter(prometheus.CounterOpts{
			Name: "nser_identity_duplicates_flagged_total",
			Help: "New duplicate review flags",
		}),
		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nser_identity_duplicate_scan_duration_seconds",
			Help:    "Duration of duplicate detection scans",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
}

func (m *Metrics) IncrementLink(result string) {
	if m != nil {
		m.Links.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) AddMerged(n int) {
	if m != nil {
		m.MergedPersons.Add(float64(n))
	}
}

func (m *Metrics) IncrementFlagged() {
	if m != nil {
		m.DuplicatesFlagged.Inc()
	}
}

func (m *Metrics) ObserveScan(d time.Duration) {
	if m != nil {
		m.ScanDuration.Observe(d.Seconds())
	}
}
