// Package compliance scores operators on how reliably and how quickly they
// acknowledge exclusion propagations. Scores are derived on demand from
// mapping history and never stored.
package compliance

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"nser/internal/operator"
	"nser/internal/propagation/models"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
)

const (
	successWeight = 70
	latencyWeight = 30

	defaultLatencyTarget = 60 * time.Second
	MaxWindow            = 90 * 24 * time.Hour
)

type MappingSource interface {
	ListUpdatedSince(ctx context.Context, since time.Time) ([]*models.Mapping, error)
}

type Operators interface {
	All(ctx context.Context) ([]operator.Operator, error)
}

// Score is one operator's standing over a window. SuccessRate and the
// latency percentiles only count finished deliveries.
type Score struct {
	OperatorID  id.OperatorID
	Name        string
	Completed   int
	Failed      int
	Dead        int
	InFlight    int
	SuccessRate float64
	P50         time.Duration
	P90         time.Duration
	P99         time.Duration
	Score       float64
}

type Report struct {
	From   time.Time
	To     time.Time
	Target time.Duration
	Scores []Score
}

type Metrics struct {
	Score *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		Score: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "nser_operator_compliance_score",
			Help: "Most recently computed compliance score per operator",
		}, []string{"operator"}),
	}
}

func (m *Metrics) SetScore(operator string, score float64) {
	if m != nil {
		m.Score.WithLabelValues(operator).Set(score)
	}
}

type Aggregator struct {
	mappings  MappingSource
	operators Operators
	target    time.Duration
	clock     func() time.Time
	logger    *slog.Logger
	metrics   *Metrics
}

type Option func(*Aggregator)

// WithLatencyTarget sets the p90 acknowledgement latency that earns the
// full latency share.
func WithLatencyTarget(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.target = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.clock = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

func New(mappings MappingSource, operators Operators, opts ...Option) *Aggregator {
	a := &Aggregator{
		mappings:  mappings,
		operators: operators,
		target:    defaultLatencyTarget,
		clock:     time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Scores computes every operator's score over mappings touched within
// window. Registered operators without deliveries score 100.
func (a *Aggregator) Scores(ctx context.Context, window time.Duration) (Report, error) {
	if window <= 0 || window > MaxWindow {
		return Report{}, dErrors.New(dErrors.CodeValidation, "window must be positive and at most 90 days")
	}
	to := a.clock()
	from := to.Add(-window)
	mappings, err := a.mappings.ListUpdatedSince(ctx, from)
	if err != nil {
		return Report{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "propagation store unavailable")
	}
	ops, err := a.operators.All(ctx)
	if err != nil {
		return Report{}, err
	}

	type tally struct {
		score     Score
		latencies []time.Duration
	}
	byOp := make(map[id.OperatorID]*tally, len(ops))
	for _, op := range ops {
		byOp[op.ID] = &tally{score: Score{OperatorID: op.ID, Name: op.Name}}
	}
	for _, m := range mappings {
		t, ok := byOp[m.OperatorID]
		if !ok {
			t = &tally{score: Score{OperatorID: m.OperatorID, Name: string(m.OperatorID)}}
			byOp[m.OperatorID] = t
		}
		switch m.Status {
		case models.StatusCompleted:
			t.score.Completed++
			if d, ok := m.Latency(); ok {
				t.latencies = append(t.latencies, d)
			}
		case models.StatusFailed:
			t.score.Failed++
		case models.StatusDead:
			t.score.Dead++
		default:
			t.score.InFlight++
		}
	}

	rep := Report{From: from, To: to, Target: a.target, Scores: make([]Score, 0, len(byOp))}
	for _, t := range byOp {
		s := t.score
		s.SuccessRate = 1
		if n := s.Completed + s.Failed + s.Dead; n > 0 {
			s.SuccessRate = float64(s.Completed) / float64(n)
		}
		slices.Sort(t.latencies)
		s.P50 = percentile(t.latencies, 50)
		s.P90 = percentile(t.latencies, 90)
		s.P99 = percentile(t.latencies, 99)
		s.Score = score(s.SuccessRate, s.P90, a.target)
		a.metrics.SetScore(string(s.OperatorID), s.Score)
		rep.Scores = append(rep.Scores, s)
	}
	slices.SortFunc(rep.Scores, func(x, y Score) int {
		switch {
		case x.OperatorID < y.OperatorID:
			return -1
		case x.OperatorID > y.OperatorID:
			return 1
		}
		return 0
	})
	a.logger.DebugContext(ctx, "compliance scores computed", "operators", len(rep.Scores), "mappings", len(mappings))
	return rep, nil
}

// percentile is the nearest-rank percentile of sorted. Zero when empty.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(float64(p) / 100 * float64(len(sorted))))
	return sorted[max(rank, 1)-1]
}

// score is 70 x success rate + 30 x latency factor, rounded to two
// decimals. The latency factor is 1 while p90 meets target.
func score(rate float64, p90, target time.Duration) float64 {
	factor := 1.0
	if p90 > target {
		factor = float64(target) / float64(p90)
	}
	return math.Round((successWeight*rate+latencyWeight*factor)*100) / 100
}
