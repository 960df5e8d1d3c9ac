// Package scheduler runs the periodic maintenance jobs: exclusion sweeps,
// dead-propagation sweeps and duplicate scans.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

// Job is one periodic task. Run reports how many items it processed.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

type Metrics struct {
	Runs      *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
	Processed *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nser_scheduler_runs_total",
			Help: "Scheduled job runs by job and result",
		}, []string{"job", "result"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nser_scheduler_run_duration_seconds",
			Help:    "Duration of scheduled job runs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"job"}),
		Processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nser_scheduler_processed_total",
			Help: "Items processed by scheduled jobs",
		}, []string{"job"}),
	}
}

func (m *Metrics) observe(job string, n int, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Runs.WithLabelValues(job, result).Inc()
	m.Duration.WithLabelValues(job).Observe(d.Seconds())
	m.Processed.WithLabelValues(job).Add(float64(n))
}

type Scheduler struct {
	jobs    []Job
	logger  *slog.Logger
	metrics *Metrics
}

func New(logger *slog.Logger, metrics *Metrics, jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs, logger: logger.With("component", "scheduler"), metrics: metrics}
}

// Run starts every job with a positive interval and blocks until ctx is
// cancelled. Each job runs once immediately, then on its own ticker; a job
// never overlaps itself and a failing run does not stop later ones.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			s.logger.InfoContext(ctx, "scheduled job disabled", "job", job.Name)
			continue
		}
		g.Go(func() error { return s.loop(ctx, job) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce runs every job a single time in order, stopping at the first
// error.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	for _, job := range s.jobs {
		if _, err := s.runJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, job Job) error {
	s.logger.InfoContext(ctx, "scheduled job started", "job", job.Name, "interval", job.Interval.String())
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		_, _ = s.runJob(ctx, job)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) (int, error) {
	start := time.Now()
	n, err := job.Run(ctx)
	d := time.Since(start)
	s.metrics.observe(job.Name, n, d, err)
	switch {
	case err != nil && ctx.Err() == nil:
		s.logger.ErrorContext(ctx, "scheduled job failed", "job", job.Name, "duration", d, "error", err)
	case n > 0:
		s.logger.InfoContext(ctx, "scheduled job completed", "job", job.Name, "processed", n, "duration", d)
	}
	return n, err
}
