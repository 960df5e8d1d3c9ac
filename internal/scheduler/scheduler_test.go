package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_RepeatsJobsUntilCancelled(t *testing.T) {
	var sweeps, failures, disabled atomic.Int32
	m := NewMetrics(prometheus.NewRegistry())
	s := New(quietLogger(), m,
		Job{Name: "sweep", Interval: 10 * time.Millisecond, Run: func(context.Context) (int, error) {
			sweeps.Add(1)
			return 2, nil
		}},
		Job{Name: "flaky", Interval: 10 * time.Millisecond, Run: func(context.Context) (int, error) {
			failures.Add(1)
			return 0, errors.New("store down")
		}},
		Job{Name: "off", Run: func(context.Context) (int, error) {
			disabled.Add(1)
			return 0, nil
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sweeps.Load() >= 3 && failures.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond, "failing job keeps being scheduled")
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Zero(t, disabled.Load())
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.Runs.WithLabelValues("flaky", "error")), 3.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.Processed.WithLabelValues("sweep")), 6.0)
}

func TestRunOnce_StopsAtFirstError(t *testing.T) {
	var order []string
	job := func(name string, err error) Job {
		return Job{Name: name, Interval: time.Hour, Run: func(context.Context) (int, error) {
			order = append(order, name)
			return 1, err
		}}
	}
	boom := errors.New("boom")
	s := New(quietLogger(), nil, job("a", nil), job("b", boom), job("c", nil))

	err := s.RunOnce(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, order)
}
