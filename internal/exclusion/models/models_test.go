package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nser/internal/events"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newActive(t *testing.T, period Period, autoRenew bool) *Record {
	t.Helper()
	r, err := NewRecord(id.NewExclusionID(), id.NewPersonID(), period, "self requested", autoRenew, t0, t0)
	require.NoError(t, err)
	return r
}

func TestNewRecord(t *testing.T) {
	t.Run("immediate start is active with period end", func(t *testing.T) {
		r := newActive(t, Period1Year, false)
		assert.Equal(t, StatusActive, r.Status)
		require.NotNil(t, r.EndDate)
		assert.Equal(t, t0.AddDate(0, 0, 365), *r.EndDate)
		assert.Equal(t, int64(1), r.Version)
	})

	t.Run("future start is pending", func(t *testing.T) {
		start := t0.Add(48 * time.Hour)
		r, err := NewRecord(id.NewExclusionID(), id.NewPersonID(), Period6Months, "", false, start, t0)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, r.Status)
		assert.Equal(t, start.AddDate(0, 0, 182), *r.EndDate)
	})

	t.Run("past start starts now", func(t *testing.T) {
		r, err := NewRecord(id.NewExclusionID(), id.NewPersonID(), Period3Years, "", false, t0.Add(-time.Hour), t0)
		require.NoError(t, err)
		assert.Equal(t, t0, r.StartDate)
	})

	t.Run("permanent has no end", func(t *testing.T) {
		r := newActive(t, PeriodPermanent, false)
		assert.Nil(t, r.EndDate)
	})

	t.Run("permanent cannot auto-renew", func(t *testing.T) {
		_, err := NewRecord(id.NewExclusionID(), id.NewPersonID(), PeriodPermanent, "", true, t0, t0)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("unknown period", func(t *testing.T) {
		_, err := ParsePeriod("2w")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		p, err := ParsePeriod(" 5Y ")
		require.NoError(t, err)
		assert.Equal(t, Period5Years, p)
	})
}

func TestTerminate(t *testing.T) {
	longReason := "counsellor confirmed recovery plan complete"

	t.Run("requires a real reason", func(t *testing.T) {
		r := newActive(t, Period1Year, false)
		_, err := r.Terminate("   too short reason    ", "officer-1", t0)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		assert.Equal(t, StatusActive, r.Status)
		assert.Equal(t, int64(1), r.Version)
	})

	t.Run("counts runes not bytes", func(t *testing.T) {
		r := newActive(t, Period1Year, false)
		_, err := r.Terminate("ééééééééééééééééééé", "officer-1", t0)
		assert.Error(t, err, "19 runes is too short even at 38 bytes")
	})

	t.Run("requires an actor", func(t *testing.T) {
		r := newActive(t, Period1Year, false)
		_, err := r.Terminate(longReason, " ", t0)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("active to terminated", func(t *testing.T) {
		r := newActive(t, Period1Year, false)
		ev, err := r.Terminate(longReason, "officer-1", t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, events.ExclusionTerminated, ev)
		assert.Equal(t, StatusTerminated, r.Status)
		assert.Equal(t, "officer-1", r.TerminatedBy)
		assert.Equal(t, int64(2), r.Version)
	})

	t.Run("only from active", func(t *testing.T) {
		r := newActive(t, Period1Year, false)
		_, err := r.Terminate(longReason, "officer-1", t0)
		require.NoError(t, err)
		_, err = r.Terminate(longReason, "officer-1", t0)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))
		assert.Equal(t, int64(2), r.Version)
	})
}

func TestRenew(t *testing.T) {
	t.Run("extends from the current end", func(t *testing.T) {
		r := newActive(t, Period6Months, false)
		end := *r.EndDate
		_, err := r.Renew(t0.Add(24 * time.Hour))
		require.NoError(t, err)
		assert.Equal(t, end.AddDate(0, 0, 182), *r.EndDate)
		assert.Equal(t, 1, r.RenewalCount)
		assert.Equal(t, StatusActive, r.Status)
	})

	t.Run("permanent cannot renew", func(t *testing.T) {
		r := newActive(t, PeriodPermanent, false)
		_, err := r.Renew(t0)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	t.Run("overdue auto-renew catches up in one transition", func(t *testing.T) {
		r := newActive(t, Period6Months, true)
		now := t0.AddDate(0, 0, 182*3+1)
		_, err := r.AutoRenewAt(now)
		require.NoError(t, err)
		assert.True(t, r.EndDate.After(now))
		assert.Equal(t, 3, r.RenewalCount)
		assert.Equal(t, int64(2), r.Version)
	})
}

func TestSweepTransitions(t *testing.T) {
	t.Run("pending activates once started", func(t *testing.T) {
		start := t0.Add(time.Hour)
		r, err := NewRecord(id.NewExclusionID(), id.NewPersonID(), Period1Year, "", false, start, t0)
		require.NoError(t, err)
		assert.False(t, r.Due(t0))
		_, err = r.Activate(t0)
		assert.Error(t, err)

		assert.True(t, r.Due(start))
		ev, err := r.Activate(start)
		require.NoError(t, err)
		assert.Equal(t, events.ExclusionActivated, ev)
	})

	t.Run("expire only after end", func(t *testing.T) {
		r := newActive(t, Period6Months, false)
		_, err := r.Expire(t0)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))

		end := *r.EndDate
		assert.True(t, r.Due(end))
		_, err = r.Expire(end)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, r.Status)
		assert.False(t, r.Due(end.Add(time.Hour)))

		_, err = r.Expire(end)
		assert.Error(t, err, "expiring twice is rejected")
	})
}

func TestExcludesAt(t *testing.T) {
	r := newActive(t, Period6Months, false)
	end := *r.EndDate
	assert.True(t, r.ExcludesAt(t0))
	assert.True(t, r.ExcludesAt(end.Add(-time.Second)))
	assert.False(t, r.ExcludesAt(end), "elapsed record stops excluding before the sweep runs")

	renewing := newActive(t, Period6Months, true)
	assert.True(t, renewing.ExcludesAt(end.Add(time.Hour)))

	permanent := newActive(t, PeriodPermanent, false)
	assert.True(t, permanent.ExcludesAt(t0.AddDate(50, 0, 0)))

	start := t0.Add(time.Hour)
	pending, err := NewRecord(id.NewExclusionID(), id.NewPersonID(), Period1Year, "", false, start, t0)
	require.NoError(t, err)
	assert.False(t, pending.ExcludesAt(t0))
	assert.True(t, pending.ExcludesAt(start))

	_, err = r.Terminate("counsellor confirmed recovery plan complete", "officer-1", t0)
	require.NoError(t, err)
	assert.False(t, r.ExcludesAt(t0))
}

func TestLatestEvent(t *testing.T) {
	r := newActive(t, Period1Year, true)
	assert.Equal(t, events.ExclusionRegistered, r.LatestEvent())

	pending, err := NewRecord(id.NewExclusionID(), id.NewPersonID(), Period1Year, "", false, t0.Add(time.Hour), t0)
	require.NoError(t, err)
	assert.Equal(t, events.ExclusionRegistered, pending.LatestEvent())
	_, err = pending.Activate(t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, events.ExclusionActivated, pending.LatestEvent())

	_, err = r.Renew(t0)
	require.NoError(t, err)
	assert.Equal(t, events.ExclusionRenewed, r.LatestEvent())

	_, err = r.Terminate("counsellor confirmed recovery plan complete", "officer-1", t0)
	require.NoError(t, err)
	assert.Equal(t, events.ExclusionTerminated, r.LatestEvent())
}
