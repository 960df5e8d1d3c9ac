package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"nser/internal/events"
	"nser/internal/propagation/models"
	id "nser/pkg/domain"
	"nser/pkg/platform/sentinel"
)

type MappingStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
	now   time.Time
}

func (s *MappingStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestMappingStoreSuite(t *testing.T) {
	suite.Run(t, new(MappingStoreSuite))
}

func (s *MappingStoreSuite) mapping(exclusionID id.ExclusionID, op id.OperatorID) *models.Mapping {
	return models.NewMapping(events.ExclusionStateChanged{
		EventType:    events.ExclusionRegistered,
		ExclusionID:  exclusionID,
		PersonID:     id.NewPersonID(),
		StateVersion: 1,
	}, op, 3, s.now)
}

func (s *MappingStoreSuite) TestOneMappingPerOperator() {
	eid := id.NewExclusionID()
	s.Require().NoError(s.store.Create(s.ctx, s.mapping(eid, "op-a")))
	s.ErrorIs(s.store.Create(s.ctx, s.mapping(eid, "op-a")), sentinel.ErrAlreadyUsed)
	s.NoError(s.store.Create(s.ctx, s.mapping(eid, "op-b")))

	got, err := s.store.FindByPair(s.ctx, eid, "op-b")
	s.Require().NoError(err)
	s.Equal(id.OperatorID("op-b"), got.OperatorID)

	_, err = s.store.FindByPair(s.ctx, eid, "op-c")
	s.ErrorIs(err, sentinel.ErrNotFound)

	all, err := s.store.ListByExclusion(s.ctx, eid)
	s.Require().NoError(err)
	s.Len(all, 2)
}

func (s *MappingStoreSuite) TestUpdateIsCompareAndSwap() {
	m := s.mapping(id.NewExclusionID(), "op-a")
	s.Require().NoError(s.store.Create(s.ctx, m))

	expected := m.RowVersion
	m.Claim(s.now, time.Minute)
	s.Require().NoError(s.store.Update(s.ctx, m, expected))
	s.ErrorIs(s.store.Update(s.ctx, m, expected), sentinel.ErrConflict)

	other := s.mapping(id.NewExclusionID(), "op-a")
	s.ErrorIs(s.store.Update(s.ctx, other, other.RowVersion), sentinel.ErrNotFound)
}

func (s *MappingStoreSuite) TestClaimDue() {
	due := s.mapping(id.NewExclusionID(), "op-a")
	later := s.mapping(id.NewExclusionID(), "op-a")
	later.NextRetryAt = s.now.Add(time.Hour)
	s.Require().NoError(s.store.Create(s.ctx, due))
	s.Require().NoError(s.store.Create(s.ctx, later))

	claimed, err := s.store.ClaimDue(s.ctx, s.now, 10, time.Minute)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)
	s.Equal(due.ID, claimed[0].ID)
	s.Equal(models.StatusPropagating, claimed[0].Status)

	again, err := s.store.ClaimDue(s.ctx, s.now.Add(time.Second), 10, time.Minute)
	s.Require().NoError(err)
	s.Empty(again, "claimed row is leased")

	reclaimed, err := s.store.ClaimDue(s.ctx, s.now.Add(2*time.Minute), 10, time.Minute)
	s.Require().NoError(err)
	s.Len(reclaimed, 1, "lapsed lease is reclaimed")
}

func (s *MappingStoreSuite) TestFailedAndStatusListings() {
	m := s.mapping(id.NewExclusionID(), "op-a")
	m.MaxAttempts = 1
	s.Require().NoError(s.store.Create(s.ctx, m))
	expected := m.RowVersion
	m.Claim(s.now, time.Minute)
	m.RecordFailure(1, 500, "boom", time.Second, s.now)
	s.Require().NoError(s.store.Update(s.ctx, m, expected))

	failed, err := s.store.ListFailedBefore(s.ctx, s.now.Add(-time.Second), 10)
	s.Require().NoError(err)
	s.Empty(failed)
	failed, err = s.store.ListFailedBefore(s.ctx, s.now, 10)
	s.Require().NoError(err)
	s.Len(failed, 1)

	byStatus, err := s.store.ListByStatus(s.ctx, models.StatusFailed, 10)
	s.Require().NoError(err)
	s.Len(byStatus, 1)

	recent, err := s.store.ListUpdatedSince(s.ctx, s.now.Add(time.Second))
	s.Require().NoError(err)
	s.Empty(recent)
}

func (s *MappingStoreSuite) TestAttempts() {
	m := s.mapping(id.NewExclusionID(), "op-a")
	s.Require().NoError(s.store.Create(s.ctx, m))
	for i := 1; i <= 3; i++ {
		s.Require().NoError(s.store.AppendAttempt(s.ctx, models.Attempt{
			ID:          uuid.New(),
			MappingID:   m.ID,
			ExclusionID: m.ExclusionID,
			OperatorID:  m.OperatorID,
			Attempt:     i,
			StartedAt:   s.now.Add(time.Duration(i) * time.Second),
			Outcome:     models.OutcomeTimeout,
		}))
	}

	last, err := s.store.ListAttempts(s.ctx, m.ID, 2)
	s.Require().NoError(err)
	s.Require().Len(last, 2)
	s.Equal(2, last[0].Attempt)
	s.Equal(3, last[1].Attempt)

	all, err := s.store.ListAttemptsByExclusion(s.ctx, m.ExclusionID)
	s.Require().NoError(err)
	s.Len(all, 3)

	s.ErrorIs(s.store.AppendAttempt(s.ctx, models.Attempt{MappingID: id.NewMappingID()}), sentinel.ErrNotFound)
}
