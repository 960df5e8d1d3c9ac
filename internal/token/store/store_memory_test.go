package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"nser/internal/token/models"
	id "nser/pkg/domain"
	"nser/pkg/platform/sentinel"
)

type TokenStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
}

func (s *TokenStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
}

func TestTokenStoreSuite(t *testing.T) {
	suite.Run(t, new(TokenStoreSuite))
}

func (s *TokenStoreSuite) newToken(owner id.PersonID, version uint32, value string) *models.Token {
	t, err := models.NewToken(id.NewTokenID(), value, owner, version, time.Now(), 0)
	s.Require().NoError(err)
	return t
}

func (s *TokenStoreSuite) TestCreateAndLookups() {
	owner := id.NewPersonID()
	tok := s.newToken(owner, 1, "BST2-A")
	s.Require().NoError(s.store.Create(s.ctx, tok))

	s.Run("by id", func() {
		found, err := s.store.FindByID(s.ctx, tok.ID)
		s.Require().NoError(err)
		s.Equal(tok.Value, found.Value)
	})

	s.Run("by value", func() {
		found, err := s.store.FindByValue(s.ctx, "BST2-A")
		s.Require().NoError(err)
		s.Equal(tok.ID, found.ID)
	})

	s.Run("active by owner", func() {
		found, err := s.store.FindActiveByOwner(s.ctx, owner)
		s.Require().NoError(err)
		s.Equal(tok.ID, found.ID)
	})

	s.Run("unknown value", func() {
		_, err := s.store.FindByValue(s.ctx, "BST2-missing")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("returned copies do not alias the store", func() {
		found, err := s.store.FindByID(s.ctx, tok.ID)
		s.Require().NoError(err)
		found.Status = models.StatusCompromised

		again, err := s.store.FindByID(s.ctx, tok.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusActive, again.Status)
	})
}

func (s *TokenStoreSuite) TestUniqueness() {
	owner := id.NewPersonID()
	s.Require().NoError(s.store.Create(s.ctx, s.newToken(owner, 1, "BST2-one")))

	s.Run("second active token for owner", func() {
		err := s.store.Create(s.ctx, s.newToken(owner, 2, "BST2-two"))
		s.ErrorIs(err, sentinel.ErrAlreadyUsed)
	})

	s.Run("duplicate value", func() {
		err := s.store.Create(s.ctx, s.newToken(id.NewPersonID(), 1, "BST2-one"))
		s.ErrorIs(err, sentinel.ErrAlreadyUsed)
	})

	s.Run("duplicate generation", func() {
		active, err := s.store.FindActiveByOwner(s.ctx, owner)
		s.Require().NoError(err)
		s.Require().NoError(active.Transition(models.StatusRotated, time.Now()))
		s.Require().NoError(s.store.Update(s.ctx, active, active.RowVersion))

		err = s.store.Create(s.ctx, s.newToken(owner, 1, "BST2-three"))
		s.ErrorIs(err, sentinel.ErrAlreadyUsed)
	})
}

func (s *TokenStoreSuite) TestUpdateCompareAndSwap() {
	tok := s.newToken(id.NewPersonID(), 1, "BST2-cas")
	s.Require().NoError(s.store.Create(s.ctx, tok))

	first, err := s.store.FindByID(s.ctx, tok.ID)
	s.Require().NoError(err)
	second, err := s.store.FindByID(s.ctx, tok.ID)
	s.Require().NoError(err)

	s.Require().NoError(first.Transition(models.StatusDeactivated, time.Now()))
	s.Require().NoError(s.store.Update(s.ctx, first, first.RowVersion))
	s.Equal(int64(2), first.RowVersion)

	s.Require().NoError(second.Transition(models.StatusCompromised, time.Now()))
	err = s.store.Update(s.ctx, second, second.RowVersion)
	s.ErrorIs(err, sentinel.ErrConflict)

	stored, err := s.store.FindByID(s.ctx, tok.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusDeactivated, stored.Status)
}

func (s *TokenStoreSuite) TestListAndMaxVersion() {
	owner := id.NewPersonID()
	v, err := s.store.MaxVersion(s.ctx, owner)
	s.Require().NoError(err)
	s.Zero(v)

	for i, value := range []string{"BST2-g1", "BST2-g2", "BST2-g3"} {
		if i > 0 {
			active, err := s.store.FindActiveByOwner(s.ctx, owner)
			s.Require().NoError(err)
			s.Require().NoError(active.Transition(models.StatusRotated, time.Now()))
			s.Require().NoError(s.store.Update(s.ctx, active, active.RowVersion))
		}
		s.Require().NoError(s.store.Create(s.ctx, s.newToken(owner, uint32(i+1), value)))
	}

	v, err = s.store.MaxVersion(s.ctx, owner)
	s.Require().NoError(err)
	s.Equal(uint32(3), v)

	list, err := s.store.ListByOwner(s.ctx, owner)
	s.Require().NoError(err)
	s.Require().Len(list, 3)
	s.Equal(uint32(3), list[0].Version)
	s.Equal(models.StatusActive, list[0].Status)
	s.Equal(models.StatusRotated, list[2].Status)
}
