package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"nser/internal/identity/models"
	id "nser/pkg/domain"
	"nser/pkg/platform/sentinel"
)

type IdentityStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
}

func (s *IdentityStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
}

func TestIdentityStoreSuite(t *testing.T) {
	suite.Run(t, new(IdentityStoreSuite))
}

func (s *IdentityStoreSuite) link(t models.IdentifierType, hash string, person id.PersonID) *models.Link {
	l := &models.Link{Type: t, Hash: hash, FuzzyHash: "f-" + hash, PersonID: person, Confidence: 1, LinkedAt: time.Now()}
	s.Require().NoError(s.store.SaveLink(s.ctx, l))
	return l
}

func (s *IdentityStoreSuite) TestLinks() {
	a, b := id.NewPersonID(), id.NewPersonID()
	s.link(models.IdentifierPhone, "p1", a)
	s.link(models.IdentifierEmail, "e1", a)
	s.link(models.IdentifierPhone, "p2", b)

	s.Run("find", func() {
		l, err := s.store.FindLink(s.ctx, models.IdentifierPhone, "p1")
		s.Require().NoError(err)
		s.Equal(a, l.PersonID)

		_, err = s.store.FindLink(s.ctx, models.IdentifierEmail, "p1")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("list by person", func() {
		links, err := s.store.ListLinks(s.ctx, []id.PersonID{a})
		s.Require().NoError(err)
		s.Len(links, 2)
	})

	s.Run("repoint", func() {
		s.Require().NoError(s.store.RepointLinks(s.ctx, []id.PersonID{b}, a))
		links, err := s.store.ListLinks(s.ctx, []id.PersonID{a})
		s.Require().NoError(err)
		s.Len(links, 3)

		all, err := s.store.ListAllLinks(s.ctx)
		s.Require().NoError(err)
		s.Len(all, 3)
	})

	s.Run("save replaces", func() {
		s.link(models.IdentifierPhone, "p1", b)
		l, err := s.store.FindLink(s.ctx, models.IdentifierPhone, "p1")
		s.Require().NoError(err)
		s.Equal(b, l.PersonID)
	})
}

func (s *IdentityStoreSuite) TestNodes() {
	root, child := id.NewPersonID(), id.NewPersonID()
	now := time.Now()
	s.Require().NoError(s.store.SaveNode(s.ctx, models.NewRootNode(root, now)))
	s.Require().NoError(s.store.SaveNode(s.ctx, &models.Node{PersonID: child, ParentID: root, Size: 1, UpdatedAt: now}))

	n, err := s.store.FindNode(s.ctx, child)
	s.Require().NoError(err)
	s.Equal(root, n.ParentID)

	children, err := s.store.ListChildren(s.ctx, root)
	s.Require().NoError(err)
	s.Equal([]id.PersonID{child}, children)

	_, err = s.store.FindNode(s.ctx, id.NewPersonID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *IdentityStoreSuite) TestFlags() {
	a, b := id.NewPersonID(), id.NewPersonID()
	flag := func(kind models.FlagKind) *models.ReviewFlag {
		return &models.ReviewFlag{
			ID: id.NewFlagID(), PairKey: models.PairKey(a, b), Kind: kind,
			PersonIDs: []id.PersonID{a, b}, Status: models.FlagOpen, CreatedAt: time.Now(),
		}
	}

	first := flag(models.FlagDuplicate)
	s.Require().NoError(s.store.CreateFlag(s.ctx, first))

	s.Run("open pair is unique per kind", func() {
		s.ErrorIs(s.store.CreateFlag(s.ctx, flag(models.FlagDuplicate)), sentinel.ErrAlreadyUsed)
		s.NoError(s.store.CreateFlag(s.ctx, flag(models.FlagMergeRefused)))
	})

	s.Run("resolve reopens the slot", func() {
		s.Require().NoError(s.store.ResolveFlag(s.ctx, first.ID))
		s.ErrorIs(s.store.ResolveFlag(s.ctx, first.ID), sentinel.ErrInvalidState)
		s.NoError(s.store.CreateFlag(s.ctx, flag(models.FlagDuplicate)))
	})

	s.Run("list by status", func() {
		open, err := s.store.ListFlags(s.ctx, models.FlagOpen)
		s.Require().NoError(err)
		s.Len(open, 2)

		all, err := s.store.ListFlags(s.ctx, "")
		s.Require().NoError(err)
		s.Len(all, 3)
	})

	s.ErrorIs(s.store.ResolveFlag(s.ctx, id.NewFlagID()), sentinel.ErrNotFound)
}
