//go:build integration

package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"nser/internal/identity/models"
	"nser/internal/identity/normalize"
	"nser/internal/identity/service"
	"nser/internal/identity/store"
	id "nser/pkg/domain"
	"nser/pkg/platform/sentinel"
	"nser/pkg/platform/tx"
	"nser/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
	service  *service.Service
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
	hasher, err := normalize.NewHasher("integration-key")
	s.Require().NoError(err)
	s.service = service.New(s.store, tx.NewSQLRunner(s.postgres.DB), hasher)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(),
		"identity_links", "person_nodes", "review_flags"))
}

func (s *PostgresStoreSuite) TestLinkAndMerge() {
	ctx := context.Background()
	a, b := id.NewPersonID(), id.NewPersonID()
	phone := models.Identifier{Type: models.IdentifierPhone, Value: "+44 7700 900123"}

	_, err := s.service.Link(ctx, phone, a)
	s.Require().NoError(err)
	_, err = s.service.Link(ctx, models.Identifier{Type: models.IdentifierEmail, Value: "b@example.com"}, b)
	s.Require().NoError(err)

	res, err := s.service.Link(ctx, phone, b)
	s.Require().NoError(err)
	s.True(res.Merged)

	members, err := s.service.Members(ctx, a)
	s.Require().NoError(err)
	s.ElementsMatch([]id.PersonID{a, b}, members)

	links, err := s.store.ListLinks(ctx, []id.PersonID{res.PersonID})
	s.Require().NoError(err)
	s.Len(links, 2)
}

func (s *PostgresStoreSuite) TestConcurrentMergesSerialize() {
	ctx := context.Background()
	shared := models.Identifier{Type: models.IdentifierEmail, Value: "shared@example.com"}
	first := id.NewPersonID()
	_, err := s.service.Link(ctx, shared, first)
	s.Require().NoError(err)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.Link(ctx, shared, id.NewPersonID())
			s.NoError(err)
		}()
	}
	wg.Wait()

	members, err := s.service.Members(ctx, first)
	s.Require().NoError(err)
	s.Len(members, 11)
}

func (s *PostgresStoreSuite) TestLockRequiresTransaction() {
	s.Error(s.store.Lock(context.Background()))
}

func (s *PostgresStoreSuite) TestFlags() {
	ctx := context.Background()
	a, b := id.NewPersonID(), id.NewPersonID()
	flag := &models.ReviewFlag{
		ID: id.NewFlagID(), PairKey: models.PairKey(a, b), Kind: models.FlagDuplicate,
		PersonIDs: []id.PersonID{a, b}, Score: 0.7, SharedKeys: []string{"phone"},
		Exclusions: []id.ExclusionID{id.NewExclusionID()}, Status: models.FlagOpen,
		CreatedAt: time.Now().UTC(),
	}
	s.Require().NoError(s.store.CreateFlag(ctx, flag))

	dup := *flag
	dup.ID = id.NewFlagID()
	s.ErrorIs(s.store.CreateFlag(ctx, &dup), sentinel.ErrAlreadyUsed)

	flags, err := s.store.ListFlags(ctx, models.FlagOpen)
	s.Require().NoError(err)
	s.Require().Len(flags, 1)
	s.Equal(flag.PersonIDs, flags[0].PersonIDs)
	s.Equal(flag.Exclusions, flags[0].Exclusions)

	s.Require().NoError(s.store.ResolveFlag(ctx, flag.ID))
	s.ErrorIs(s.store.ResolveFlag(ctx, flag.ID), sentinel.ErrInvalidState)
	s.ErrorIs(s.store.ResolveFlag(ctx, id.NewFlagID()), sentinel.ErrNotFound)
}
