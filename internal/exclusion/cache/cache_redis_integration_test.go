//go:build integration

package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"nser/internal/exclusion/cache"
	"nser/internal/exclusion/models"
	id "nser/pkg/domain"
	"nser/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	cache *cache.RedisCache
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())
	s.cache = cache.NewRedis(s.redis.Client, 500*time.Millisecond)
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisCacheSuite) TestRoundTripAndExpiry() {
	ctx := context.Background()
	person := id.NewPersonID()
	now := time.Now().UTC()
	rec, err := models.NewRecord(id.NewExclusionID(), person, models.Period1Year, "", true, now, now)
	s.Require().NoError(err)

	_, ok, err := s.cache.Get(ctx, person)
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.cache.Set(ctx, person, cache.Entry{Record: rec}))
	got, ok, err := s.cache.Get(ctx, person)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(rec.ID, got.Record.ID)
	s.True(got.Record.AutoRenew)

	s.Eventually(func() bool {
		_, ok, err := s.cache.Get(ctx, person)
		return err == nil && !ok
	}, 3*time.Second, 100*time.Millisecond)
}

func (s *RedisCacheSuite) TestInvalidate() {
	ctx := context.Background()
	a, b := id.NewPersonID(), id.NewPersonID()
	s.Require().NoError(s.cache.Set(ctx, a, cache.Entry{}))
	s.Require().NoError(s.cache.Set(ctx, b, cache.Entry{}))

	s.Require().NoError(s.cache.Invalidate(ctx, a, b))
	_, ok, err := s.cache.Get(ctx, a)
	s.Require().NoError(err)
	s.False(ok)
	_, ok, err = s.cache.Get(ctx, b)
	s.Require().NoError(err)
	s.False(ok)
}
