package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"nser/internal/events"
	"nser/internal/exclusion/cache"
	"nser/internal/exclusion/metrics"
	"nser/internal/exclusion/models"
	"nser/internal/exclusion/service/mocks"
	"nser/internal/exclusion/store"
	identity "nser/internal/identity/models"
	"nser/internal/identity/normalize"
	identityservice "nser/internal/identity/service"
	identitystore "nser/internal/identity/store"
	tokenmodels "nser/internal/token/models"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
	audit "nser/pkg/platform/audit"
	"nser/pkg/platform/circuit"
	"nser/pkg/platform/tx"
	"nser/pkg/requestcontext"
)

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store,IdentityGraph,TokenValidator,LookupCache,AuditPublisher

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder captures in-transaction state changes and notifications.
type recorder struct {
	mu       sync.Mutex
	changes  []events.ExclusionStateChanged
	notified []events.ExclusionStateChanged
	fail     error
}

func (r *recorder) HandleStateChange(_ context.Context, ev events.ExclusionStateChanged) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.changes = append(r.changes, ev)
	return nil
}

func (r *recorder) NotifyStateChange(_ context.Context, ev events.ExclusionStateChanged) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, ev)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.EventType
	}
	return out
}

type ExclusionServiceSuite struct {
	suite.Suite
	ctx      context.Context
	now      time.Time
	store    *store.InMemoryStore
	graph    *identityservice.Service
	recorder *recorder
	service  *Service
}

func TestExclusionServiceSuite(t *testing.T) {
	suite.Run(t, new(ExclusionServiceSuite))
}

func (s *ExclusionServiceSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.store = store.NewInMemory()
	s.recorder = &recorder{}

	runner := tx.NewShardedRunner()
	hasher, err := normalize.NewHasher("exclusion-test-key")
	s.Require().NoError(err)
	s.graph = identityservice.New(identitystore.NewInMemory(), runner, hasher,
		identityservice.WithLogger(discardLogger()),
		identityservice.WithExclusionLookup(s.store),
	)
	s.service = New(s.store, s.graph, runner,
		WithLogger(discardLogger()),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
		WithStateChangeHandler(s.recorder),
		WithNotifier(s.recorder),
	)
}

func (s *ExclusionServiceSuite) at(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

func (s *ExclusionServiceSuite) register(person id.PersonID, period models.Period, idents ...identity.Identifier) *models.Record {
	rec, err := s.service.Register(s.ctx, models.RegisterInput{
		PersonID:    person,
		Period:      period,
		Reason:      "self referral",
		Identifiers: idents,
	})
	s.Require().NoError(err)
	return rec
}

func phone(v string) identity.Identifier {
	return identity.Identifier{Type: identity.IdentifierPhone, Value: v}
}

// TestRegisterThenLookup registers a one-year exclusion, looks it up and
// refuses a second registration.
func (s *ExclusionServiceSuite) TestRegisterThenLookup() {
	person := id.NewPersonID()
	rec := s.register(person, models.Period1Year)

	s.Equal(models.StatusActive, rec.Status)
	s.Require().NotNil(rec.EndDate)
	s.Equal(rec.StartDate.AddDate(0, 0, 365), *rec.EndDate)

	res, err := s.service.IsExcluded(s.ctx, person)
	s.Require().NoError(err)
	s.True(res.Excluded)
	s.False(res.FailClosed)
	s.Equal(models.SourceStore, res.Source)
	s.Equal(rec.ID, res.Record.ID)

	_, err = s.service.Register(s.ctx, models.RegisterInput{PersonID: person, Period: models.Period6Months})
	s.True(dErrors.HasCode(err, dErrors.CodeDuplicateExclusion))

	s.Equal([]events.Type{events.ExclusionRegistered}, s.recorder.types())
	s.Len(s.recorder.notified, 1)
	s.Equal(int64(1), s.recorder.changes[0].StateVersion)
}

func (s *ExclusionServiceSuite) TestRegisterSeesMergedIdentities() {
	a, b := id.NewPersonID(), id.NewPersonID()
	s.register(a, models.Period5Years, phone("+44 7700 900123"))

	_, err := s.service.Register(s.ctx, models.RegisterInput{
		PersonID:    b,
		Period:      models.Period1Year,
		Identifiers: []identity.Identifier{phone("+447700900123")},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeDuplicateExclusion))

	res, err := s.service.IsExcluded(s.ctx, b)
	s.Require().NoError(err)
	s.True(res.Excluded, "b was merged into the registered person")
	s.Equal(a, res.PersonID)
}

// TestConcurrentRegistrations races registrations for one person; exactly
// one wins and the rest see DuplicateExclusion.
func (s *ExclusionServiceSuite) TestConcurrentRegistrations() {
	person := id.NewPersonID()
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, dup int
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.Register(s.ctx, models.RegisterInput{PersonID: person, Period: models.Period1Year})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case dErrors.HasCode(err, dErrors.CodeDuplicateExclusion):
				dup++
			}
		}()
	}
	wg.Wait()
	s.Equal(1, ok)
	s.Equal(15, dup)

	live, err := s.store.FindLive(s.ctx, []id.PersonID{person})
	s.Require().NoError(err)
	s.Len(live, 1)
}

func (s *ExclusionServiceSuite) TestFutureStartIsPendingButExcludesOnceDue() {
	person := id.NewPersonID()
	start := s.now.Add(48 * time.Hour)
	rec, err := s.service.Register(s.ctx, models.RegisterInput{PersonID: person, Period: models.Period6Months, StartAt: &start})
	s.Require().NoError(err)
	s.Equal(models.StatusPending, rec.Status)

	res, err := s.service.IsExcluded(s.ctx, person)
	s.Require().NoError(err)
	s.False(res.Excluded)

	res, err = s.service.IsExcluded(s.at(start.Add(time.Minute)), person)
	s.Require().NoError(err)
	s.True(res.Excluded, "a due pending record excludes before the sweep runs")
}

func (s *ExclusionServiceSuite) TestTerminate() {
	person := id.NewPersonID()
	rec := s.register(person, models.Period3Years)

	_, err := s.service.Terminate(s.ctx, rec.ID, "too short", "officer-1")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.service.Terminate(s.ctx, rec.ID, "court order reference 2026/118 lifts exclusion", "")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	done, err := s.service.Terminate(s.ctx, rec.ID, "court order reference 2026/118 lifts exclusion", "officer-1")
	s.Require().NoError(err)
	s.Equal(models.StatusTerminated, done.Status)
	s.Equal(int64(2), done.Version)

	res, err := s.service.IsExcluded(s.ctx, person)
	s.Require().NoError(err)
	s.False(res.Excluded)

	_, err = s.service.Terminate(s.ctx, rec.ID, "court order reference 2026/118 lifts exclusion", "officer-1")
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))

	_, err = s.service.Terminate(s.ctx, id.NewExclusionID(), "court order reference 2026/118 lifts exclusion", "officer-1")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	s.Equal([]events.Type{events.ExclusionRegistered, events.ExclusionTerminated}, s.recorder.types())
}

func (s *ExclusionServiceSuite) TestRenew() {
	rec := s.register(id.NewPersonID(), models.Period6Months)
	renewed, err := s.service.Renew(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(1, renewed.RenewalCount)
	s.Equal(rec.EndDate.AddDate(0, 0, 182), *renewed.EndDate)

	permanent := s.register(id.NewPersonID(), models.PeriodPermanent)
	_, err = s.service.Renew(s.ctx, permanent.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
}

func (s *ExclusionServiceSuite) TestElapsedRecordStopsExcludingBeforeSweep() {
	person := id.NewPersonID()
	rec := s.register(person, models.Period6Months)

	res, err := s.service.IsExcluded(s.at(rec.EndDate.Add(time.Hour)), person)
	s.Require().NoError(err)
	s.False(res.Excluded)
	s.Equal(models.StatusActive, res.Record.Status)
}

func (s *ExclusionServiceSuite) TestSweepIsIdempotent() {
	start := s.now.Add(time.Hour)
	pending, err := s.service.Register(s.ctx, models.RegisterInput{PersonID: id.NewPersonID(), Period: models.Period1Year, StartAt: &start})
	s.Require().NoError(err)
	expiring := s.register(id.NewPersonID(), models.Period6Months)
	renewing, err := s.service.Register(s.ctx, models.RegisterInput{PersonID: id.NewPersonID(), Period: models.Period6Months, AutoRenew: true})
	s.Require().NoError(err)
	s.register(id.NewPersonID(), models.PeriodPermanent)

	later := s.at(expiring.EndDate.Add(time.Hour))
	res, err := s.service.Sweep(later)
	s.Require().NoError(err)
	s.Equal(models.SweepResult{Activated: 1, Expired: 1, Renewed: 1}, res)

	res, err = s.service.Sweep(later)
	s.Require().NoError(err)
	s.Equal(models.SweepResult{}, res)

	got, err := s.service.Get(s.ctx, pending.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusActive, got.Status)

	got, err = s.service.Get(s.ctx, expiring.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusExpired, got.Status)

	got, err = s.service.Get(s.ctx, renewing.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusActive, got.Status)
	s.Equal(1, got.RenewalCount)
	s.True(got.EndDate.After(expiring.EndDate.Add(time.Hour)))
}

func (s *ExclusionServiceSuite) TestSweepWorksThroughBatches() {
	svc := New(s.store, s.graph, tx.NewShardedRunner(), WithLogger(discardLogger()), WithSweepBatchSize(2))
	var last *models.Record
	for range 5 {
		last = s.register(id.NewPersonID(), models.Period6Months)
	}

	res, err := svc.Sweep(s.at(last.EndDate.Add(time.Minute)))
	s.Require().NoError(err)
	s.Equal(5, res.Expired)
}

func (s *ExclusionServiceSuite) TestListByPersonFollowsMerges() {
	a, b := id.NewPersonID(), id.NewPersonID()
	rec := s.register(a, models.Period1Year, phone("+44 7700 900555"))
	_, err := s.graph.Link(s.ctx, phone("+447700900555"), b)
	s.Require().NoError(err)

	records, err := s.service.ListByPerson(s.ctx, b)
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Equal(rec.ID, records[0].ID)
}

func (s *ExclusionServiceSuite) TestLookupByIdentifier() {
	person := id.NewPersonID()
	s.register(person, models.Period1Year, phone("+44 7700 900777"))

	res, err := s.service.LookupByIdentifier(s.ctx, phone("+447700900777"))
	s.Require().NoError(err)
	s.True(res.Excluded)

	res, err = s.service.LookupByIdentifier(s.ctx, phone("+44 7700 900000"))
	s.Require().NoError(err)
	s.False(res.Excluded)
	s.False(res.FailClosed)

	_, err = s.service.LookupByIdentifier(s.ctx, identity.Identifier{Type: "passport", Value: "X"})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

// TestIsExcluded_FailsClosedWhenStoreUnavailable checks an unreachable
// ledger answers excluded.
func TestIsExcluded_FailsClosedWhenStoreUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	graph := mocks.NewMockIdentityGraph(ctrl)
	ops := mocks.NewMockAuditPublisher(ctrl)
	person := id.NewPersonID()

	graph.EXPECT().Members(gomock.Any(), person).Return([]id.PersonID{person}, nil)
	st.EXPECT().FindLive(gomock.Any(), []id.PersonID{person}).Return(nil, errors.New("connection refused"))
	ops.EXPECT().Emit(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, ev audit.Event) error {
		assert.Equal(t, string(audit.EventLookupFailClosed), ev.Action)
		assert.Equal(t, person, ev.PersonID)
		return nil
	})

	svc := New(st, graph, tx.NewShardedRunner(), WithLogger(discardLogger()), WithOperationsAuditPublisher(ops))
	res, err := svc.IsExcluded(context.Background(), person)
	require.NoError(t, err)
	assert.True(t, res.Excluded)
	assert.True(t, res.FailClosed)
	assert.Equal(t, models.SourceFailClosed, res.Source)
}

func TestIsExcluded_FailsClosedOnTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	graph := mocks.NewMockIdentityGraph(ctrl)
	person := id.NewPersonID()

	graph.EXPECT().Members(gomock.Any(), person).Return([]id.PersonID{person}, nil)
	st.EXPECT().FindLive(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ []id.PersonID) ([]*models.Record, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	svc := New(st, graph, tx.NewShardedRunner(), WithLogger(discardLogger()), WithLookupTimeout(10*time.Millisecond))
	res, err := svc.IsExcluded(context.Background(), person)
	require.NoError(t, err)
	assert.True(t, res.Excluded)
	assert.True(t, res.FailClosed)
}

func TestIsExcluded_FailsClosedWhenGraphUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	graph := mocks.NewMockIdentityGraph(ctrl)
	person := id.NewPersonID()
	graph.EXPECT().Members(gomock.Any(), person).
		Return(nil, dErrors.New(dErrors.CodeUnavailable, "identity store unavailable"))

	svc := New(mocks.NewMockStore(ctrl), graph, tx.NewShardedRunner(), WithLogger(discardLogger()))
	res, err := svc.IsExcluded(context.Background(), person)
	require.NoError(t, err)
	assert.True(t, res.FailClosed)
}

func TestIsExcluded_OpenBreakerSkipsStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	graph := mocks.NewMockIdentityGraph(ctrl)
	person := id.NewPersonID()

	graph.EXPECT().Members(gomock.Any(), person).Return([]id.PersonID{person}, nil).Times(3)
	st.EXPECT().FindLive(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused")).Times(2)

	svc := New(st, graph, tx.NewShardedRunner(),
		WithLogger(discardLogger()),
		WithBreaker(circuit.New("test", circuit.WithFailureThreshold(2), circuit.WithCooldown(time.Hour))),
	)
	for range 3 {
		res, err := svc.IsExcluded(context.Background(), person)
		require.NoError(t, err)
		assert.True(t, res.FailClosed)
	}
}

func TestIsExcluded_CacheHitSkipsStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	graph := mocks.NewMockIdentityGraph(ctrl)
	lc := mocks.NewMockLookupCache(ctrl)
	person, alias := id.NewPersonID(), id.NewPersonID()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec, err := models.NewRecord(id.NewExclusionID(), person, models.Period1Year, "", false, now, now)
	require.NoError(t, err)

	graph.EXPECT().Members(gomock.Any(), alias).Return([]id.PersonID{person, alias}, nil)
	lc.EXPECT().Get(gomock.Any(), person).Return(cache.Entry{Record: rec}, true, nil)

	svc := New(mocks.NewMockStore(ctrl), graph, tx.NewShardedRunner(), WithLogger(discardLogger()), WithLookupCache(lc))
	res, err := svc.IsExcluded(requestcontext.WithTime(context.Background(), now), alias)
	require.NoError(t, err)
	assert.True(t, res.Excluded)
	assert.Equal(t, models.SourceCache, res.Source)
	assert.Equal(t, person, res.PersonID)
}

func TestIsExcluded_CacheErrorFallsThroughToStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	graph := mocks.NewMockIdentityGraph(ctrl)
	lc := mocks.NewMockLookupCache(ctrl)
	person := id.NewPersonID()

	graph.EXPECT().Members(gomock.Any(), person).Return([]id.PersonID{person}, nil)
	lc.EXPECT().Get(gomock.Any(), person).Return(cache.Entry{}, false, errors.New("redis down"))
	st.EXPECT().FindLive(gomock.Any(), []id.PersonID{person}).Return(nil, nil)
	lc.EXPECT().Set(gomock.Any(), person, cache.Entry{}).Return(nil)

	svc := New(st, graph, tx.NewShardedRunner(), WithLogger(discardLogger()), WithLookupCache(lc))
	res, err := svc.IsExcluded(context.Background(), person)
	require.NoError(t, err)
	assert.False(t, res.Excluded)
	assert.Equal(t, models.SourceStore, res.Source)
}

func TestLookupByToken(t *testing.T) {
	owner := id.NewPersonID()
	tests := map[string]struct {
		result     tokenmodels.ValidationResult
		err        error
		wantCode   dErrors.Code
		failClosed bool
		lookup     bool
	}{
		"malformed token": {
			err:      dErrors.New(dErrors.CodeMalformed, "token checksum mismatch"),
			wantCode: dErrors.CodeMalformed,
		},
		"unknown token": {
			result:   tokenmodels.ValidationResult{Reason: tokenmodels.ReasonNotFound},
			wantCode: dErrors.CodeNotFound,
		},
		"token store down": {
			err:        dErrors.New(dErrors.CodeUnavailable, "token store unavailable"),
			failClosed: true,
		},
		"rotated token still names its owner": {
			result: tokenmodels.ValidationResult{OwnerID: owner, Status: tokenmodels.StatusRotated},
			lookup: true,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			st := mocks.NewMockStore(ctrl)
			graph := mocks.NewMockIdentityGraph(ctrl)
			tokens := mocks.NewMockTokenValidator(ctrl)
			tokens.EXPECT().Validate(gomock.Any(), "BST2TOKEN").Return(tt.result, tt.err)
			if tt.lookup {
				graph.EXPECT().Members(gomock.Any(), owner).Return([]id.PersonID{owner}, nil)
				st.EXPECT().FindLive(gomock.Any(), []id.PersonID{owner}).Return(nil, nil)
			}

			svc := New(st, graph, tx.NewShardedRunner(), WithLogger(discardLogger()), WithTokenValidator(tokens))
			res, err := svc.LookupByToken(context.Background(), "BST2TOKEN")
			if tt.wantCode != "" {
				assert.True(t, dErrors.HasCode(err, tt.wantCode), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.failClosed, res.FailClosed)
			assert.Equal(t, tt.failClosed, res.Excluded)
		})
	}
}

// TestRegister_HandlerFailureAbortsCommit checks a failing in-transaction
// consumer surfaces an error and skips the post-commit effects.
func TestRegister_HandlerFailureAbortsCommit(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	graph := mocks.NewMockIdentityGraph(ctrl)
	lc := mocks.NewMockLookupCache(ctrl)
	person := id.NewPersonID()
	rec := &recorder{fail: errors.New("propagation store down")}

	graph.EXPECT().LinkAll(gomock.Any(), gomock.Any(), person).Return(person, nil)
	graph.EXPECT().RunLocked(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, fn func(context.Context) error) error {
		return fn(ctx)
	})
	graph.EXPECT().Members(gomock.Any(), person).Return([]id.PersonID{person}, nil)
	st.EXPECT().FindLive(gomock.Any(), []id.PersonID{person}).Return(nil, nil)
	st.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)

	svc := New(st, graph, tx.NewShardedRunner(),
		WithLogger(discardLogger()),
		WithLookupCache(lc),
		WithStateChangeHandler(rec),
		WithNotifier(rec),
	)
	_, err := svc.Register(context.Background(), models.RegisterInput{PersonID: person, Period: models.Period1Year})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnavailable))
	assert.Empty(t, rec.notified)
}

func TestRegister_AuditsInTransaction(t *testing.T) {
	ctrl := gomock.NewController(t)
	graph := mocks.NewMockIdentityGraph(ctrl)
	auditor := mocks.NewMockAuditPublisher(ctrl)
	person := id.NewPersonID()

	graph.EXPECT().LinkAll(gomock.Any(), gomock.Any(), person).Return(person, nil)
	graph.EXPECT().RunLocked(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, fn func(context.Context) error) error {
		return fn(ctx)
	})
	graph.EXPECT().Members(gomock.Any(), person).Return([]id.PersonID{person}, nil)
	auditor.EXPECT().Emit(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, ev audit.Event) error {
		assert.Equal(t, string(audit.EventExclusionRegistered), ev.Action)
		assert.Equal(t, person, ev.PersonID)
		return nil
	})

	svc := New(store.NewInMemory(), graph, tx.NewShardedRunner(), WithLogger(discardLogger()), WithAuditPublisher(auditor))
	rec, err := svc.Register(context.Background(), models.RegisterInput{PersonID: person, Period: models.PeriodPermanent})
	require.NoError(t, err)
	assert.Nil(t, rec.EndDate)
}

func TestRegister_Validation(t *testing.T) {
	svc := New(store.NewInMemory(), nil, tx.NewShardedRunner(), WithLogger(discardLogger()))

	_, err := svc.Register(context.Background(), models.RegisterInput{Period: models.Period1Year})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = svc.Register(context.Background(), models.RegisterInput{PersonID: id.NewPersonID(), Period: "2y"})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}
