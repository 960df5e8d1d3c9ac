// Package service runs the exclusion ledger: registration, lifecycle
// transitions and the fail-closed lookup path.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"nser/internal/events"
	"nser/internal/exclusion/cache"
	"nser/internal/exclusion/metrics"
	"nser/internal/exclusion/models"
	identity "nser/internal/identity/models"
	tokenmodels "nser/internal/token/models"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
	audit "nser/pkg/platform/audit"
	"nser/pkg/platform/circuit"
	"nser/pkg/platform/sentinel"
	"nser/pkg/platform/tx"
	"nser/pkg/requestcontext"
)

// Store persists exclusion records. Update is a compare-and-swap on Version
// and returns sentinel.ErrConflict when another writer got there first.
// Create and Update return sentinel.ErrAlreadyUsed when the person would
// hold two live records.
type Store interface {
	Create(ctx context.Context, r *models.Record) error
	FindByID(ctx context.Context, exclusionID id.ExclusionID) (*models.Record, error)
	ListByPersons(ctx context.Context, persons []id.PersonID) ([]*models.Record, error)
	FindLive(ctx context.Context, persons []id.PersonID) ([]*models.Record, error)
	Update(ctx context.Context, r *models.Record, expected int64) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Record, error)
}

// IdentityGraph resolves merged persons and serializes registration
// against merges.
type IdentityGraph interface {
	LinkAll(ctx context.Context, idents []identity.Identifier, person id.PersonID) (id.PersonID, error)
	Members(ctx context.Context, person id.PersonID) ([]id.PersonID, error)
	Resolve(ctx context.Context, ident identity.Identifier) (id.PersonID, error)
	RunLocked(ctx context.Context, fn func(ctx context.Context) error) error
}

// TokenValidator answers who owns a BST token.
type TokenValidator interface {
	Validate(ctx context.Context, value string) (tokenmodels.ValidationResult, error)
}

// LookupCache holds recent ledger reads keyed by canonical person.
type LookupCache interface {
	Get(ctx context.Context, person id.PersonID) (cache.Entry, bool, error)
	Set(ctx context.Context, person id.PersonID, e cache.Entry) error
	Invalidate(ctx context.Context, persons ...id.PersonID) error
}

// AuditPublisher records ledger events. Transition audits are written in
// the transaction, so an error aborts the transition.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Notifier is told about committed transitions. It must not block.
type Notifier interface {
	NotifyStateChange(ctx context.Context, ev events.ExclusionStateChanged)
}

const (
	defaultLookupTimeout  = 50 * time.Millisecond
	defaultSweepBatchSize = 100
	maxWriteAttempts      = 5
)

var auditActions = map[events.Type]audit.AuditEvent{
	events.ExclusionRegistered: audit.EventExclusionRegistered,
	events.ExclusionActivated:  audit.EventExclusionActivated,
	events.ExclusionRenewed:    audit.EventExclusionRenewed,
	events.ExclusionTerminated: audit.EventExclusionTerminated,
	events.ExclusionExpired:    audit.EventExclusionExpired,
}

// Service implements the exclusion ledger.
type Service struct {
	store     Store
	graph     IdentityGraph
	tx        tx.Runner
	tokens    TokenValidator
	cache     LookupCache
	breaker   *circuit.Breaker
	handlers  []events.StateChangeHandler
	publisher events.Publisher
	audit     AuditPublisher
	opsAudit  AuditPublisher
	notifier  Notifier
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	lookupTimeout  time.Duration
	sweepBatchSize int
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) {
		s.audit = p
	}
}

// WithOperationsAuditPublisher receives fail-closed lookup audits. These
// fire on the lookup path, so the publisher should be asynchronous.
func WithOperationsAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) {
		s.opsAudit = p
	}
}

func WithTokenValidator(v TokenValidator) Option {
	return func(s *Service) {
		s.tokens = v
	}
}

func WithLookupCache(c LookupCache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Service) {
		s.breaker = b
	}
}

// WithStateChangeHandler adds a consumer that runs inside each transition's
// transaction.
func WithStateChangeHandler(h events.StateChangeHandler) Option {
	return func(s *Service) {
		s.handlers = append(s.handlers, h)
	}
}

// WithPublisher forwards state changes to external systems. The outbox
// writer joins the transition's transaction.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithLookupTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lookupTimeout = d
		}
	}
}

func WithSweepBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sweepBatchSize = n
		}
	}
}

func New(store Store, graph IdentityGraph, runner tx.Runner, opts ...Option) *Service {
	s := &Service{
		store:          store,
		graph:          graph,
		tx:             runner,
		logger:         slog.Default(),
		tracer:         otel.Tracer("nser/exclusion"),
		lookupTimeout:  defaultLookupTimeout,
		sweepBatchSize: defaultSweepBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.breaker == nil {
		s.breaker = circuit.New("exclusion-store")
	}
	return s
}

// Register records a new self-exclusion. Identifiers are linked first, then
// the live-record check and insert run under the graph lock so no merge can
// slip between them.
func (s *Service) Register(ctx context.Context, in models.RegisterInput) (*models.Record, error) {
	if in.PersonID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "person id is required")
	}
	if _, err := models.ParsePeriod(string(in.Period)); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	start := now
	if in.StartAt != nil {
		start = *in.StartAt
	}

	person, err := s.graph.LinkAll(ctx, in.Identifiers, in.PersonID)
	if err != nil {
		return nil, err
	}

	var rec *models.Record
	var members []id.PersonID
	err = s.graph.RunLocked(ctx, func(ctx context.Context) error {
		var err error
		members, err = s.graph.Members(ctx, person)
		if err != nil {
			return err
		}
		live, err := s.store.FindLive(ctx, members)
		if err != nil {
			return err
		}
		if len(live) > 0 {
			return dErrors.New(dErrors.CodeDuplicateExclusion, "person already holds a live exclusion")
		}
		rec, err = models.NewRecord(id.NewExclusionID(), members[0], in.Period, in.Reason, in.AutoRenew, start, now)
		if err != nil {
			return err
		}
		if err := s.store.Create(ctx, rec); err != nil {
			return err
		}
		return s.publishInTx(ctx, rec, events.ExclusionRegistered, "")
	})
	if err != nil {
		return nil, s.translate(err)
	}
	s.committed(ctx, rec, events.ExclusionRegistered, members)
	return rec, nil
}

// Terminate ends an active exclusion early on actor's authority.
func (s *Service) Terminate(ctx context.Context, exclusionID id.ExclusionID, reason, actor string) (*models.Record, error) {
	rec, _, err := s.transition(ctx, exclusionID, func(r *models.Record, now time.Time) (events.Type, error) {
		return r.Terminate(reason, actor, now)
	})
	return rec, err
}

// Renew extends an active exclusion by one period.
func (s *Service) Renew(ctx context.Context, exclusionID id.ExclusionID) (*models.Record, error) {
	rec, _, err := s.transition(ctx, exclusionID, func(r *models.Record, now time.Time) (events.Type, error) {
		return r.Renew(now)
	})
	return rec, err
}

// Sweep activates due pending records and expires or auto-renews elapsed
// active ones. Running it twice for the same instant changes nothing the
// second time.
func (s *Service) Sweep(ctx context.Context) (models.SweepResult, error) {
	var res models.SweepResult
	now := requestcontext.Now(ctx)
	failed := make(map[id.ExclusionID]bool)

	for {
		due, err := s.store.ListDue(ctx, now, s.sweepBatchSize)
		if err != nil {
			return res, s.translate(err)
		}
		progress := 0
		for _, r := range due {
			if failed[r.ID] {
				continue
			}
			_, ev, err := s.transition(ctx, r.ID, func(r *models.Record, now time.Time) (events.Type, error) {
				return sweepStep(r, now)
			})
			if err != nil {
				failed[r.ID] = true
				res.Failed++
				s.logger.ErrorContext(ctx, "exclusion sweep failed", "exclusion_id", r.ID, "error", err)
				continue
			}
			progress++
			switch ev {
			case events.ExclusionActivated:
				res.Activated++
			case events.ExclusionExpired:
				res.Expired++
			case events.ExclusionRenewed:
				res.Renewed++
			}
		}
		if progress == 0 || len(due) < s.sweepBatchSize {
			break
		}
	}
	s.metrics.AddSweepFailures(res.Failed)
	if res != (models.SweepResult{}) {
		s.logger.InfoContext(ctx, "exclusion sweep finished",
			"activated", res.Activated,
			"expired", res.Expired,
			"renewed", res.Renewed,
			"failed", res.Failed,
		)
	}
	return res, nil
}

// sweepStep picks the lifecycle transition r is due for. An empty type
// means another sweeper already handled it.
func sweepStep(r *models.Record, now time.Time) (events.Type, error) {
	if !r.Due(now) {
		return "", nil
	}
	switch {
	case r.Status == models.StatusPending:
		return r.Activate(now)
	case r.AutoRenew:
		return r.AutoRenewAt(now)
	default:
		return r.Expire(now)
	}
}

// transition loads exclusionID, applies fn and writes the result with
// compare-and-swap, retrying on concurrent writers.
func (s *Service) transition(ctx context.Context, exclusionID id.ExclusionID, fn func(r *models.Record, now time.Time) (events.Type, error)) (*models.Record, events.Type, error) {
	now := requestcontext.Now(ctx)
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		r, err := s.store.FindByID(ctx, exclusionID)
		if err != nil {
			return nil, "", s.translate(err)
		}
		expected := r.Version
		ev, err := fn(r, now)
		if err != nil {
			return nil, "", err
		}
		if ev == "" {
			return r, "", nil
		}

		txCtx := tx.WithShardKey(ctx, r.PersonID.String())
		err = s.tx.RunInTx(txCtx, func(ctx context.Context) error {
			if err := s.store.Update(ctx, r, expected); err != nil {
				return err
			}
			return s.publishInTx(ctx, r, ev, r.TerminatedBy)
		})
		if errors.Is(err, sentinel.ErrConflict) {
			s.logger.DebugContext(ctx, "exclusion write conflict, retrying", "exclusion_id", exclusionID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, "", s.translate(err)
		}
		s.committed(ctx, r, ev, nil)
		return r, ev, nil
	}
	return nil, "", dErrors.New(dErrors.CodeConflict, "exclusion changed concurrently, retry")
}

// publishInTx hands the state change to every in-transaction consumer. Any
// failure rolls the transition back.
func (s *Service) publishInTx(ctx context.Context, r *models.Record, ev events.Type, actor string) error {
	change := r.StateChange(ev)
	for _, h := range s.handlers {
		if err := h.HandleStateChange(ctx, change); err != nil {
			return err
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishStateChange(ctx, change); err != nil {
			return err
		}
	}
	if s.audit != nil {
		err := s.audit.Emit(ctx, audit.Event{
			PersonID: r.PersonID,
			Subject:  r.ID.String(),
			Action:   string(auditActions[ev]),
			Reason:   r.TerminationReason,
			ActorID:  actor,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// committed runs the post-commit side effects of a transition. members may
// be nil, in which case they are resolved here.
func (s *Service) committed(ctx context.Context, r *models.Record, ev events.Type, members []id.PersonID) {
	if members == nil {
		resolved, err := s.graph.Members(ctx, r.PersonID)
		if err != nil {
			resolved = []id.PersonID{r.PersonID}
		}
		members = resolved
	}
	s.invalidate(ctx, members)
	if s.notifier != nil {
		s.notifier.NotifyStateChange(ctx, r.StateChange(ev))
	}
	s.metrics.IncrementTransition(string(ev))
	s.logger.InfoContext(ctx, "exclusion state changed",
		"exclusion_id", r.ID,
		"person_id", r.PersonID,
		"event_type", ev,
		"status", r.Status,
		"version", r.Version,
	)
}

// IsExcluded answers whether person may gamble. Any failure to read the
// graph or the ledger within the lookup timeout is answered as excluded.
func (s *Service) IsExcluded(ctx context.Context, person id.PersonID) (models.LookupResult, error) {
	if person.IsNil() {
		return models.LookupResult{}, dErrors.New(dErrors.CodeValidation, "person id is required")
	}
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "exclusion.is_excluded")
	defer span.End()

	lookupCtx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()
	now := requestcontext.Now(ctx)

	members, err := s.graph.Members(lookupCtx, person)
	if err != nil {
		return s.failClosed(ctx, person, "identity graph unavailable", err, start), nil
	}
	canonical := members[0]

	if s.cache != nil {
		entry, ok, err := s.cache.Get(lookupCtx, canonical)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "exclusion cache read failed", "error", err)
		case ok:
			s.metrics.CacheHit()
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return s.answer(canonical, entry.Record, now, models.SourceCache, start), nil
		default:
			s.metrics.CacheMiss()
		}
	}

	if !s.breaker.Allow() {
		return s.failClosed(ctx, person, "exclusion store circuit open", nil, start), nil
	}
	live, err := s.store.FindLive(lookupCtx, members)
	if err != nil {
		s.recordFailure()
		return s.failClosed(ctx, person, "exclusion store unavailable", err, start), nil
	}
	s.recordSuccess()

	rec := pickLive(live, now)
	if s.cache != nil {
		if err := s.cache.Set(lookupCtx, canonical, cache.Entry{Record: rec}); err != nil {
			s.logger.WarnContext(ctx, "exclusion cache write failed", "error", err)
		}
	}
	return s.answer(canonical, rec, now, models.SourceStore, start), nil
}

// pickLive prefers a record that excludes at now. Merged sets hold at most
// one live record, so the choice only matters for stale reads.
func pickLive(live []*models.Record, now time.Time) *models.Record {
	for _, r := range live {
		if r.ExcludesAt(now) {
			return r
		}
	}
	if len(live) > 0 {
		return live[0]
	}
	return nil
}

func (s *Service) answer(canonical id.PersonID, rec *models.Record, now time.Time, source string, start time.Time) models.LookupResult {
	res := models.LookupResult{
		Excluded: rec != nil && rec.ExcludesAt(now),
		PersonID: canonical,
		Record:   rec,
		Source:   source,
	}
	outcome := "not_excluded"
	if res.Excluded {
		outcome = "excluded"
	}
	s.metrics.ObserveLookup(outcome, time.Since(start))
	return res
}

func (s *Service) failClosed(ctx context.Context, person id.PersonID, reason string, cause error, start time.Time) models.LookupResult {
	s.metrics.ObserveLookup("fail_closed", time.Since(start))
	s.logger.WarnContext(ctx, "exclusion lookup failed closed",
		"person_id", person,
		"reason", reason,
		"error", cause,
	)
	if s.opsAudit != nil {
		err := s.opsAudit.Emit(context.WithoutCancel(ctx), audit.Event{
			Category: audit.EventLookupFailClosed.Category(),
			PersonID: person,
			Action:   string(audit.EventLookupFailClosed),
			Reason:   reason,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to audit fail-closed lookup", "error", err)
		}
	}
	return models.LookupResult{
		Excluded:   true,
		PersonID:   person,
		FailClosed: true,
		Source:     models.SourceFailClosed,
	}
}

// LookupByIdentifier answers for the person holding ident. An identifier
// that was never linked belongs to nobody excluded.
func (s *Service) LookupByIdentifier(ctx context.Context, ident identity.Identifier) (models.LookupResult, error) {
	start := time.Now()
	person, err := s.graph.Resolve(ctx, ident)
	switch {
	case dErrors.HasCode(err, dErrors.CodeNotFound):
		s.metrics.ObserveLookup("not_excluded", time.Since(start))
		return models.LookupResult{Source: models.SourceStore}, nil
	case dErrors.HasCode(err, dErrors.CodeUnavailable):
		return s.failClosed(ctx, id.PersonID{}, "identity graph unavailable", err, start), nil
	case err != nil:
		return models.LookupResult{}, err
	}
	return s.IsExcluded(ctx, person)
}

// LookupByToken answers for the owner of a BST token. The token's own
// status does not matter: a rotated or compromised token still identifies
// its owner.
func (s *Service) LookupByToken(ctx context.Context, value string) (models.LookupResult, error) {
	if s.tokens == nil {
		return models.LookupResult{}, dErrors.New(dErrors.CodeInternal, "token lookups are not configured")
	}
	start := time.Now()
	res, err := s.tokens.Validate(ctx, value)
	switch {
	case dErrors.HasCode(err, dErrors.CodeUnavailable):
		return s.failClosed(ctx, id.PersonID{}, "token store unavailable", err, start), nil
	case err != nil:
		return models.LookupResult{}, err
	case res.OwnerID.IsNil():
		return models.LookupResult{}, dErrors.New(dErrors.CodeNotFound, "token not found")
	}
	return s.IsExcluded(ctx, res.OwnerID)
}

func (s *Service) Get(ctx context.Context, exclusionID id.ExclusionID) (*models.Record, error) {
	r, err := s.store.FindByID(ctx, exclusionID)
	if err != nil {
		return nil, s.translate(err)
	}
	return r, nil
}

// ListByPerson returns every record held by person or anyone merged with
// them, newest first.
func (s *Service) ListByPerson(ctx context.Context, person id.PersonID) ([]*models.Record, error) {
	members, err := s.graph.Members(ctx, person)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListByPersons(ctx, members)
	if err != nil {
		return nil, s.translate(err)
	}
	return records, nil
}

func (s *Service) invalidate(ctx context.Context, members []id.PersonID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, members...); err != nil {
		s.logger.WarnContext(ctx, "exclusion cache invalidation failed", "error", err)
	}
}

func (s *Service) translate(err error) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "exclusion not found")
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return dErrors.New(dErrors.CodeDuplicateExclusion, "person already holds a live exclusion")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "exclusion changed concurrently, retry")
	default:
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "exclusion store unavailable")
	}
}

func (s *Service) recordFailure() {
	if _, change := s.breaker.RecordFailure(); change.Opened {
		s.metrics.SetBreakerOpen(true)
		s.logger.Warn("exclusion store circuit opened")
	}
}

func (s *Service) recordSuccess() {
	if _, change := s.breaker.RecordSuccess(); change.Closed {
		s.metrics.SetBreakerOpen(false)
		s.logger.Info("exclusion store circuit closed")
	}
}
