// Package service issues, validates and retires BST tokens.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"nser/internal/token/codec"
	"nser/internal/token/metrics"
	"nser/internal/token/models"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
	audit "nser/pkg/platform/audit"
	"nser/pkg/platform/circuit"
	"nser/pkg/platform/sentinel"
	"nser/pkg/platform/tx"
	"nser/pkg/requestcontext"
)

// Store persists tokens. Update is a compare-and-swap on RowVersion and
// returns sentinel.ErrConflict when another writer got there first.
type Store interface {
	Create(ctx context.Context, t *models.Token) error
	FindByID(ctx context.Context, tokenID id.TokenID) (*models.Token, error)
	FindByValue(ctx context.Context, value string) (*models.Token, error)
	FindActiveByOwner(ctx context.Context, owner id.PersonID) (*models.Token, error)
	ListByOwner(ctx context.Context, owner id.PersonID) ([]*models.Token, error)
	MaxVersion(ctx context.Context, owner id.PersonID) (uint32, error)
	Update(ctx context.Context, t *models.Token, expected int64) error
}

// AuditPublisher records token lifecycle events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

const (
	defaultValidateTimeout = 20 * time.Millisecond
	defaultCacheSize       = 100_000
	defaultCacheStaleness  = time.Second
	maxWriteAttempts       = 5
)

// Service implements the token lifecycle.
type Service struct {
	store   Store
	codec   *codec.Codec
	tx      tx.Runner
	breaker *circuit.Breaker
	cache   *expirable.LRU[string, models.ValidationResult]
	audit   AuditPublisher
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	ttl             time.Duration
	validateTimeout time.Duration
	cacheSize       int
	cacheStaleness  time.Duration
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

func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Service) {
		s.breaker = b
	}
}

// WithTTL bounds each issued token's validity. Zero means tokens do not
// expire on their own.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		s.ttl = d
	}
}

func WithValidateTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.validateTimeout = d
		}
	}
}

// WithCache sizes the positive-result validation cache. A zero staleness
// disables it.
func WithCache(size int, staleness time.Duration) Option {
	return func(s *Service) {
		s.cacheSize = size
		s.cacheStaleness = staleness
	}
}

func New(store Store, c *codec.Codec, runner tx.Runner, opts ...Option) *Service {
	s := &Service{
		store:           store,
		codec:           c,
		tx:              runner,
		logger:          slog.Default(),
		tracer:          otel.Tracer("nser/token"),
		validateTimeout: defaultValidateTimeout,
		cacheSize:       defaultCacheSize,
		cacheStaleness:  defaultCacheStaleness,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.breaker == nil {
		s.breaker = circuit.New("token-store")
	}
	if s.cacheSize > 0 && s.cacheStaleness > 0 {
		s.cache = expirable.NewLRU[string, models.ValidationResult](s.cacheSize, nil, s.cacheStaleness)
	}
	return s
}

// Issue creates a new active token for owner. Any prior active token is
// marked rotated in the same transaction.
func (s *Service) Issue(ctx context.Context, owner id.PersonID) (*models.Token, error) {
	if owner.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "owner id is required")
	}
	tok, err := s.withRetry(ctx, owner, func(ctx context.Context) (*models.Token, error) {
		return s.issueLocked(ctx, owner, nil)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementIssued("issue")
	s.emitAudit(ctx, audit.EventTokenIssued, tok)
	s.logger.InfoContext(ctx, "token issued",
		"token_id", tok.ID,
		"owner_id", tok.OwnerID,
		"version", tok.Version,
	)
	return tok, nil
}

// Rotate replaces the active token tokenID with a new generation.
func (s *Service) Rotate(ctx context.Context, tokenID id.TokenID) (*models.Token, error) {
	current, err := s.load(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if !current.CanTransition(models.StatusRotated) {
		return nil, dErrors.New(dErrors.CodeInvalidTransition,
			"cannot move token from "+string(current.Status)+" to "+string(models.StatusRotated))
	}
	tok, err := s.withRetry(ctx, current.OwnerID, func(ctx context.Context) (*models.Token, error) {
		return s.issueLocked(ctx, current.OwnerID, &tokenID)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementIssued("rotate")
	s.emitAudit(ctx, audit.EventTokenRotated, tok)
	s.logger.InfoContext(ctx, "token rotated",
		"token_id", tokenID,
		"replacement_id", tok.ID,
		"owner_id", tok.OwnerID,
	)
	return tok, nil
}

// MarkCompromised retires tokenID permanently.
func (s *Service) MarkCompromised(ctx context.Context, tokenID id.TokenID) (*models.Token, error) {
	return s.retire(ctx, tokenID, models.StatusCompromised, audit.EventTokenCompromised)
}

// Deactivate retires an active tokenID permanently.
func (s *Service) Deactivate(ctx context.Context, tokenID id.TokenID) (*models.Token, error) {
	return s.retire(ctx, tokenID, models.StatusDeactivated, audit.EventTokenDeactivated)
}

func (s *Service) Get(ctx context.Context, tokenID id.TokenID) (*models.Token, error) {
	return s.load(ctx, tokenID)
}

// ListByOwner returns the owner's token chain, newest first.
func (s *Service) ListByOwner(ctx context.Context, owner id.PersonID) ([]*models.Token, error) {
	tokens, err := s.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "token store unavailable")
	}
	return tokens, nil
}

// Validate answers whether value is a live token and who owns it. Only the
// token lookup runs on this path, under validateTimeout and the breaker.
func (s *Service) Validate(ctx context.Context, value string) (models.ValidationResult, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "token.validate")
	defer span.End()

	decoded, err := s.codec.Decode(value)
	if err != nil {
		s.metrics.ObserveValidate("malformed", time.Since(start))
		return models.ValidationResult{}, err
	}

	if s.cache != nil {
		if res, ok := s.cache.Get(value); ok {
			s.metrics.CacheHit()
			s.metrics.ObserveValidate("ok", time.Since(start))
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return res, nil
		}
		s.metrics.CacheMiss()
	}

	if !s.breaker.Allow() {
		s.metrics.ObserveValidate("unavailable", time.Since(start))
		return models.ValidationResult{}, dErrors.New(dErrors.CodeUnavailable, "token store unavailable")
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.validateTimeout)
	tok, err := s.store.FindByValue(lookupCtx, value)
	cancel()

	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		s.recordFailure()
		s.metrics.ObserveValidate("unavailable", time.Since(start))
		s.logger.WarnContext(ctx, "token lookup failed", "error", err)
		return models.ValidationResult{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "token store unavailable")
	}
	s.recordSuccess()

	res := s.evaluate(ctx, decoded, tok)
	outcome := res.Reason
	if outcome == models.ReasonOK {
		outcome = string(res.Status)
	}
	s.metrics.ObserveValidate(outcome, time.Since(start))
	if res.Valid && s.cache != nil {
		s.cache.Add(value, res)
	}
	return res, nil
}

func (s *Service) evaluate(ctx context.Context, decoded codec.Decoded, tok *models.Token) models.ValidationResult {
	if tok == nil {
		return models.ValidationResult{Reason: models.ReasonNotFound}
	}
	res := models.ValidationResult{
		OwnerID: tok.OwnerID,
		TokenID: tok.ID,
		Status:  tok.Status,
	}
	if !s.codec.BelongsTo(decoded, tok.OwnerID) {
		s.logger.ErrorContext(ctx, "token owner reference mismatch", "token_id", tok.ID)
		return models.ValidationResult{TokenID: tok.ID, Status: tok.Status, Reason: models.ReasonOwnerMismatch}
	}
	if tok.IsExpired(requestcontext.Now(ctx)) {
		res.Reason = models.ReasonExpired
		return res
	}
	res.Valid = tok.Status == models.StatusActive
	return res
}

// issueLocked creates the next generation for owner. When replacing is set,
// that exact token must still be the active one.
func (s *Service) issueLocked(ctx context.Context, owner id.PersonID, replacing *id.TokenID) (*models.Token, error) {
	now := requestcontext.Now(ctx)

	prior, err := s.store.FindActiveByOwner(ctx, owner)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		prior = nil
	case err != nil:
		return nil, err
	}
	if replacing != nil && (prior == nil || prior.ID != *replacing) {
		return nil, dErrors.New(dErrors.CodeInvalidTransition, "token is no longer active")
	}

	maxVersion, err := s.store.MaxVersion(ctx, owner)
	if err != nil {
		return nil, err
	}
	value, err := s.codec.Encode(owner, maxVersion+1)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode token")
	}
	tok, err := models.NewToken(id.NewTokenID(), value, owner, maxVersion+1, now, s.ttl)
	if err != nil {
		return nil, err
	}

	if prior != nil {
		expected := prior.RowVersion
		if err := prior.Transition(models.StatusRotated, now); err != nil {
			return nil, err
		}
		if err := s.store.Update(ctx, prior, expected); err != nil {
			return nil, err
		}
		s.invalidate(prior.Value)
		tok.RotationOf = &prior.ID
	}
	if err := s.store.Create(ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

func (s *Service) retire(ctx context.Context, tokenID id.TokenID, to models.Status, action audit.AuditEvent) (*models.Token, error) {
	var tok *models.Token
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		current, err := s.load(ctx, tokenID)
		if err != nil {
			return nil, err
		}
		expected := current.RowVersion
		if err := current.Transition(to, requestcontext.Now(ctx)); err != nil {
			return nil, err
		}
		err = s.store.Update(ctx, current, expected)
		if errors.Is(err, sentinel.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, s.translate(err)
		}
		tok = current
		break
	}
	if tok == nil {
		return nil, dErrors.New(dErrors.CodeConflict, "token changed concurrently, retry")
	}
	s.invalidate(tok.Value)
	s.metrics.IncrementTransition(string(to))
	s.emitAudit(ctx, action, tok)
	s.logger.InfoContext(ctx, "token retired",
		"token_id", tok.ID,
		"status", tok.Status,
	)
	return tok, nil
}

// withRetry runs fn in a transaction serialized on owner, retrying when a
// concurrent writer won the compare-and-swap or the uniqueness race.
func (s *Service) withRetry(ctx context.Context, owner id.PersonID, fn func(ctx context.Context) (*models.Token, error)) (*models.Token, error) {
	ctx = tx.WithShardKey(ctx, owner.String())
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		var tok *models.Token
		err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
			var err error
			tok, err = fn(ctx)
			return err
		})
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, sentinel.ErrConflict) && !errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil, s.translate(err)
		}
		lastErr = err
		s.logger.DebugContext(ctx, "token write conflict, retrying", "owner_id", owner, "attempt", attempt+1)
	}
	return nil, dErrors.Wrap(lastErr, dErrors.CodeConflict, "token changed concurrently, retry")
}

func (s *Service) load(ctx context.Context, tokenID id.TokenID) (*models.Token, error) {
	tok, err := s.store.FindByID(ctx, tokenID)
	if err != nil {
		return nil, s.translate(err)
	}
	return tok, nil
}

func (s *Service) translate(err error) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "token not found")
	case errors.Is(err, sentinel.ErrConflict), errors.Is(err, sentinel.ErrAlreadyUsed):
		return dErrors.Wrap(err, dErrors.CodeConflict, "token changed concurrently, retry")
	default:
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "token store unavailable")
	}
}

func (s *Service) invalidate(value string) {
	if s.cache != nil {
		s.cache.Remove(value)
	}
}

func (s *Service) recordFailure() {
	if _, change := s.breaker.RecordFailure(); change.Opened {
		s.metrics.SetBreakerOpen(true)
		s.logger.Warn("token store circuit opened")
	}
}

func (s *Service) recordSuccess() {
	if _, change := s.breaker.RecordSuccess(); change.Closed {
		s.metrics.SetBreakerOpen(false)
		s.logger.Info("token store circuit closed")
	}
}

func (s *Service) emitAudit(ctx context.Context, action audit.AuditEvent, tok *models.Token) {
	if s.audit == nil {
		return
	}
	err := s.audit.Emit(ctx, audit.Event{
		PersonID: tok.OwnerID,
		Subject:  tok.ID.String(),
		Action:   string(action),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to emit token audit event", "action", action, "error", err)
	}
}
