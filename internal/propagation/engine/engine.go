// Package engine fans exclusion state changes out to operators and drives
// each delivery through retry, backoff and dead-letter handling.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"nser/internal/events"
	exclusion "nser/internal/exclusion/models"
	"nser/internal/operator"
	"nser/internal/propagation/metrics"
	"nser/internal/propagation/models"
	"nser/internal/propagation/webhook"
	"nser/internal/token/codec"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
	audit "nser/pkg/platform/audit"
	"nser/pkg/platform/sentinel"
	"nser/pkg/platform/tx"
)

// Store persists mappings and attempts. Update is a compare-and-swap on
// RowVersion and returns sentinel.ErrConflict on a lost race. ClaimDue
// marks the rows it returns as propagating.
type Store interface {
	Create(ctx context.Context, m *models.Mapping) error
	FindByID(ctx context.Context, mappingID id.MappingID) (*models.Mapping, error)
	FindByPair(ctx context.Context, exclusionID id.ExclusionID, operatorID id.OperatorID) (*models.Mapping, error)
	Update(ctx context.Context, m *models.Mapping, expected int64) error
	ListByExclusion(ctx context.Context, exclusionID id.ExclusionID) ([]*models.Mapping, error)
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Mapping, error)
	ListFailedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Mapping, error)
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Mapping, error)
	AppendAttempt(ctx context.Context, a models.Attempt) error
	ListAttempts(ctx context.Context, mappingID id.MappingID, limit int) ([]models.Attempt, error)
	ListAttemptsByExclusion(ctx context.Context, exclusionID id.ExclusionID) ([]models.Attempt, error)
}

type Operators interface {
	Active(ctx context.Context) ([]operator.Operator, error)
	Get(ctx context.Context, operatorID id.OperatorID) (operator.Operator, error)
}

// Exclusions reloads the current state of an exclusion before delivery.
type Exclusions interface {
	Get(ctx context.Context, exclusionID id.ExclusionID) (*exclusion.Record, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, op operator.Operator, p webhook.Payload) (webhook.Result, error)
}

// PersonRefs derives the opaque person reference operators receive.
type PersonRefs interface {
	OwnerRef(owner id.PersonID) codec.OwnerRef
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type IncidentNotifier interface {
	NotifyIncident(ctx context.Context, inc events.DeliveryIncident)
}

const (
	maxWriteAttempts    = 5
	defaultWorkers      = 16
	defaultBatchSize    = 64
	defaultPollInterval = 500 * time.Millisecond
	defaultBackoffBase  = 2 * time.Second
	defaultBackoffCap   = 10 * time.Minute
	defaultDeadGrace    = 24 * time.Hour
	defaultLease        = 30 * time.Second
	historyLimit        = 20
)

// Config tunes delivery. Zero fields take defaults.
type Config struct {
	Workers        int
	BatchSize      int
	PollInterval   time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	JitterFraction float64
	DeadGrace      time.Duration
	// Lease is how long a claim stays exclusive. It must exceed the longest
	// operator timeout.
	Lease time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = max(defaultBackoffCap, c.BackoffBase)
	}
	if c.JitterFraction < 0 || c.JitterFraction >= 1 {
		c.JitterFraction = 0
	}
	if c.DeadGrace <= 0 {
		c.DeadGrace = defaultDeadGrace
	}
	if c.Lease <= 0 {
		c.Lease = defaultLease
	}
}

// Engine is safe for concurrent use. Several engines may share one
// Postgres store; claims keep each row with a single worker.
type Engine struct {
	store      Store
	operators  Operators
	exclusions Exclusions
	refs       PersonRefs
	tx         tx.Runner
	deliverer  Deliverer
	publisher  events.Publisher
	audit      AuditPublisher
	notifier   IncidentNotifier
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	clock      func() time.Time
	jitter     func() float64
	cfg        Config
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithDeliverer replaces the webhook client.
func WithDeliverer(d Deliverer) Option {
	return func(e *Engine) {
		e.deliverer = d
	}
}

// WithPublisher forwards dead-delivery incidents. The outbox writer joins
// the transaction that declares the delivery dead.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(e *Engine) {
		e.audit = p
	}
}

func WithNotifier(n IncidentNotifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.clock = now
	}
}

// WithJitterSource supplies values in [0,1) for backoff jitter.
func WithJitterSource(f func() float64) Option {
	return func(e *Engine) {
		e.jitter = f
	}
}

func New(store Store, operators Operators, exclusions Exclusions, refs PersonRefs, runner tx.Runner, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		operators:  operators,
		exclusions: exclusions,
		refs:       refs,
		tx:         runner,
		logger:     slog.Default(),
		tracer:     otel.Tracer("nser/propagation"),
		clock:      time.Now,
		jitter:     rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg.applyDefaults()
	if e.deliverer == nil {
		e.deliverer = webhook.NewClient()
	}
	return e
}

var _ events.StateChangeHandler = (*Engine)(nil)

// HandleStateChange points every active operator's mapping for the
// exclusion at ev's version. It runs inside the transition's transaction,
// so a failure here rolls the transition back.
func (e *Engine) HandleStateChange(ctx context.Context, ev events.ExclusionStateChanged) error {
	ops, err := e.operators.Active(ctx)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := e.upsert(ctx, ev, op); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) upsert(ctx context.Context, ev events.ExclusionStateChanged, op operator.Operator) error {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		now := e.clock()
		m, err := e.store.FindByPair(ctx, ev.ExclusionID, op.ID)
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			err = e.store.Create(ctx, models.NewMapping(ev, op.ID, op.MaxAttempts, now))
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				continue
			}
			return e.translate(err)
		case err != nil:
			return e.translate(err)
		}
		expected := m.RowVersion
		if !m.Retarget(ev, now) {
			return nil
		}
		err = e.store.Update(ctx, m, expected)
		if errors.Is(err, sentinel.ErrConflict) {
			continue
		}
		return e.translate(err)
	}
	return dErrors.New(dErrors.CodeConflict, "operator mapping changed concurrently, retry")
}

// ProcessDue claims one batch of due mappings and delivers them on at most
// Workers goroutines. It returns how many it claimed. Delivery failures
// are recorded on the mappings, not returned.
func (e *Engine) ProcessDue(ctx context.Context) (int, error) {
	claimed, err := e.store.ClaimDue(ctx, e.clock(), e.cfg.BatchSize, e.cfg.Lease)
	if err != nil {
		return 0, e.translate(err)
	}
	e.metrics.AddClaimed(len(claimed))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, m := range claimed {
		g.Go(func() error {
			e.deliver(gctx, m)
			return nil
		})
	}
	return len(claimed), g.Wait()
}

// Run polls for due mappings until ctx is cancelled. A full batch is
// followed immediately by another poll.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := e.ProcessDue(ctx)
		if err != nil {
			e.logger.ErrorContext(ctx, "propagation dispatch failed", "error", err)
		}
		if err == nil && n == e.cfg.BatchSize {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// deliver makes one attempt at a claimed mapping.
func (e *Engine) deliver(ctx context.Context, m *models.Mapping) {
	e.metrics.DeliveryStarted()
	defer e.metrics.DeliveryFinished()
	ctx, span := e.tracer.Start(ctx, "propagation.deliver", trace.WithAttributes(
		attribute.String("operator_id", m.OperatorID.String()),
		attribute.String("exclusion_id", m.ExclusionID.String()),
		attribute.Int64("state_version", m.StateVersion),
	))
	defer span.End()

	rec, err := e.exclusions.Get(ctx, m.ExclusionID)
	if err != nil {
		e.logger.ErrorContext(ctx, "reload exclusion before delivery", "mapping_id", m.ID, "error", err)
		e.release(ctx, m)
		return
	}
	switch {
	case rec.Version > m.StateVersion:
		e.supersede(ctx, m, rec)
		return
	case rec.Version < m.StateVersion:
		// Exclusion read is behind the mapping; try again on the next poll.
		e.release(ctx, m)
		return
	}

	op, err := e.operators.Get(ctx, m.OperatorID)
	if err == nil && !op.Active {
		err = dErrors.New(dErrors.CodeNotFound, "operator is inactive")
	}
	var res webhook.Result
	started := e.clock()
	key := webhook.IdempotencyKey(m.ExclusionID, m.OperatorID, m.StateVersion)
	if err == nil {
		res, err = e.deliverer.Deliver(ctx, op, webhook.Payload{
			EventType:      m.EventType,
			ExclusionID:    m.ExclusionID,
			PersonRef:      e.refs.OwnerRef(rec.PersonID).String(),
			StateVersion:   m.StateVersion,
			OccurredAt:     rec.UpdatedAt,
			IdempotencyKey: key,
		})
	}
	finished := e.clock()

	outcome := models.OutcomeAcknowledged
	switch {
	case err != nil && res.TimedOut:
		outcome = models.OutcomeTimeout
	case err != nil:
		outcome = models.OutcomeRejected
	}
	e.metrics.ObserveDelivery(m.OperatorID.String(), string(outcome), finished.Sub(started))
	span.SetAttributes(attribute.String("outcome", string(outcome)))

	a := models.Attempt{
		ID:             uuid.New(),
		MappingID:      m.ID,
		ExclusionID:    m.ExclusionID,
		OperatorID:     m.OperatorID,
		StateVersion:   m.StateVersion,
		Attempt:        m.AttemptCount + 1,
		IdempotencyKey: key,
		StartedAt:      started,
		FinishedAt:     finished,
		HTTPStatus:     res.HTTPStatus,
		Outcome:        outcome,
	}
	if err != nil {
		a.Error = dErrors.MessageOf(err)
	}

	var after *models.Mapping
	late := false
	err = e.record(ctx, a, func(fresh *models.Mapping) bool {
		after = fresh
		late = !fresh.HoldsClaim(m)
		if late {
			// The lease lapsed and the row was reclaimed or settled meanwhile.
			return outcome == models.OutcomeAcknowledged && fresh.AcknowledgeLate(a.StateVersion, finished)
		}
		if outcome == models.OutcomeAcknowledged {
			fresh.Acknowledge(a.StateVersion, a.HTTPStatus, finished)
		} else {
			fresh.RecordFailure(a.StateVersion, a.HTTPStatus, a.Error, e.backoff(fresh.AttemptCount+1), finished)
		}
		return true
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "record delivery outcome", "mapping_id", m.ID, "error", err)
		return
	}
	if late {
		e.logger.WarnContext(ctx, "delivery outcome arrived after the claim lapsed",
			"mapping_id", m.ID, "operator_id", m.OperatorID, "state_version", a.StateVersion,
			"outcome", a.Outcome, "status", after.Status)
		return
	}
	e.delivered(ctx, a, after)
}

func (e *Engine) delivered(ctx context.Context, a models.Attempt, m *models.Mapping) {
	log := e.logger.With(
		"mapping_id", m.ID,
		"exclusion_id", m.ExclusionID,
		"operator_id", m.OperatorID,
		"state_version", a.StateVersion,
		"attempt", a.Attempt,
	)
	switch m.Status {
	case models.StatusCompleted:
		if latency, ok := m.Latency(); ok {
			e.metrics.ObserveAck(m.OperatorID.String(), latency)
		}
		log.InfoContext(ctx, "propagation acknowledged")
	case models.StatusFailed:
		log.ErrorContext(ctx, "propagation failed, retries exhausted",
			"http_status", a.HTTPStatus, "error", a.Error)
	case models.StatusPending:
		if a.StateVersion < m.StateVersion {
			log.InfoContext(ctx, "delivered version superseded, requeued", "outcome", a.Outcome)
			return
		}
		log.WarnContext(ctx, "propagation attempt failed, will retry",
			"http_status", a.HTTPStatus, "error", a.Error, "next_retry_at", m.NextRetryAt)
	}
}

// supersede abandons a claim whose version is no longer current. The
// mapping is pointed at rec's version if nothing else has done so.
func (e *Engine) supersede(ctx context.Context, m *models.Mapping, rec *exclusion.Record) {
	now := e.clock()
	a := models.Attempt{
		ID:             uuid.New(),
		MappingID:      m.ID,
		ExclusionID:    m.ExclusionID,
		OperatorID:     m.OperatorID,
		StateVersion:   m.StateVersion,
		Attempt:        m.AttemptCount + 1,
		IdempotencyKey: webhook.IdempotencyKey(m.ExclusionID, m.OperatorID, m.StateVersion),
		StartedAt:      now,
		FinishedAt:     now,
		Error:          "superseded by a newer state version",
		Outcome:        models.OutcomeSuperseded,
	}
	err := e.record(ctx, a, func(fresh *models.Mapping) bool {
		changed := false
		if fresh.StateVersion < rec.Version {
			changed = fresh.Retarget(rec.StateChange(rec.LatestEvent()), now)
		}
		if fresh.HoldsClaim(m) {
			fresh.Supersede(a.StateVersion, now)
			changed = true
		}
		return changed
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "abandon superseded delivery", "mapping_id", m.ID, "error", err)
		return
	}
	e.metrics.ObserveDelivery(m.OperatorID.String(), string(models.OutcomeSuperseded), 0)
	e.logger.InfoContext(ctx, "superseded delivery abandoned",
		"mapping_id", m.ID, "stale_version", m.StateVersion, "current_version", rec.Version)
}

// release hands a claim back without counting an attempt.
func (e *Engine) release(ctx context.Context, m *models.Mapping) {
	err := e.update(ctx, m.ID, func(fresh *models.Mapping) bool {
		if !fresh.HoldsClaim(m) {
			return false
		}
		fresh.Release(e.clock())
		return true
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "release propagation claim", "mapping_id", m.ID, "error", err)
	}
}

// record appends a and applies fn to the mapping in one transaction.
func (e *Engine) record(ctx context.Context, a models.Attempt, fn func(*models.Mapping) bool) error {
	ctx = tx.WithShardKey(ctx, a.ExclusionID.String())
	return e.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := e.store.AppendAttempt(ctx, a); err != nil {
			return e.translate(err)
		}
		return e.update(ctx, a.MappingID, fn)
	})
}

// update reloads mappingID, applies fn and writes with compare-and-swap,
// retrying lost races. fn returning false skips the write.
func (e *Engine) update(ctx context.Context, mappingID id.MappingID, fn func(*models.Mapping) bool) error {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		m, err := e.store.FindByID(ctx, mappingID)
		if err != nil {
			return e.translate(err)
		}
		expected := m.RowVersion
		if !fn(m) {
			return nil
		}
		err = e.store.Update(ctx, m, expected)
		if errors.Is(err, sentinel.ErrConflict) {
			continue
		}
		return e.translate(err)
	}
	return dErrors.New(dErrors.CodeConflict, "operator mapping changed concurrently, retry")
}

// backoff returns the delay before attempt n+1 after n failures:
// min(cap, base * 2^(n-1)) scaled by a random factor in [1-j, 1+j).
func (e *Engine) backoff(n int) time.Duration {
	d := float64(e.cfg.BackoffBase) * math.Pow(2, float64(max(n-1, 0)))
	d = math.Min(d, float64(e.cfg.BackoffCap))
	if j := e.cfg.JitterFraction; j > 0 {
		d *= 1 + j*(2*e.jitter()-1)
	}
	return time.Duration(d)
}

func (e *Engine) translate(err error) error {
	var de *dErrors.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "propagation not found")
	case errors.Is(err, sentinel.ErrConflict), errors.Is(err, sentinel.ErrAlreadyUsed):
		return dErrors.Wrap(err, dErrors.CodeConflict, "operator mapping changed concurrently, retry")
	default:
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "propagation store unavailable")
	}
}
