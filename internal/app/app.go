// Package app wires the bounded contexts into a running engine: storage
// backend selection, event publishing, caches, the propagation engine, the
// scheduler and the HTTP router.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"nser/internal/compliance"
	compliancehandler "nser/internal/compliance/handler"
	"nser/internal/events"
	exclusioncache "nser/internal/exclusion/cache"
	exclusionhandler "nser/internal/exclusion/handler"
	exclusionmetrics "nser/internal/exclusion/metrics"
	exclusion "nser/internal/exclusion/models"
	exclusionservice "nser/internal/exclusion/service"
	exclusionstore "nser/internal/exclusion/store"
	identityhandler "nser/internal/identity/handler"
	identitymetrics "nser/internal/identity/metrics"
	"nser/internal/identity/normalize"
	identityservice "nser/internal/identity/service"
	identitystore "nser/internal/identity/store"
	jwttoken "nser/internal/jwt_token"
	"nser/internal/notification"
	"nser/internal/operator"
	"nser/internal/outbox"
	"nser/internal/platform/config"
	"nser/internal/platform/kafka"
	"nser/internal/platform/metrics"
	"nser/internal/platform/postgres"
	"nser/internal/platform/redis"
	"nser/internal/propagation/engine"
	propagationhandler "nser/internal/propagation/handler"
	propagationmetrics "nser/internal/propagation/metrics"
	propagationstore "nser/internal/propagation/store"
	"nser/internal/scheduler"
	"nser/internal/token/codec"
	tokenhandler "nser/internal/token/handler"
	tokenmetrics "nser/internal/token/metrics"
	tokenservice "nser/internal/token/service"
	tokenstore "nser/internal/token/store"
	httptransport "nser/internal/transport/http"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
	audit "nser/pkg/platform/audit"
	auditpublisher "nser/pkg/platform/audit/publisher"
	auditcompliance "nser/pkg/platform/audit/publishers/compliance"
	auditmemory "nser/pkg/platform/audit/store/memory"
	auditpostgres "nser/pkg/platform/audit/store/postgres"
	"nser/pkg/platform/circuit"
	"nser/pkg/platform/sentinel"
	"nser/pkg/platform/tx"
)

const (
	opsAuditBuffer    = 4096
	notificationQueue = 1024
	breakerCooldown   = 5 * time.Second
)

// App holds the wired services. Build it with New, start background work
// with Run and release resources with Close.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Registry
	Router  http.Handler

	Tokens     *tokenservice.Service
	Identity   *identityservice.Service
	Exclusions *exclusionservice.Service
	Engine     *engine.Engine
	Compliance *compliance.Aggregator
	Scheduler  *scheduler.Scheduler
	Relay      *outbox.Relay
	Notifier   *notification.Dispatcher

	closers []func()
}

type stores struct {
	db          *sql.DB
	runner      tx.Runner
	tokens      tokenservice.Store
	identity    identityservice.Store
	exclusions  exclusionStore
	propagation propagationStore
	outbox      outbox.Store
	audit       audit.Store
}

// exclusionStore is the ledger store plus the live-exclusion query the
// identity graph uses to refuse merges.
type exclusionStore interface {
	exclusionservice.Store
	identityservice.ExclusionLookup
}

// propagationStore serves both the engine and the compliance projection.
type propagationStore interface {
	engine.Store
	compliance.MappingSource
}

// New builds the application from cfg. An empty database URL runs every
// store in memory.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}
	var checks []httptransport.HealthCheck
	if st.db != nil {
		checks = append(checks, postgres.NewReadinessChecker(st.db))
	}

	registry, err := loadOperators(cfg)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "operator registry loaded", "file", cfg.OperatorsFile)

	publisher, producer, err := a.eventPublisher(ctx, st)
	if err != nil {
		return nil, err
	}
	if producer != nil {
		checks = append(checks, checkFunc{name: producer.Name(), fn: producer.Health})
	}

	complianceAudit := auditcompliance.New(st.audit,
		auditcompliance.WithLogger(logger),
		auditcompliance.WithMetrics(auditcompliance.NewMetrics(a.Metrics)))
	opsAudit := auditpublisher.NewPublisher(st.audit,
		auditpublisher.WithAsyncBuffer(opsAuditBuffer),
		auditpublisher.WithLogger(logger))
	a.closers = append(a.closers, opsAudit.Close)

	a.Notifier = notification.NewDispatcher(notification.NewLogSink(logger),
		notification.WithLogger(logger),
		notification.WithQueueSize(notificationQueue))
	a.closers = append(a.closers, a.Notifier.Close)

	tokenCodec, err := codec.New(cfg.Token.HashKey, codec.WithScheme(codec.Scheme(cfg.Token.Scheme)))
	if err != nil {
		return nil, err
	}
	a.Tokens = tokenservice.New(st.tokens, tokenCodec, st.runner,
		tokenservice.WithLogger(logger),
		tokenservice.WithMetrics(tokenmetrics.New(a.Metrics)),
		tokenservice.WithAuditPublisher(complianceAudit),
		tokenservice.WithBreaker(circuit.New("token-store", circuit.WithCooldown(breakerCooldown))),
		tokenservice.WithTTL(cfg.Token.TTL),
		tokenservice.WithValidateTimeout(cfg.Token.ValidateTimeout),
		tokenservice.WithCache(cfg.Token.CacheSize, cfg.Token.CacheStaleness))

	hasher, err := normalize.NewHasher(cfg.Identity.HashKey)
	if err != nil {
		return nil, err
	}
	a.Identity = identityservice.New(st.identity, st.runner, hasher,
		identityservice.WithLogger(logger),
		identityservice.WithMetrics(identitymetrics.New(a.Metrics)),
		identityservice.WithAuditPublisher(complianceAudit),
		identityservice.WithExclusionLookup(st.exclusions),
		identityservice.WithDuplicateThreshold(cfg.Identity.DuplicateThreshold))

	p := cfg.Propagation
	a.Engine = engine.New(st.propagation, registry, ledgerReader{store: st.exclusions}, tokenCodec, st.runner,
		engine.WithLogger(logger),
		engine.WithMetrics(propagationmetrics.New(a.Metrics)),
		engine.WithConfig(engine.Config{
			Workers:        p.Workers,
			BatchSize:      p.BatchSize,
			PollInterval:   p.PollInterval,
			BackoffBase:    p.BackoffBase,
			BackoffCap:     p.BackoffCap,
			JitterFraction: p.JitterFraction,
			DeadGrace:      p.DeadGrace,
		}),
		engine.WithPublisher(publisher),
		engine.WithAuditPublisher(complianceAudit),
		engine.WithNotifier(a.Notifier))

	exclusionOpts := []exclusionservice.Option{
		exclusionservice.WithLogger(logger),
		exclusionservice.WithMetrics(exclusionmetrics.New(a.Metrics)),
		exclusionservice.WithAuditPublisher(complianceAudit),
		exclusionservice.WithOperationsAuditPublisher(opsAudit),
		exclusionservice.WithTokenValidator(a.Tokens),
		exclusionservice.WithBreaker(circuit.New("exclusion-store", circuit.WithCooldown(breakerCooldown))),
		exclusionservice.WithStateChangeHandler(a.Engine),
		exclusionservice.WithPublisher(publisher),
		exclusionservice.WithNotifier(a.Notifier),
		exclusionservice.WithLookupTimeout(cfg.Exclusion.LookupTimeout),
	}
	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		a.closers = append(a.closers, func() { _ = rc.Close() })
		checks = append(checks, checkFunc{name: "redis", fn: rc.Health})
		exclusionOpts = append(exclusionOpts,
			exclusionservice.WithLookupCache(exclusioncache.NewRedis(rc.Client, cfg.Exclusion.CacheStaleness)))
	}
	a.Exclusions = exclusionservice.New(st.exclusions, a.Identity, st.runner, exclusionOpts...)

	a.Compliance = compliance.New(st.propagation, registry,
		compliance.WithLatencyTarget(p.LatencyTarget),
		compliance.WithLogger(logger),
		compliance.WithMetrics(compliance.NewMetrics(a.Metrics)))

	a.Scheduler = scheduler.New(logger, scheduler.NewMetrics(a.Metrics), a.jobs()...)

	tokens := tokenhandler.New(a.Tokens, logger)
	exclusions := exclusionhandler.New(a.Exclusions, logger)
	identity := identityhandler.New(a.Identity, logger)
	propagation := propagationhandler.New(a.Engine, logger)
	scores := compliancehandler.New(a.Compliance, logger)
	a.Router = httptransport.NewRouter(httptransport.Deps{
		Logger:    logger,
		Validator: jwttoken.NewAdapter(jwttoken.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.Issuer)),
		Metrics:   a.Metrics.Handler(),
		Checks:    checks,
		Routes:    []httptransport.Registrar{tokens, exclusions, identity, propagation, scores},
		Admin:     []httptransport.AdminRegistrar{exclusions, identity, propagation},
	})

	ok = true
	return a, nil
}

func (a *App) openStores(ctx context.Context) (*stores, error) {
	cfg := a.Config.Database
	if cfg.URL == "" {
		a.Logger.WarnContext(ctx, "no database configured, running in-memory stores")
		return &stores{
			runner:      tx.NewShardedRunner(),
			tokens:      tokenstore.NewInMemory(),
			identity:    identitystore.NewInMemory(),
			exclusions:  exclusionstore.NewInMemory(),
			propagation: propagationstore.NewInMemory(),
			outbox:      outbox.NewInMemoryStore(),
			audit:       auditmemory.NewInMemoryStore(),
		}, nil
	}
	if cfg.AutoMigrate {
		if err := postgres.Migrate(cfg.URL, a.Logger); err != nil {
			return nil, err
		}
	}
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = db.Close() })
	return &stores{
		db:          db,
		runner:      tx.NewSQLRunner(db),
		tokens:      tokenstore.NewPostgres(db),
		identity:    identitystore.NewPostgres(db),
		exclusions:  exclusionstore.NewPostgres(db),
		propagation: propagationstore.NewPostgres(db),
		outbox:      outbox.NewPostgres(db),
		audit:       auditpostgres.New(db),
	}, nil
}

// eventPublisher returns the outbox writer when brokers are configured and
// the log publisher otherwise.
func (a *App) eventPublisher(ctx context.Context, st *stores) (events.Publisher, *kafka.Producer, error) {
	producer, err := kafka.NewProducer(ctx, a.Config.Kafka, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	if producer == nil {
		return events.NewLogPublisher(a.Logger), nil, nil
	}
	a.closers = append(a.closers, producer.Close)
	a.Relay = outbox.NewRelay(st.outbox, producer, st.runner, a.Logger)
	return outbox.NewWriter(st.outbox, outbox.Topics{
		StateChanges: a.Config.Kafka.StateTopic,
		Incidents:    a.Config.Kafka.IncidentTopic,
	}), producer, nil
}

func loadOperators(cfg *config.Config) (*operator.Registry, error) {
	defaults := operator.Defaults{
		Timeout:     cfg.Propagation.DefaultTimeout,
		MaxAttempts: cfg.Propagation.MaxAttempts,
	}
	if cfg.OperatorsFile == "" {
		return operator.NewRegistry(defaults)
	}
	return operator.LoadFile(cfg.OperatorsFile, defaults)
}

// jobs lists the periodic maintenance work. Intervals come from config; a
// zero interval disables the job.
func (a *App) jobs() []scheduler.Job {
	s := a.Config.Scheduler
	return []scheduler.Job{
		{Name: "exclusion-sweep", Interval: s.SweepInterval, Run: a.SweepExclusions},
		{Name: "dead-sweep", Interval: s.DeadSweepInterval, Run: a.Engine.SweepDead},
		{Name: "duplicate-scan", Interval: s.DuplicateInterval, Run: a.DetectDuplicates},
	}
}

// SweepExclusions applies due activations and expiries, reporting how many
// records changed.
func (a *App) SweepExclusions(ctx context.Context) (int, error) {
	res, err := a.Exclusions.Sweep(ctx)
	if res.Failed > 0 {
		a.Logger.WarnContext(ctx, "exclusion sweep skipped records", "failed", res.Failed)
	}
	return res.Activated + res.Expired + res.Renewed, err
}

// DetectDuplicates flags likely duplicate persons, reporting how many
// candidates it found.
func (a *App) DetectDuplicates(ctx context.Context) (int, error) {
	candidates, err := a.Identity.DetectDuplicates(ctx)
	return len(candidates), err
}

// Run drives the background work until ctx is cancelled: the propagation
// dispatcher, the scheduler and, with brokers configured, the outbox relay.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Engine.Run(ctx) })
	g.Go(func() error { return a.Scheduler.Run(ctx) })
	if a.Relay != nil {
		g.Go(func() error { return a.Relay.Run(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ledgerReader gives the propagation engine read access to exclusion
// records with domain errors.
type ledgerReader struct {
	store exclusionservice.Store
}

func (r ledgerReader) Get(ctx context.Context, exclusionID id.ExclusionID) (*exclusion.Record, error) {
	rec, err := r.store.FindByID(ctx, exclusionID)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return nil, dErrors.New(dErrors.CodeNotFound, "exclusion not found")
	case err != nil:
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, fmt.Sprintf("load exclusion %s", exclusionID))
	}
	return rec, nil
}

type checkFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (c checkFunc) Name() string                    { return c.name }
func (c checkFunc) Check(ctx context.Context) error { return c.fn(ctx) }
