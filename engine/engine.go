// Package engine wires all neoqueue subsystems together. It creates the
// extension registry, job registry, batch coordinator, lock manager,
// middleware chain, dispatcher, scheduler and worker pools on top of one
// store.
//
// This package exists to break the import cycle: the subsystem packages
// depend on the root neoqueue package for errors and configuration, so the
// root cannot import them back. The engine package sits above all subsystem
// packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/neonextechnologies/neoqueue"
	amqphook "github.com/neonextechnologies/neoqueue/amqp_hook"
	"github.com/neonextechnologies/neoqueue/backoff"
	"github.com/neonextechnologies/neoqueue/batch"
	"github.com/neonextechnologies/neoqueue/dispatcher"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/ext"
	"github.com/neonextechnologies/neoqueue/failed"
	"github.com/neonextechnologies/neoqueue/job"
	"github.com/neonextechnologies/neoqueue/lock"
	mw "github.com/neonextechnologies/neoqueue/middleware"
	"github.com/neonextechnologies/neoqueue/observability"
	"github.com/neonextechnologies/neoqueue/queue"
	"github.com/neonextechnologies/neoqueue/schedule"
	"github.com/neonextechnologies/neoqueue/store"
	"github.com/neonextechnologies/neoqueue/store/memory"
	"github.com/neonextechnologies/neoqueue/store/postgres"
	"github.com/neonextechnologies/neoqueue/store/redis"
	"github.com/neonextechnologies/neoqueue/store/sqlite"
	"github.com/neonextechnologies/neoqueue/worker"
)

const instrumentationName = "github.com/neonextechnologies/neoqueue"

// Engine holds the wired subsystems for one store.
// Use Build() or Open() to create one.
type Engine struct {
	store      store.Store
	owned      bool
	exts       []ext.Extension
	extensions *ext.Registry
	registry   *job.Registry
	callbacks  *batch.Callbacks
	batches    *batch.Coordinator
	dispatcher *dispatcher.Dispatcher
	failed     *failed.Service
	locks      *lock.Manager
	refs       *mw.Registry
	limiters   *mw.Limiters
	bo         backoff.Strategy
	mws        []mw.Middleware
	logger     *slog.Logger

	// Schedule subsystem.
	scheduler    *schedule.Scheduler
	scheduleOpts []schedule.Option

	// Queue subsystem.
	queueConfigs []queue.Config
	queueManager *queue.Manager

	// Metrics extension registerer (optional; nil disables it).
	metricsRegisterer prometheus.Registerer
	metrics           *observability.MetricsExtension

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.exts = append(eng.exts, e)
	}
}

// WithMiddleware adds middleware to the worker chain, after the defaults.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry delay for envelopes that carry no Backoff.
// If not set, failed attempts are released immediately.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithQueueConfig registers queue-level rate limiting and concurrency
// configurations. Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithLogger sets the logger shared by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) {
		eng.logger = l
	}
}

// WithScheduleOptions configures the scheduler.
func WithScheduleOptions(opts ...schedule.Option) Option {
	return func(eng *Engine) {
		eng.scheduleOpts = append(eng.scheduleOpts, opts...)
	}
}

// WithMetricsRegisterer registers the Prometheus metrics extension with
// reg. Pass prometheus.DefaultRegisterer to expose it through promhttp.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(eng *Engine) {
		eng.metricsRegisterer = reg
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, the metrics middleware uses this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build wires an Engine on top of s. The caller keeps ownership of s.
func Build(s store.Store, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, neoqueue.ErrNoStore
	}

	eng := &Engine{
		store:     s,
		registry:  job.NewRegistry(),
		callbacks: batch.NewCallbacks(),
		refs:      mw.NewRegistry(),
		limiters:  mw.NewLimiters(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	logger := eng.logger

	eng.extensions = ext.NewRegistry(logger)
	for _, e := range eng.exts {
		eng.extensions.Register(e)
	}

	if eng.bo == nil {
		eng.bo = backoff.None()
	}

	if eng.metricsRegisterer != nil {
		eng.metrics = observability.NewMetricsExtensionWithRegisterer(eng.metricsRegisterer)
		eng.extensions.Register(eng.metrics)
	}

	eng.locks = lock.NewManager(s)
	eng.batches = batch.NewCoordinator(s, eng.callbacks, eng.extensions, logger)
	eng.failed = failed.NewService(s, s, logger)

	// Named middleware resolved per envelope at execution time.
	eng.refs.Register(mw.NameWithoutOverlapping, mw.OverlapFactory(eng.locks, logger))
	eng.refs.Register(mw.NameRateLimit, eng.limiters.Factory())

	eng.dispatcher = dispatcher.New(s, eng.registry,
		dispatcher.WithBatches(eng.batches),
		dispatcher.WithExtensions(eng.extensions),
		dispatcher.WithLogger(logger),
	)

	if len(eng.queueConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
	}

	schedOpts := append([]schedule.Option{
		schedule.WithEmitter(eng.extensions),
		schedule.WithLogger(logger),
	}, eng.scheduleOpts...)
	eng.scheduler = schedule.NewScheduler(eng.dispatcher, eng.locks, schedOpts...)

	return eng, nil
}

// Open builds the store for the named connection of cfg, runs its
// migrations and wires an Engine on top. The engine owns the store; call
// Close to release it. When cfg.AMQPURL is set the AMQP lifecycle hook is
// connected and registered.
func Open(ctx context.Context, cfg neoqueue.Config, name string, opts ...Option) (*Engine, error) {
	conn, err := cfg.Connection(name)
	if err != nil {
		return nil, err
	}

	// Options only record settings, so applying them twice is harmless.
	probe := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(probe)
	}

	s, err := OpenStore(ctx, conn, probe.logger)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	if cfg.AMQPURL != "" {
		hook, err := amqphook.Dial(ctx, cfg.AMQPURL, amqphook.WithLogger(probe.logger))
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		opts = append(opts, WithExtension(hook))
	}

	eng, err := Build(s, opts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	eng.owned = true
	return eng, nil
}

// OpenStore builds the store for one connection.
func OpenStore(ctx context.Context, conn neoqueue.ConnectionConfig, logger *slog.Logger) (store.Store, error) {
	codec := envelope.GetCodec(conn.Codec)
	switch conn.Driver {
	case neoqueue.DriverMemory:
		return memory.New(), nil
	case neoqueue.DriverRedis:
		return redis.Open(ctx, conn.DSN, redis.WithLogger(logger), redis.WithCodec(codec))
	case neoqueue.DriverPostgres:
		return postgres.New(ctx, conn.DSN, postgres.WithLogger(logger), postgres.WithCodec(codec))
	case neoqueue.DriverSQLite:
		return sqlite.Open(ctx, conn.DSN, sqlite.WithLogger(logger), sqlite.WithCodec(codec))
	default:
		return nil, fmt.Errorf("%w: %q", neoqueue.ErrUnknownDriver, conn.Driver)
	}
}

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// RegisterCallback registers a named batch callback.
func (eng *Engine) RegisterCallback(name string, fn batch.CallbackFunc) {
	eng.callbacks.Register(name, fn)
}

// RegisterMiddleware registers a named middleware factory that envelopes
// can reference.
func (eng *Engine) RegisterMiddleware(name string, f mw.Factory) {
	eng.refs.Register(name, f)
}

// Schedule registers a recurring task.
func (eng *Engine) Schedule(t *schedule.Task) error {
	return eng.scheduler.Register(t)
}

// Dispatch enqueues cmd through the engine's dispatcher.
func (eng *Engine) Dispatch(ctx context.Context, cmd job.Command, opts ...envelope.Option) (*envelope.Envelope, error) {
	return eng.dispatcher.Dispatch(ctx, cmd, opts...)
}

// NewExecutor creates an executor with the default middleware stack:
// recover → tracing → metrics → logging → timeout → user middleware.
func (eng *Engine) NewExecutor() *worker.Executor {
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	defaultMws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Timeout(eng.logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	return worker.NewExecutor(eng.store, eng.registry,
		worker.WithMiddleware(allMws...),
		worker.WithMiddlewareRegistry(eng.refs),
		worker.WithBatches(eng.batches),
		worker.WithExtensions(eng.extensions),
		worker.WithDefaultBackoff(eng.bo),
		worker.WithExecutorLogger(eng.logger),
	)
}

// NewPool creates a worker pool over the engine's store. The queue manager,
// when configured, is applied before opts.
func (eng *Engine) NewPool(opts ...worker.PoolOption) *worker.Pool {
	var poolOpts []worker.PoolOption
	if eng.queueManager != nil {
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.queueManager))
	}
	poolOpts = append(poolOpts, opts...)
	return worker.NewPool(eng.store, eng.NewExecutor(), eng.extensions, eng.logger, poolOpts...)
}

// Work runs a worker pool, and the scheduler when tasks are registered,
// until ctx is cancelled or the pool stops on its own. In-flight jobs get
// shutdownTimeout to finish.
func (eng *Engine) Work(ctx context.Context, shutdownTimeout time.Duration, opts ...worker.PoolOption) error {
	pool := eng.NewPool(opts...)

	scheduling := len(eng.scheduler.Tasks()) > 0
	if scheduling {
		if err := eng.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	err := pool.Run(ctx, shutdownTimeout)

	if scheduling {
		if stopErr := eng.scheduler.Stop(ctx); stopErr != nil {
			eng.logger.Error("scheduler stop error", slog.String("error", stopErr.Error()))
		}
	}
	return err
}

// Close releases the store when the engine opened it.
func (eng *Engine) Close() error {
	if !eng.owned {
		return nil
	}
	return eng.store.Close()
}

// WorkerOptions translates worker configuration into pool options.
func WorkerOptions(cfg neoqueue.WorkerConfig) []worker.PoolOption {
	opts := []worker.PoolOption{
		worker.WithPoolQueues(cfg.Queues...),
		worker.WithPoolConcurrency(cfg.Concurrency),
		worker.WithVisibility(cfg.VisibilityTimeout),
	}
	if cfg.Sleep > 0 {
		opts = append(opts, worker.WithSleep(cfg.Sleep))
	}
	if cfg.Tries > 0 {
		opts = append(opts, worker.WithTries(cfg.Tries))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, worker.WithTimeout(cfg.Timeout))
	}
	return opts
}

// Store returns the underlying store.
func (eng *Engine) Store() store.Store { return eng.store }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Dispatcher returns the dispatcher.
func (eng *Engine) Dispatcher() *dispatcher.Dispatcher { return eng.dispatcher }

// Batches returns the batch coordinator.
func (eng *Engine) Batches() *batch.Coordinator { return eng.batches }

// Failed returns the failed-job service for retry and inspection.
func (eng *Engine) Failed() *failed.Service { return eng.failed }

// Locks returns the lock manager.
func (eng *Engine) Locks() *lock.Manager { return eng.locks }

// Scheduler returns the task scheduler.
func (eng *Engine) Scheduler() *schedule.Scheduler { return eng.scheduler }

// Middleware returns the named middleware registry.
func (eng *Engine) Middleware() *mw.Registry { return eng.refs }

// Metrics returns the Prometheus extension, or nil if no registerer was
// configured.
func (eng *Engine) Metrics() *observability.MetricsExtension { return eng.metrics }

// QueueManager returns the queue manager, or nil if no queue configs
// were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }
