// Package worker provides the job execution engine: an Executor that runs
// one reserved envelope through middleware and its handler and settles it
// against the backend, and a Pool that runs concurrent polling loops.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/backend"
	"github.com/neonextechnologies/neoqueue/backoff"
	"github.com/neonextechnologies/neoqueue/batch"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/ext"
	"github.com/neonextechnologies/neoqueue/job"
	"github.com/neonextechnologies/neoqueue/middleware"
)

// Outcome is how an execution settled.
type Outcome int

const (
	// OutcomeAcked means the handler succeeded and the envelope was removed.
	OutcomeAcked Outcome = iota
	// OutcomeReleased means the envelope went back to its queue.
	OutcomeReleased
	// OutcomeFailed means the envelope moved to the failed-job store.
	OutcomeFailed
	// OutcomeSkipped means the envelope's batch was cancelled.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeReleased:
		return "released"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// chainEnqueueAttempts bounds retries when pushing the next chain link.
const chainEnqueueAttempts = 3

// Executor runs a single envelope through middleware and the registered
// handler, then acks, releases or fails it and emits lifecycle events.
type Executor struct {
	backend    backend.Backend
	registry   *job.Registry
	refs       *middleware.Registry
	batches    *batch.Coordinator
	extensions *ext.Registry
	backoff    backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger
	now        func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMiddleware sets the worker-wide middleware, outermost first.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = middleware.Chain(mws...) }
}

// WithMiddlewareRegistry sets the registry that resolves per-envelope
// middleware references.
func WithMiddlewareRegistry(r *middleware.Registry) ExecutorOption {
	return func(e *Executor) { e.refs = r }
}

// WithBatches sets the batch coordinator.
func WithBatches(c *batch.Coordinator) ExecutorOption {
	return func(e *Executor) { e.batches = c }
}

// WithExtensions sets the lifecycle hook registry.
func WithExtensions(r *ext.Registry) ExecutorOption {
	return func(e *Executor) { e.extensions = r }
}

// WithDefaultBackoff sets the strategy used for envelopes without their
// own Backoff. The default releases immediately.
func WithDefaultBackoff(s backoff.Strategy) ExecutorOption {
	return func(e *Executor) { e.backoff = s }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an Executor.
func NewExecutor(b backend.Backend, registry *job.Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		backend:  b,
		registry: registry,
		backoff:  backoff.None(),
		mw:       middleware.Chain(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.refs == nil {
		e.refs = middleware.NewRegistry()
	}
	if e.extensions == nil {
		e.extensions = ext.NewRegistry(e.logger)
	}
	return e
}

// Process executes a reserved envelope and settles it. The returned error
// is non-nil only when settling itself failed, typically because the
// backend is unavailable; the envelope then becomes visible again once its
// reservation expires.
func (e *Executor) Process(ctx context.Context, env *envelope.Envelope) (Outcome, error) {
	entry, ok := e.registry.Get(env.Name)
	if !ok {
		return e.fail(ctx, env, nil, fmt.Errorf("%w: %q", neoqueue.ErrNoHandler, env.Name))
	}

	if env.Batched() && e.batches != nil {
		cancelled, err := e.batches.Cancelled(ctx, env.BatchID)
		if err != nil {
			return OutcomeReleased, err
		}
		if cancelled {
			return e.skip(ctx, env)
		}
	}

	if env.MaxTries > 0 && env.Attempts >= env.MaxTries {
		return e.fail(ctx, env, entry, fmt.Errorf("%w: %d of %d", neoqueue.ErrMaxAttempts, env.Attempts, env.MaxTries))
	}

	perJob, err := e.refs.Resolve(env.Middleware)
	if err != nil {
		return e.fail(ctx, env, entry, err)
	}

	e.extensions.EmitJobProcessing(ctx, env)

	start := time.Now()
	runErr := e.mw(ctx, env, func(ctx context.Context) error {
		return perJob(ctx, env, func(ctx context.Context) error {
			return entry.Handle(ctx, env.Payload)
		})
	})
	elapsed := time.Since(start)

	// Settle even if the pool is shutting down.
	settleCtx := context.WithoutCancel(ctx)
	if runErr == nil {
		return e.succeed(settleCtx, env, elapsed)
	}
	// Interrupted by shutdown: put the job back without charging it.
	if ctx.Err() != nil && errors.Is(runErr, context.Canceled) {
		return e.release(settleCtx, env, 0, nil)
	}
	return e.handleError(settleCtx, env, entry, runErr)
}

func (e *Executor) handleError(ctx context.Context, env *envelope.Envelope, entry *job.Entry, runErr error) (Outcome, error) {
	if re, ok := neoqueue.AsRelease(runErr); ok {
		return e.release(ctx, env, re.Delay, nil)
	}

	herr := &neoqueue.HandlerError{Job: env.Name, Err: runErr}
	if errors.Is(runErr, neoqueue.ErrTerminalFailure) {
		return e.fail(ctx, env, entry, herr)
	}

	triesLeft := env.MaxTries == 0 || env.Attempts+1 < env.MaxTries
	exceptionsLeft := env.MaxExceptions == 0 || env.Exceptions+1 < env.MaxExceptions
	if !triesLeft || !exceptionsLeft {
		return e.fail(ctx, env, entry, herr)
	}

	delay := backoff.For(env.Backoff, e.backoff).Delay(env.Attempts + 1)
	return e.release(ctx, env, delay, herr)
}

func (e *Executor) succeed(ctx context.Context, env *envelope.Envelope, elapsed time.Duration) (Outcome, error) {
	if err := e.backend.Ack(ctx, env.ID); err != nil {
		return OutcomeAcked, fmt.Errorf("ack %s: %w", env.ID, err)
	}

	if next := env.NextLink(e.now()); next != nil {
		e.enqueueLink(ctx, env, next)
	}

	if env.Batched() && e.batches != nil {
		if err := e.batches.JobSucceeded(ctx, env.BatchID, env.ID); err != nil {
			e.logger.Error("batch success not recorded",
				slog.String("job_id", env.ID.String()),
				slog.String("batch_id", env.BatchID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	e.extensions.EmitJobProcessed(ctx, env, elapsed)
	return OutcomeAcked, nil
}

// enqueueLink pushes the next chain link. Link IDs are fixed when the chain
// is built, so a retry after a lost response is absorbed as a duplicate.
func (e *Executor) enqueueLink(ctx context.Context, env, next *envelope.Envelope) {
	var err error
retry:
	for attempt := range chainEnqueueAttempts {
		err = e.backend.Enqueue(ctx, next)
		if err == nil || errors.Is(err, neoqueue.ErrJobAlreadyExists) {
			e.extensions.EmitJobDispatched(ctx, next)
			return
		}
		select {
		case <-ctx.Done():
			break retry
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	e.logger.Error("chain link not enqueued",
		slog.String("job_id", env.ID.String()),
		slog.String("next_job_id", next.ID.String()),
		slog.String("next_job_name", next.Name),
		slog.String("error", err.Error()),
	)
}

func (e *Executor) release(ctx context.Context, env *envelope.Envelope, delay time.Duration, cause error) (Outcome, error) {
	if err := e.backend.Release(ctx, env.ID, delay, cause); err != nil {
		if errors.Is(err, neoqueue.ErrJobNotFound) {
			return OutcomeReleased, nil
		}
		return OutcomeReleased, fmt.Errorf("release %s: %w", env.ID, err)
	}

	attrs := []any{
		slog.String("job_id", env.ID.String()),
		slog.String("job_name", env.Name),
		slog.Int("attempt", env.Attempts+1),
		slog.Duration("delay", delay),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	e.logger.Info("job released", attrs...)

	e.extensions.EmitJobReleased(ctx, env, delay, cause)
	return OutcomeReleased, nil
}

// fail moves env to the failed-job store. Only the caller whose Fail call
// removed the envelope runs the failure hook and batch accounting.
func (e *Executor) fail(ctx context.Context, env *envelope.Envelope, entry *job.Entry, cause error) (Outcome, error) {
	if err := e.backend.Fail(ctx, env.ID, cause.Error()); err != nil {
		if errors.Is(err, neoqueue.ErrJobNotFound) {
			return OutcomeFailed, nil
		}
		return OutcomeFailed, fmt.Errorf("fail %s: %w", env.ID, err)
	}

	e.logger.Warn("job failed",
		slog.String("job_id", env.ID.String()),
		slog.String("job_name", env.Name),
		slog.String("queue", env.Queue),
		slog.Int("attempts", env.Attempts+1),
		slog.String("error", cause.Error()),
	)

	if entry != nil && entry.Failed != nil {
		e.runFailedHook(context.WithoutCancel(ctx), env, entry, cause)
	}

	if env.Batched() && e.batches != nil {
		if err := e.batches.JobFailed(ctx, env.BatchID, env.ID, cause); err != nil {
			e.logger.Error("batch failure not recorded",
				slog.String("job_id", env.ID.String()),
				slog.String("batch_id", env.BatchID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	e.extensions.EmitJobFailed(ctx, env, cause)
	return OutcomeFailed, nil
}

func (e *Executor) runFailedHook(ctx context.Context, env *envelope.Envelope, entry *job.Entry, cause error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("job failure hook panicked",
				slog.String("job_id", env.ID.String()),
				slog.String("job_name", env.Name),
				slog.Any("panic", r),
			)
		}
	}()
	entry.Failed(ctx, env.Payload, cause)
}

func (e *Executor) skip(ctx context.Context, env *envelope.Envelope) (Outcome, error) {
	if err := e.backend.Ack(ctx, env.ID); err != nil {
		return OutcomeSkipped, fmt.Errorf("ack skipped %s: %w", env.ID, err)
	}
	if err := e.batches.JobSkipped(ctx, env.BatchID, env.ID); err != nil {
		e.logger.Error("batch skip not recorded",
			slog.String("job_id", env.ID.String()),
			slog.String("batch_id", env.BatchID.String()),
			slog.String("error", err.Error()),
		)
	}
	e.logger.Debug("job skipped, batch cancelled",
		slog.String("job_id", env.ID.String()),
		slog.String("batch_id", env.BatchID.String()),
	)
	return OutcomeSkipped, nil
}
