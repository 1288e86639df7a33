// Package dispatcher turns commands into envelopes and hands them to the
// backend: immediately, delayed, as an ordered chain, or as a batch with
// completion callbacks. It also runs commands inline with DispatchSync.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/backend"
	"github.com/neonextechnologies/neoqueue/batch"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/ext"
	"github.com/neonextechnologies/neoqueue/id"
	"github.com/neonextechnologies/neoqueue/job"
	"github.com/neonextechnologies/neoqueue/middleware"
)

// Dispatcher enqueues commands on a backend.
type Dispatcher struct {
	backend    backend.Backend
	registry   *job.Registry
	batches    *batch.Coordinator
	extensions *ext.Registry
	syncMW     middleware.Middleware
	logger     *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBatches enables Batch dispatch.
func WithBatches(c *batch.Coordinator) Option {
	return func(d *Dispatcher) { d.batches = c }
}

// WithExtensions sets the lifecycle hook registry.
func WithExtensions(r *ext.Registry) Option {
	return func(d *Dispatcher) { d.extensions = r }
}

// WithSyncMiddleware sets the middleware DispatchSync runs handlers
// through. The default recovers panics and enforces Timeout.
func WithSyncMiddleware(mws ...middleware.Middleware) Option {
	return func(d *Dispatcher) { d.syncMW = middleware.Chain(mws...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a Dispatcher. The registry supplies per-job default options
// and the handlers DispatchSync runs.
func New(b backend.Backend, registry *job.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		backend:  b,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.extensions == nil {
		d.extensions = ext.NewRegistry(d.logger)
	}
	if d.syncMW == nil {
		d.syncMW = middleware.Chain(middleware.Recover(d.logger), middleware.Timeout(d.logger))
	}
	return d
}

// Envelope builds the envelope for cmd without enqueueing it. Options are
// applied in order: the job's registered defaults, the command's own
// options, then opts.
func (d *Dispatcher) Envelope(cmd job.Command, opts ...envelope.Option) *envelope.Envelope {
	var all []envelope.Option
	if entry, ok := d.registry.Get(cmd.Name); ok {
		all = append(all, entry.Defaults...)
	}
	all = append(all, cmd.Options...)
	all = append(all, opts...)
	return envelope.New(cmd.Name, cmd.Payload, all...)
}

// Dispatch enqueues cmd and returns the stored envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd job.Command, opts ...envelope.Option) (*envelope.Envelope, error) {
	env := d.Envelope(cmd, opts...)
	if err := d.enqueue(ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}

// DispatchIf dispatches cmd only when cond holds. It returns a nil
// envelope otherwise.
func (d *Dispatcher) DispatchIf(ctx context.Context, cond bool, cmd job.Command, opts ...envelope.Option) (*envelope.Envelope, error) {
	if !cond {
		return nil, nil //nolint:nilnil // skipped dispatch is not an error
	}
	return d.Dispatch(ctx, cmd, opts...)
}

// DispatchUnless dispatches cmd only when cond does not hold.
func (d *Dispatcher) DispatchUnless(ctx context.Context, cond bool, cmd job.Command, opts ...envelope.Option) (*envelope.Envelope, error) {
	return d.DispatchIf(ctx, !cond, cmd, opts...)
}

// DispatchSync runs the handler for cmd in the calling goroutine without
// touching the backend. Handler errors are returned as
// *neoqueue.HandlerError after the job's failure hook has run; nothing is
// retried.
func (d *Dispatcher) DispatchSync(ctx context.Context, cmd job.Command, opts ...envelope.Option) error {
	entry, ok := d.registry.Get(cmd.Name)
	if !ok {
		return fmt.Errorf("%w: %q", neoqueue.ErrNoHandler, cmd.Name)
	}
	env := d.Envelope(cmd, opts...)

	d.extensions.EmitJobProcessing(ctx, env)
	start := time.Now()
	err := d.syncMW(ctx, env, func(ctx context.Context) error {
		return entry.Handle(ctx, env.Payload)
	})
	if err == nil {
		d.extensions.EmitJobProcessed(ctx, env, time.Since(start))
		return nil
	}

	herr := &neoqueue.HandlerError{Job: env.Name, Err: err}
	if entry.Failed != nil {
		entry.Failed(context.WithoutCancel(ctx), env.Payload, herr)
	}
	d.extensions.EmitJobFailed(ctx, env, herr)
	return herr
}

// Cancel removes a job that no worker has reserved yet.
func (d *Dispatcher) Cancel(ctx context.Context, jobID id.JobID) error {
	if err := d.backend.Delete(ctx, jobID); err != nil {
		return fmt.Errorf("cancel %s: %w", jobID, err)
	}
	d.logger.Debug("job cancelled", slog.String("job_id", jobID.String()))
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, env *envelope.Envelope) error {
	if err := d.backend.Enqueue(ctx, env); err != nil {
		return fmt.Errorf("dispatch %s: %w", env.Name, err)
	}
	d.logger.Debug("job dispatched",
		slog.String("job_id", env.ID.String()),
		slog.String("job_name", env.Name),
		slog.String("queue", env.Queue),
	)
	d.extensions.EmitJobDispatched(ctx, env)
	return nil
}
