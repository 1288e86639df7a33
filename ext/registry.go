package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/neonextechnologies/neoqueue/batch"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/id"
)

var _ batch.Notifier = (*Registry)(nil)

// Named entry types pair a hook implementation with the extension name
// captured at registration time.
type jobDispatchedEntry struct {
	name string
	hook JobDispatched
}

type jobProcessingEntry struct {
	name string
	hook JobProcessing
}

type jobProcessedEntry struct {
	name string
	hook JobProcessed
}

type jobReleasedEntry struct {
	name string
	hook JobReleased
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type batchDispatchedEntry struct {
	name string
	hook BatchDispatched
}

type batchFinishedEntry struct {
	name string
	hook BatchFinished
}

type taskScheduledEntry struct {
	name string
	hook TaskScheduled
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobDispatched   []jobDispatchedEntry
	jobProcessing   []jobProcessingEntry
	jobProcessed    []jobProcessedEntry
	jobReleased     []jobReleasedEntry
	jobFailed       []jobFailedEntry
	batchDispatched []batchDispatchedEntry
	batchFinished   []batchFinishedEntry
	taskScheduled   []taskScheduledEntry
	shutdown        []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobDispatched); ok {
		r.jobDispatched = append(r.jobDispatched, jobDispatchedEntry{name, h})
	}
	if h, ok := e.(JobProcessing); ok {
		r.jobProcessing = append(r.jobProcessing, jobProcessingEntry{name, h})
	}
	if h, ok := e.(JobProcessed); ok {
		r.jobProcessed = append(r.jobProcessed, jobProcessedEntry{name, h})
	}
	if h, ok := e.(JobReleased); ok {
		r.jobReleased = append(r.jobReleased, jobReleasedEntry{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := e.(BatchDispatched); ok {
		r.batchDispatched = append(r.batchDispatched, batchDispatchedEntry{name, h})
	}
	if h, ok := e.(BatchFinished); ok {
		r.batchFinished = append(r.batchFinished, batchFinishedEntry{name, h})
	}
	if h, ok := e.(TaskScheduled); ok {
		r.taskScheduled = append(r.taskScheduled, taskScheduledEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobDispatched notifies all extensions that implement JobDispatched.
func (r *Registry) EmitJobDispatched(ctx context.Context, env *envelope.Envelope) {
	for _, e := range r.jobDispatched {
		if err := e.hook.OnJobDispatched(ctx, env); err != nil {
			r.logHookError("OnJobDispatched", e.name, err)
		}
	}
}

// EmitJobProcessing notifies all extensions that implement JobProcessing.
func (r *Registry) EmitJobProcessing(ctx context.Context, env *envelope.Envelope) {
	for _, e := range r.jobProcessing {
		if err := e.hook.OnJobProcessing(ctx, env); err != nil {
			r.logHookError("OnJobProcessing", e.name, err)
		}
	}
}

// EmitJobProcessed notifies all extensions that implement JobProcessed.
func (r *Registry) EmitJobProcessed(ctx context.Context, env *envelope.Envelope, elapsed time.Duration) {
	for _, e := range r.jobProcessed {
		if err := e.hook.OnJobProcessed(ctx, env, elapsed); err != nil {
			r.logHookError("OnJobProcessed", e.name, err)
		}
	}
}

// EmitJobReleased notifies all extensions that implement JobReleased.
func (r *Registry) EmitJobReleased(ctx context.Context, env *envelope.Envelope, delay time.Duration, cause error) {
	for _, e := range r.jobReleased {
		if err := e.hook.OnJobReleased(ctx, env, delay, cause); err != nil {
			r.logHookError("OnJobReleased", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, env *envelope.Envelope, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, env, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Batch event emitters
// ──────────────────────────────────────────────────

// EmitBatchDispatched notifies all extensions that implement BatchDispatched.
func (r *Registry) EmitBatchDispatched(ctx context.Context, b *batch.Batch) {
	for _, e := range r.batchDispatched {
		if err := e.hook.OnBatchDispatched(ctx, b); err != nil {
			r.logHookError("OnBatchDispatched", e.name, err)
		}
	}
}

// EmitBatchFinished notifies all extensions that implement BatchFinished.
func (r *Registry) EmitBatchFinished(ctx context.Context, b *batch.Batch) {
	for _, e := range r.batchFinished {
		if err := e.hook.OnBatchFinished(ctx, b); err != nil {
			r.logHookError("OnBatchFinished", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitTaskScheduled notifies all extensions that implement TaskScheduled.
func (r *Registry) EmitTaskScheduled(ctx context.Context, task string, jobID id.JobID) {
	for _, e := range r.taskScheduled {
		if err := e.hook.OnTaskScheduled(ctx, task, jobID); err != nil {
			r.logHookError("OnTaskScheduled", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Hook errors are never propagated to the worker.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
