// Package ext defines the extension system for neoqueue.
// Extensions are notified of lifecycle events (job dispatched, processed,
// released, failed, batch finished) and can react to them.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/neonextechnologies/neoqueue/batch"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/id"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobDispatched is called after an envelope is stored by the backend.
type JobDispatched interface {
	OnJobDispatched(ctx context.Context, env *envelope.Envelope) error
}

// JobProcessing is called when a worker begins executing an envelope.
type JobProcessing interface {
	OnJobProcessing(ctx context.Context, env *envelope.Envelope) error
}

// JobProcessed is called after a handler succeeds and the envelope is acked.
type JobProcessed interface {
	OnJobProcessed(ctx context.Context, env *envelope.Envelope, elapsed time.Duration) error
}

// JobReleased is called when an envelope goes back to its queue. cause is
// nil for voluntary releases.
type JobReleased interface {
	OnJobReleased(ctx context.Context, env *envelope.Envelope, delay time.Duration, cause error) error
}

// JobFailed is called once when an envelope moves to the failed-job store.
type JobFailed interface {
	OnJobFailed(ctx context.Context, env *envelope.Envelope, err error) error
}

// ──────────────────────────────────────────────────
// Batch lifecycle hooks
// ──────────────────────────────────────────────────

// BatchDispatched is called after a batch and its jobs are stored.
type BatchDispatched interface {
	OnBatchDispatched(ctx context.Context, b *batch.Batch) error
}

// BatchFinished is called once when a batch has no pending jobs left.
type BatchFinished interface {
	OnBatchFinished(ctx context.Context, b *batch.Batch) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// TaskScheduled is called when a scheduled task fires and enqueues a job.
type TaskScheduled interface {
	OnTaskScheduled(ctx context.Context, task string, jobID id.JobID) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
