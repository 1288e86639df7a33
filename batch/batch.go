// Package batch groups dispatched jobs so completion callbacks can run
// once the whole group settles.
//
// A batch tracks pending and failed counts. Callbacks are referenced by
// registered name so they survive process restarts:
//
//   - then fires once when every job succeeded
//   - catch fires once on the first failure
//   - finally fires once when no jobs remain pending, whatever the outcome
//
// Exactly-once firing is enforced by the store with a compare-and-set on a
// per-callback flag, so concurrent workers finishing the last jobs cannot
// both run a callback.
package batch

import (
	"context"
	"time"

	"github.com/neonextechnologies/neoqueue/id"
)

// CallbackKind identifies one of the three batch callbacks.
type CallbackKind string

const (
	CallbackThen    CallbackKind = "then"
	CallbackCatch   CallbackKind = "catch"
	CallbackFinally CallbackKind = "finally"
)

// Batch is the persisted state of a job group.
type Batch struct {
	ID   id.BatchID `json:"id"`
	Name string     `json:"name,omitempty"`

	TotalJobs    int        `json:"total_jobs"`
	PendingJobs  int        `json:"pending_jobs"`
	FailedJobs   int        `json:"failed_jobs"`
	FailedJobIDs []id.JobID `json:"failed_job_ids,omitempty"`

	Then    string `json:"then,omitempty"`
	Catch   string `json:"catch,omitempty"`
	Finally string `json:"finally,omitempty"`

	CancelOnFailure bool `json:"cancel_on_failure,omitempty"`

	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Finished reports whether no jobs remain pending.
func (b *Batch) Finished() bool { return b.PendingJobs <= 0 }

// Cancelled reports whether the batch was cancelled.
func (b *Batch) Cancelled() bool { return b.CancelledAt != nil }

// Progress returns the fraction of jobs that have settled, in [0, 1].
func (b *Batch) Progress() float64 {
	if b.TotalJobs == 0 {
		return 1
	}
	return float64(b.TotalJobs-b.PendingJobs) / float64(b.TotalJobs)
}

// Callback returns the registered callback name for kind.
func (b *Batch) Callback(kind CallbackKind) string {
	switch kind {
	case CallbackThen:
		return b.Then
	case CallbackCatch:
		return b.Catch
	case CallbackFinally:
		return b.Finally
	default:
		return ""
	}
}

// Counts is the batch state right after a job outcome was recorded.
type Counts struct {
	Total     int
	Pending   int
	Failed    int
	Cancelled bool
	// Applied is false when the job outcome had already been recorded.
	Applied bool
}

// Store defines the persistence contract for batches.
type Store interface {
	// CreateBatch persists a new batch.
	CreateBatch(ctx context.Context, b *Batch) error

	// GetBatch returns a batch. Returns neoqueue.ErrBatchNotFound.
	GetBatch(ctx context.Context, batchID id.BatchID) (*Batch, error)

	// RecordSuccess decrements pending for jobID. Recording the same job
	// twice has no effect.
	RecordSuccess(ctx context.Context, batchID id.BatchID, jobID id.JobID) (Counts, error)

	// RecordFailure decrements pending, increments failed and remembers
	// jobID. Recording the same job twice has no effect.
	RecordFailure(ctx context.Context, batchID id.BatchID, jobID id.JobID) (Counts, error)

	// RecordSkip decrements pending for a job skipped because the batch
	// was cancelled.
	RecordSkip(ctx context.Context, batchID id.BatchID, jobID id.JobID) (Counts, error)

	// CancelBatch marks the batch cancelled. Cancelling twice is a no-op.
	CancelBatch(ctx context.Context, batchID id.BatchID) error

	// MarkCallbackFired sets the fired flag for kind and reports whether
	// this call was the one that set it.
	MarkCallbackFired(ctx context.Context, batchID id.BatchID, kind CallbackKind) (bool, error)

	// MarkFinished stamps FinishedAt.
	MarkFinished(ctx context.Context, batchID id.BatchID) error
}
