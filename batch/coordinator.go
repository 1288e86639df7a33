package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/id"
)

// Notifier receives batch lifecycle notifications. ext.Registry satisfies it.
type Notifier interface {
	EmitBatchDispatched(ctx context.Context, b *Batch)
	EmitBatchFinished(ctx context.Context, b *Batch)
}

// Coordinator applies job outcomes to batches and fires callbacks.
type Coordinator struct {
	store     Store
	callbacks *Callbacks
	notifier  Notifier
	logger    *slog.Logger
}

// NewCoordinator creates a batch coordinator. notifier may be nil.
func NewCoordinator(store Store, callbacks *Callbacks, notifier Notifier, logger *slog.Logger) *Coordinator {
	if callbacks == nil {
		callbacks = NewCallbacks()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: store, callbacks: callbacks, notifier: notifier, logger: logger}
}

// Callbacks returns the callback registry.
func (c *Coordinator) Callbacks() *Callbacks { return c.callbacks }

// Create persists b with PendingJobs set to TotalJobs. A batch with no
// jobs settles immediately.
func (c *Coordinator) Create(ctx context.Context, b *Batch) error {
	if err := c.callbacks.Validate(b.Then, b.Catch, b.Finally); err != nil {
		return err
	}
	if b.ID.IsNil() {
		b.ID = id.NewBatchID()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	b.PendingJobs = b.TotalJobs
	b.FailedJobs = 0

	if err := c.store.CreateBatch(ctx, b); err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	if c.notifier != nil {
		c.notifier.EmitBatchDispatched(ctx, b)
	}
	if b.TotalJobs == 0 {
		c.settle(ctx, b.ID, Counts{Applied: true}, nil)
	}
	return nil
}

// Find returns the current state of a batch.
func (c *Coordinator) Find(ctx context.Context, batchID id.BatchID) (*Batch, error) {
	return c.store.GetBatch(ctx, batchID)
}

// Cancel marks a batch cancelled. Remaining jobs are skipped when reserved.
func (c *Coordinator) Cancel(ctx context.Context, batchID id.BatchID) error {
	return c.store.CancelBatch(ctx, batchID)
}

// Cancelled reports whether a batch was cancelled. A missing batch counts
// as cancelled so its orphaned jobs are skipped.
func (c *Coordinator) Cancelled(ctx context.Context, batchID id.BatchID) (bool, error) {
	b, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		if isNotFound(err) {
			return true, nil
		}
		return false, err
	}
	return b.Cancelled(), nil
}

// JobSucceeded records a successful job.
func (c *Coordinator) JobSucceeded(ctx context.Context, batchID id.BatchID, jobID id.JobID) error {
	counts, err := c.store.RecordSuccess(ctx, batchID, jobID)
	if err != nil {
		return fmt.Errorf("record batch success: %w", err)
	}
	if counts.Applied {
		c.settle(ctx, batchID, counts, nil)
	}
	return nil
}

// JobFailed records a terminally failed job. The first failure fires the
// catch callback and, when configured, cancels the batch.
func (c *Coordinator) JobFailed(ctx context.Context, batchID id.BatchID, jobID id.JobID, cause error) error {
	counts, err := c.store.RecordFailure(ctx, batchID, jobID)
	if err != nil {
		return fmt.Errorf("record batch failure: %w", err)
	}
	if !counts.Applied {
		return nil
	}

	b, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	c.fire(ctx, b, CallbackCatch, cause)

	if b.CancelOnFailure && !b.Cancelled() {
		if err := c.store.CancelBatch(ctx, batchID); err != nil {
			return fmt.Errorf("cancel batch: %w", err)
		}
		counts.Cancelled = true
	}
	c.settle(ctx, batchID, counts, cause)
	return nil
}

// JobSkipped records a job that was dropped because its batch was cancelled.
func (c *Coordinator) JobSkipped(ctx context.Context, batchID id.BatchID, jobID id.JobID) error {
	counts, err := c.store.RecordSkip(ctx, batchID, jobID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("record batch skip: %w", err)
	}
	if counts.Applied {
		c.settle(ctx, batchID, counts, nil)
	}
	return nil
}

// settle fires then/finally once nothing is pending. Skipped jobs of a
// cancelled batch count as neither success nor failure, so a cancelled
// batch with no failures still fires then.
func (c *Coordinator) settle(ctx context.Context, batchID id.BatchID, counts Counts, cause error) {
	if counts.Pending > 0 {
		return
	}
	b, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		c.logger.Error("batch settle failed", slog.String("batch_id", batchID.String()), slog.String("error", err.Error()))
		return
	}

	if b.FailedJobs == 0 {
		c.fire(ctx, b, CallbackThen, nil)
	}

	first, err := c.store.MarkCallbackFired(ctx, batchID, CallbackFinally)
	if err != nil {
		c.logger.Error("batch finally flag failed", slog.String("batch_id", batchID.String()), slog.String("error", err.Error()))
		return
	}
	if !first {
		return
	}
	c.run(ctx, b, CallbackFinally, cause)

	if err := c.store.MarkFinished(ctx, batchID); err != nil {
		c.logger.Warn("batch mark finished failed", slog.String("batch_id", batchID.String()), slog.String("error", err.Error()))
	}
	now := time.Now().UTC()
	b.FinishedAt = &now
	if c.notifier != nil {
		c.notifier.EmitBatchFinished(ctx, b)
	}
}

// fire runs the callback for kind if this caller wins the fired flag.
func (c *Coordinator) fire(ctx context.Context, b *Batch, kind CallbackKind, cause error) {
	first, err := c.store.MarkCallbackFired(ctx, b.ID, kind)
	if err != nil {
		c.logger.Error("batch callback flag failed",
			slog.String("batch_id", b.ID.String()),
			slog.String("callback", string(kind)),
			slog.String("error", err.Error()),
		)
		return
	}
	if first {
		c.run(ctx, b, kind, cause)
	}
}

func (c *Coordinator) run(ctx context.Context, b *Batch, kind CallbackKind, cause error) {
	name := b.Callback(kind)
	if name == "" {
		return
	}
	fn, ok := c.callbacks.Get(name)
	if !ok {
		c.logger.Error("batch callback not registered",
			slog.String("batch_id", b.ID.String()),
			slog.String("callback", name),
		)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("batch callback panicked",
				slog.String("batch_id", b.ID.String()),
				slog.String("callback", name),
				slog.Any("panic", r),
			)
		}
	}()
	if err := fn(ctx, b, cause); err != nil {
		c.logger.Warn("batch callback error",
			slog.String("batch_id", b.ID.String()),
			slog.String("callback", name),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, neoqueue.ErrBatchNotFound)
}
