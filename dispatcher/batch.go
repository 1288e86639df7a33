package dispatcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/batch"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/id"
	"github.com/neonextechnologies/neoqueue/job"
)

// PendingBatch is a batch being assembled.
type PendingBatch struct {
	d               *Dispatcher
	cmds            []job.Command
	name            string
	then            string
	catch           string
	finally         string
	cancelOnFailure bool
	queue           string
	opts            []envelope.Option
}

// Batch starts a batch of cmds. Members run in any order and in parallel.
func (d *Dispatcher) Batch(cmds ...job.Command) *PendingBatch {
	return &PendingBatch{d: d, cmds: cmds}
}

// Name labels the batch for operators.
func (b *PendingBatch) Name(name string) *PendingBatch {
	b.name = name
	return b
}

// Then names the callback fired once every member succeeded.
func (b *PendingBatch) Then(callback string) *PendingBatch {
	b.then = callback
	return b
}

// Catch names the callback fired on the first member failure.
func (b *PendingBatch) Catch(callback string) *PendingBatch {
	b.catch = callback
	return b
}

// Finally names the callback fired once every member settled.
func (b *PendingBatch) Finally(callback string) *PendingBatch {
	b.finally = callback
	return b
}

// CancelOnFailure cancels the batch on its first failure so the remaining
// members are skipped.
func (b *PendingBatch) CancelOnFailure() *PendingBatch {
	b.cancelOnFailure = true
	return b
}

// OnQueue routes members to queue unless a member names its own.
func (b *PendingBatch) OnQueue(queue string) *PendingBatch {
	b.queue = queue
	return b
}

// With applies opts to every member.
func (b *PendingBatch) With(opts ...envelope.Option) *PendingBatch {
	b.opts = append(b.opts, opts...)
	return b
}

// Dispatch creates the batch record, stamps every member with its ID and
// enqueues them. It returns without waiting for any member to run.
//
// If a member cannot be enqueued the batch is cancelled and the members
// not yet enqueued are counted as skipped, so the batch still settles once
// the enqueued ones finish.
func (b *PendingBatch) Dispatch(ctx context.Context) (id.BatchID, error) {
	d := b.d
	if d.batches == nil {
		return id.Nil, neoqueue.ErrBatchesDisabled
	}

	members := make([]*envelope.Envelope, len(b.cmds))
	for i, cmd := range b.cmds {
		var opts []envelope.Option
		if b.queue != "" && !setsQueue(cmd) {
			opts = append(opts, envelope.WithQueue(b.queue))
		}
		members[i] = d.Envelope(cmd, append(opts, b.opts...)...)
	}

	rec := &batch.Batch{
		Name:            b.name,
		TotalJobs:       len(members),
		Then:            b.then,
		Catch:           b.catch,
		Finally:         b.finally,
		CancelOnFailure: b.cancelOnFailure,
	}
	if err := d.batches.Create(ctx, rec); err != nil {
		return id.Nil, err
	}

	for i, env := range members {
		env.BatchID = rec.ID
		if err := d.enqueue(ctx, env); err != nil {
			d.abandon(ctx, rec.ID, members[i:])
			return rec.ID, fmt.Errorf("batch %s: member %d of %d: %w", rec.ID, i+1, len(members), err)
		}
	}
	return rec.ID, nil
}

// abandon cancels a partially enqueued batch and accounts for the members
// that never reached the backend.
func (d *Dispatcher) abandon(ctx context.Context, batchID id.BatchID, rest []*envelope.Envelope) {
	if err := d.batches.Cancel(ctx, batchID); err != nil {
		d.logger.Error("cancel partially dispatched batch",
			slog.String("batch_id", batchID.String()),
			slog.String("error", err.Error()),
		)
	}
	for _, env := range rest {
		if err := d.batches.JobSkipped(ctx, batchID, env.ID); err != nil {
			d.logger.Error("skip undispatched batch member",
				slog.String("batch_id", batchID.String()),
				slog.String("job_id", env.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
