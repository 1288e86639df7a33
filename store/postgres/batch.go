package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/batch"
	"github.com/neonextechnologies/neoqueue/id"
)

// CreateBatch persists a new batch.
func (s *Store) CreateBatch(ctx context.Context, b *batch.Batch) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO neoqueue_batches (
			id, name, total_jobs, pending_jobs, failed_jobs,
			then_callback, catch_callback, finally_callback,
			cancel_on_failure, cancelled_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		b.ID.String(), b.Name, b.TotalJobs, b.PendingJobs, b.FailedJobs,
		b.Then, b.Catch, b.Finally,
		b.CancelOnFailure, b.CancelledAt, b.CreatedAt.UTC(),
	)
	if err != nil {
		return unavailable("create batch", err)
	}
	return nil
}

// GetBatch retrieves a batch by ID.
func (s *Store) GetBatch(ctx context.Context, batchID id.BatchID) (*batch.Batch, error) {
	var (
		b         = &batch.Batch{ID: batchID}
		failedIDs []string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT name, total_jobs, pending_jobs, failed_jobs, failed_job_ids,
			then_callback, catch_callback, finally_callback,
			cancel_on_failure, cancelled_at, finished_at, created_at
		FROM neoqueue_batches WHERE id = $1`,
		batchID.String(),
	).Scan(
		&b.Name, &b.TotalJobs, &b.PendingJobs, &b.FailedJobs, &failedIDs,
		&b.Then, &b.Catch, &b.Finally,
		&b.CancelOnFailure, &b.CancelledAt, &b.FinishedAt, &b.CreatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, neoqueue.ErrBatchNotFound
		}
		return nil, unavailable("get batch", err)
	}
	for _, raw := range failedIDs {
		jobID, parseErr := id.ParseJobID(raw)
		if parseErr != nil {
			return nil, fmt.Errorf("neoqueue/postgres: batch %s: %w", batchID, parseErr)
		}
		b.FailedJobIDs = append(b.FailedJobIDs, jobID)
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}

// RecordSuccess settles one job as successful.
func (s *Store) RecordSuccess(ctx context.Context, batchID id.BatchID, jobID id.JobID) (batch.Counts, error) {
	return s.record(ctx, batchID, jobID, "success")
}

// RecordFailure settles one job as failed.
func (s *Store) RecordFailure(ctx context.Context, batchID id.BatchID, jobID id.JobID) (batch.Counts, error) {
	return s.record(ctx, batchID, jobID, "failure")
}

// RecordSkip settles one job skipped by cancellation.
func (s *Store) RecordSkip(ctx context.Context, batchID id.BatchID, jobID id.JobID) (batch.Counts, error) {
	return s.record(ctx, batchID, jobID, "skip")
}

// record inserts the (batch, job) pair and adjusts the counters only when
// the insert was new, all under the batch row lock.
func (s *Store) record(ctx context.Context, batchID id.BatchID, jobID id.JobID, outcome string) (batch.Counts, error) {
	var c batch.Counts
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT TRUE FROM neoqueue_batches WHERE id = $1 FOR UPDATE`,
			batchID.String(),
		).Scan(&exists); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO neoqueue_batch_jobs (batch_id, job_id, outcome)
			VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			batchID.String(), jobID.String(), outcome,
		)
		if err != nil {
			return err
		}
		c.Applied = tag.RowsAffected() == 1

		if c.Applied {
			failure := outcome == "failure"
			if _, err := tx.Exec(ctx, `
				UPDATE neoqueue_batches SET
					pending_jobs = pending_jobs - 1,
					failed_jobs = failed_jobs + CASE WHEN $2 THEN 1 ELSE 0 END,
					failed_job_ids = CASE WHEN $2 THEN array_append(failed_job_ids, $3::text) ELSE failed_job_ids END
				WHERE id = $1`,
				batchID.String(), failure, jobID.String(),
			); err != nil {
				return err
			}
		}

		return tx.QueryRow(ctx, `
			SELECT total_jobs, pending_jobs, failed_jobs, cancelled_at IS NOT NULL
			FROM neoqueue_batches WHERE id = $1`,
			batchID.String(),
		).Scan(&c.Total, &c.Pending, &c.Failed, &c.Cancelled)
	})
	switch {
	case err == nil:
		return c, nil
	case isNoRows(err):
		return batch.Counts{}, neoqueue.ErrBatchNotFound
	default:
		return batch.Counts{}, unavailable("record batch outcome", err)
	}
}

// CancelBatch marks a batch cancelled.
func (s *Store) CancelBatch(ctx context.Context, batchID id.BatchID) error {
	return s.stamp(ctx, batchID, "cancelled_at")
}

// MarkFinished stamps FinishedAt.
func (s *Store) MarkFinished(ctx context.Context, batchID id.BatchID) error {
	return s.stamp(ctx, batchID, "finished_at")
}

// stamp sets a timestamp column once. column is always a literal from
// this package.
func (s *Store) stamp(ctx context.Context, batchID id.BatchID, column string) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE neoqueue_batches SET %[1]s = COALESCE(%[1]s, $2) WHERE id = $1`, column),
		batchID.String(), s.now().UTC(),
	)
	if err != nil {
		return unavailable("update batch", err)
	}
	if tag.RowsAffected() == 0 {
		return neoqueue.ErrBatchNotFound
	}
	return nil
}

// MarkCallbackFired sets the fired flag for kind once.
func (s *Store) MarkCallbackFired(ctx context.Context, batchID id.BatchID, kind batch.CallbackKind) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE neoqueue_batches SET fired = array_append(fired, $2::text)
		WHERE id = $1 AND NOT ($2::text = ANY(fired))`,
		batchID.String(), string(kind),
	)
	if err != nil {
		return false, unavailable("mark callback", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetBatch(ctx, batchID); err != nil {
		return false, err
	}
	return false, nil
}
