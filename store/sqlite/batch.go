package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/batch"
	"github.com/neonextechnologies/neoqueue/id"
)

// CreateBatch persists a new batch.
func (s *Store) CreateBatch(ctx context.Context, b *batch.Batch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO neoqueue_batches (
			id, name, total_jobs, pending_jobs, failed_jobs,
			then_callback, catch_callback, finally_callback,
			cancel_on_failure, cancelled_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID.String(), b.Name, b.TotalJobs, b.PendingJobs, b.FailedJobs,
		b.Then, b.Catch, b.Finally,
		b.CancelOnFailure, nullMillis(b.CancelledAt), millis(b.CreatedAt),
	)
	if err != nil {
		return unavailable("create batch", err)
	}
	return nil
}

// GetBatch retrieves a batch by ID, failed job IDs in failure order.
func (s *Store) GetBatch(ctx context.Context, batchID id.BatchID) (*batch.Batch, error) {
	var (
		b                       = &batch.Batch{ID: batchID}
		cancelledAt, finishedAt sql.NullInt64
		createdAt               int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, total_jobs, pending_jobs, failed_jobs,
			then_callback, catch_callback, finally_callback,
			cancel_on_failure, cancelled_at, finished_at, created_at
		FROM neoqueue_batches WHERE id = ?`,
		batchID.String(),
	).Scan(
		&b.Name, &b.TotalJobs, &b.PendingJobs, &b.FailedJobs,
		&b.Then, &b.Catch, &b.Finally,
		&b.CancelOnFailure, &cancelledAt, &finishedAt, &createdAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, neoqueue.ErrBatchNotFound
		}
		return nil, unavailable("get batch", err)
	}
	b.CancelledAt = timePtr(cancelledAt)
	b.FinishedAt = timePtr(finishedAt)
	b.CreatedAt = fromMillis(createdAt)

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id FROM neoqueue_batch_jobs
		WHERE batch_id = ? AND outcome = 'failure'
		ORDER BY seq`,
		batchID.String(),
	)
	if err != nil {
		return nil, unavailable("get batch", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, unavailable("get batch", err)
		}
		jobID, err := id.ParseJobID(raw)
		if err != nil {
			return nil, fmt.Errorf("neoqueue/sqlite: batch %s: %w", batchID, err)
		}
		b.FailedJobIDs = append(b.FailedJobIDs, jobID)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("get batch", err)
	}
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

func (s *Store) record(ctx context.Context, batchID id.BatchID, jobID id.JobID, outcome string) (batch.Counts, error) {
	var c batch.Counts
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM neoqueue_batches WHERE id = ?`, batchID.String(),
		).Scan(&exists); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO neoqueue_batch_jobs (batch_id, job_id, outcome)
			VALUES (?, ?, ?)`,
			batchID.String(), jobID.String(), outcome,
		)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		c.Applied = n == 1

		if c.Applied {
			failedInc := 0
			if outcome == "failure" {
				failedInc = 1
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE neoqueue_batches
				SET pending_jobs = pending_jobs - 1, failed_jobs = failed_jobs + ?
				WHERE id = ?`,
				failedInc, batchID.String(),
			); err != nil {
				return err
			}
		}

		return tx.QueryRowContext(ctx, `
			SELECT total_jobs, pending_jobs, failed_jobs, cancelled_at IS NOT NULL
			FROM neoqueue_batches WHERE id = ?`,
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
	return s.stamp(ctx, batchID, `UPDATE neoqueue_batches SET cancelled_at = COALESCE(cancelled_at, ?) WHERE id = ?`)
}

// MarkFinished stamps FinishedAt.
func (s *Store) MarkFinished(ctx context.Context, batchID id.BatchID) error {
	return s.stamp(ctx, batchID, `UPDATE neoqueue_batches SET finished_at = COALESCE(finished_at, ?) WHERE id = ?`)
}

func (s *Store) stamp(ctx context.Context, batchID id.BatchID, query string) error {
	res, err := s.db.ExecContext(ctx, query, millis(s.now()), batchID.String())
	if err != nil {
		return unavailable("update batch", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return neoqueue.ErrBatchNotFound
	}
	return nil
}

// MarkCallbackFired sets the fired flag for kind once. The foreign key on
// neoqueue_batch_callbacks rejects unknown batches.
func (s *Store) MarkCallbackFired(ctx context.Context, batchID id.BatchID, kind batch.CallbackKind) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO neoqueue_batch_callbacks (batch_id, kind)
		SELECT id, ? FROM neoqueue_batches WHERE id = ?`,
		string(kind), batchID.String(),
	)
	if err != nil {
		return false, unavailable("mark callback", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := s.GetBatch(ctx, batchID); err != nil {
		return false, err
	}
	return false, nil
}
