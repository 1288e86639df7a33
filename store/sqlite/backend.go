package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/failed"
	"github.com/neonextechnologies/neoqueue/id"
)

const jobColumns = `data, attempts, exceptions, last_error, available_at, reserved_until`

// Enqueue persists a new envelope.
func (s *Store) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	snap := env.Clone()
	snap.ReservedUntil = nil
	if snap.Queue == "" {
		snap.Queue = envelope.DefaultQueue
	}
	data, err := s.codec.Encode(snap)
	if err != nil {
		return fmt.Errorf("neoqueue/sqlite: encode envelope: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO neoqueue_jobs (
			id, name, queue, data, attempts, exceptions, last_error,
			available_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID.String(), snap.Name, snap.Queue, data,
		snap.Attempts, snap.Exceptions, snap.LastError,
		millis(snap.AvailableAt), millis(snap.CreatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return neoqueue.ErrJobAlreadyExists
		}
		return unavailable("enqueue", err)
	}
	return nil
}

// Reserve claims the oldest visible envelope on queue. SQLite doesn't
// support FOR UPDATE SKIP LOCKED; the single UPDATE ... RETURNING runs
// under the database write lock instead. An envelope that cannot be
// decoded is moved to the failed store and reported as
// neoqueue.ErrCorruptEnvelope.
func (s *Store) Reserve(ctx context.Context, queue string, visibility time.Duration) (*envelope.Envelope, error) {
	now := millis(s.now())
	row := s.db.QueryRowContext(ctx, `
		UPDATE neoqueue_jobs
		SET reserved_until = ?
		WHERE seq = (
			SELECT seq FROM neoqueue_jobs
			WHERE queue = ?
			  AND available_at <= ?
			  AND (reserved_until IS NULL OR reserved_until <= ?)
			ORDER BY available_at ASC, seq ASC
			LIMIT 1
		)
		RETURNING id, `+jobColumns,
		now+visibility.Milliseconds(), queue, now, now,
	)
	var (
		rawID string
		st    rowState
	)
	if err := row.Scan(&rawID, &st.data, &st.attempts, &st.exceptions, &st.lastError, &st.availableAt, &st.reservedUntil); err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // empty queue is not an error
		}
		return nil, unavailable("reserve", err)
	}
	env, err := s.decode(st)
	if err != nil {
		return nil, s.failCorrupt(ctx, rawID, err)
	}
	return env, nil
}

// failCorrupt moves an undecodable row into the failed store as-is so it
// is not reserved again after every lease.
func (s *Store) failCorrupt(ctx context.Context, rawID string, cause error) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO neoqueue_failed_jobs (
				id, job_id, name, queue, payload, exception, envelope, failed_at
			)
			SELECT ?, id, name, queue, NULL, ?, data, ?
			FROM neoqueue_jobs WHERE id = ?`,
			id.NewFailedID().String(), "decode envelope: "+cause.Error(), millis(s.now()), rawID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM neoqueue_jobs WHERE id = ?`, rawID)
		return err
	})
	if err != nil {
		return unavailable("park corrupt envelope", err)
	}
	return fmt.Errorf("%w: %s: %w", neoqueue.ErrCorruptEnvelope, rawID, cause)
}

// Ack removes an envelope. A missing envelope is not an error.
func (s *Store) Ack(ctx context.Context, jobID id.JobID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM neoqueue_jobs WHERE id = ?`, jobID.String()); err != nil {
		return unavailable("ack", err)
	}
	return nil
}

// Release clears the lease and schedules the envelope after delay.
func (s *Store) Release(ctx context.Context, jobID id.JobID, delay time.Duration, cause error) error {
	hasCause, lastErr := 0, ""
	if cause != nil {
		hasCause, lastErr = 1, cause.Error()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE neoqueue_jobs SET
			attempts = attempts + 1,
			exceptions = exceptions + ?,
			last_error = CASE WHEN ? = 1 THEN ? ELSE last_error END,
			available_at = ?,
			reserved_until = NULL
		WHERE id = ?`,
		hasCause, hasCause, lastErr, millis(s.now().Add(max(delay, 0))), jobID.String(),
	)
	if err != nil {
		return unavailable("release", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return neoqueue.ErrJobNotFound
	}
	return nil
}

// Fail deletes the envelope and writes its failed-job entry in one
// transaction.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, exception string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		env, err := s.scanEnvelope(tx.QueryRowContext(ctx,
			`DELETE FROM neoqueue_jobs WHERE id = ? RETURNING `+jobColumns,
			jobID.String(),
		))
		if err != nil {
			return err
		}

		entry := failed.NewEntry(env, exception, s.now())
		snap, err := s.codec.Encode(entry.Envelope)
		if err != nil {
			return fmt.Errorf("neoqueue/sqlite: encode failed job: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO neoqueue_failed_jobs (
				id, job_id, name, queue, payload, exception, envelope, failed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID.String(), entry.JobID.String(), entry.Name, entry.Queue,
			entry.Payload, entry.Exception, snap, millis(entry.FailedAt),
		)
		return err
	})
	switch {
	case err == nil:
		return nil
	case isNoRows(err):
		return neoqueue.ErrJobNotFound
	default:
		return unavailable("fail", err)
	}
}

// CountPending counts envelopes on queue that no live lease holds.
func (s *Store) CountPending(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM neoqueue_jobs
		WHERE queue = ? AND (reserved_until IS NULL OR reserved_until <= ?)`,
		queue, millis(s.now()),
	).Scan(&n)
	if err != nil {
		return 0, unavailable("count pending", err)
	}
	return n, nil
}

// Delete removes an envelope that no live lease holds.
func (s *Store) Delete(ctx context.Context, jobID id.JobID) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var reservedUntil sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT reserved_until FROM neoqueue_jobs WHERE id = ?`,
			jobID.String(),
		).Scan(&reservedUntil); err != nil {
			return err
		}
		if reservedUntil.Valid && reservedUntil.Int64 > millis(s.now()) {
			return neoqueue.ErrJobReserved
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM neoqueue_jobs WHERE id = ?`, jobID.String())
		return err
	})
	switch {
	case err == nil:
		return nil
	case isNoRows(err):
		return neoqueue.ErrJobNotFound
	case errors.Is(err, neoqueue.ErrJobReserved):
		return err
	default:
		return unavailable("delete", err)
	}
}

// rowState holds the stored snapshot and the live columns of a job row.
type rowState struct {
	data                 []byte
	attempts, exceptions int
	lastError            string
	availableAt          int64
	reservedUntil        sql.NullInt64
}

// scanEnvelope decodes the stored snapshot and overlays the live columns.
func (s *Store) scanEnvelope(row *sql.Row) (*envelope.Envelope, error) {
	var st rowState
	if err := row.Scan(&st.data, &st.attempts, &st.exceptions, &st.lastError, &st.availableAt, &st.reservedUntil); err != nil {
		return nil, err
	}
	return s.decode(st)
}

func (s *Store) decode(st rowState) (*envelope.Envelope, error) {
	env, err := s.codec.Decode(st.data)
	if err != nil {
		return nil, fmt.Errorf("neoqueue/sqlite: decode envelope: %w", err)
	}
	env.Attempts = st.attempts
	env.Exceptions = st.exceptions
	env.LastError = st.lastError
	env.AvailableAt = fromMillis(st.availableAt)
	env.ReservedUntil = timePtr(st.reservedUntil)
	return env, nil
}
