package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/failed"
	"github.com/neonextechnologies/neoqueue/id"
)

// Enqueue persists a new envelope.
func (s *Store) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	snap := env.Clone()
	snap.ReservedUntil = nil
	if snap.Queue == "" {
		snap.Queue = envelope.DefaultQueue
	}
	data, err := s.codec.Encode(snap)
	if err != nil {
		return fmt.Errorf("neoqueue/postgres: encode envelope: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO neoqueue_jobs (
			id, name, queue, data, attempts, exceptions, last_error,
			available_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		snap.ID.String(), snap.Name, snap.Queue, data,
		snap.Attempts, snap.Exceptions, snap.LastError,
		snap.AvailableAt.UTC(), snap.CreatedAt.UTC(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return neoqueue.ErrJobAlreadyExists
		}
		return unavailable("enqueue", err)
	}
	return nil
}

// Reserve claims the oldest visible envelope on queue. SELECT FOR UPDATE
// SKIP LOCKED keeps concurrent workers off the same row. An envelope that
// cannot be decoded is moved to the failed store and reported as
// neoqueue.ErrCorruptEnvelope.
func (s *Store) Reserve(ctx context.Context, queue string, visibility time.Duration) (*envelope.Envelope, error) {
	now := s.now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE neoqueue_jobs
		SET reserved_until = $3
		WHERE id = (
			SELECT id FROM neoqueue_jobs
			WHERE queue = $1
			  AND available_at <= $2
			  AND (reserved_until IS NULL OR reserved_until <= $2)
			ORDER BY available_at ASC, seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, data, attempts, exceptions, last_error, available_at, reserved_until`,
		queue, now, now.Add(visibility),
	)

	var (
		rawID string
		data  []byte
		state rowState
	)
	if err := row.Scan(&rawID, &data, &state.attempts, &state.exceptions, &state.lastError, &state.availableAt, &state.reservedUntil); err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // empty queue is not an error
		}
		return nil, unavailable("reserve", err)
	}
	env, err := s.decode(data, state)
	if err != nil {
		return nil, s.failCorrupt(ctx, rawID, err)
	}
	return env, nil
}

// failCorrupt moves an undecodable row into the failed store as-is so it
// is not reserved again after every lease.
func (s *Store) failCorrupt(ctx context.Context, rawID string, cause error) error {
	_, err := s.pool.Exec(ctx, `
		WITH moved AS (
			DELETE FROM neoqueue_jobs WHERE id = $1
			RETURNING id, name, queue, data
		)
		INSERT INTO neoqueue_failed_jobs (
			id, job_id, name, queue, payload, exception, envelope, failed_at
		)
		SELECT $2, id, name, queue, NULL, $3, data, $4 FROM moved`,
		rawID, id.NewFailedID().String(), "decode envelope: "+cause.Error(), s.now().UTC(),
	)
	if err != nil {
		return unavailable("park corrupt envelope", err)
	}
	return fmt.Errorf("%w: %s: %w", neoqueue.ErrCorruptEnvelope, rawID, cause)
}

// Ack removes an envelope. A missing envelope is not an error.
func (s *Store) Ack(ctx context.Context, jobID id.JobID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM neoqueue_jobs WHERE id = $1`, jobID.String()); err != nil {
		return unavailable("ack", err)
	}
	return nil
}

// Release clears the lease and schedules the envelope after delay.
func (s *Store) Release(ctx context.Context, jobID id.JobID, delay time.Duration, cause error) error {
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE neoqueue_jobs SET
			attempts = attempts + 1,
			exceptions = exceptions + CASE WHEN $3 THEN 1 ELSE 0 END,
			last_error = CASE WHEN $3 THEN $4 ELSE last_error END,
			available_at = $2,
			reserved_until = NULL
		WHERE id = $1`,
		jobID.String(), s.now().UTC().Add(max(delay, 0)), cause != nil, lastErr,
	)
	if err != nil {
		return unavailable("release", err)
	}
	if tag.RowsAffected() == 0 {
		return neoqueue.ErrJobNotFound
	}
	return nil
}

// Fail deletes the envelope and writes its failed-job entry in one
// transaction.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, exception string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			data  []byte
			state rowState
		)
		err := tx.QueryRow(ctx, `
			DELETE FROM neoqueue_jobs WHERE id = $1
			RETURNING data, attempts, exceptions, last_error, available_at, reserved_until`,
			jobID.String(),
		).Scan(&data, &state.attempts, &state.exceptions, &state.lastError, &state.availableAt, &state.reservedUntil)
		if err != nil {
			return err
		}
		env, err := s.decode(data, state)
		if err != nil {
			return err
		}

		entry := failed.NewEntry(env, exception, s.now())
		snap, err := s.codec.Encode(entry.Envelope)
		if err != nil {
			return fmt.Errorf("neoqueue/postgres: encode failed job: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO neoqueue_failed_jobs (
				id, job_id, name, queue, payload, exception, envelope, failed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			entry.ID.String(), entry.JobID.String(), entry.Name, entry.Queue,
			entry.Payload, entry.Exception, snap, entry.FailedAt,
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
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM neoqueue_jobs
		WHERE queue = $1 AND (reserved_until IS NULL OR reserved_until <= $2)`,
		queue, s.now().UTC(),
	).Scan(&n)
	if err != nil {
		return 0, unavailable("count pending", err)
	}
	return n, nil
}

// Delete removes an envelope that no live lease holds.
func (s *Store) Delete(ctx context.Context, jobID id.JobID) error {
	var reserved bool
	err := s.pool.QueryRow(ctx, `
		WITH target AS (
			SELECT id, reserved_until IS NOT NULL AND reserved_until > $2 AS reserved
			FROM neoqueue_jobs WHERE id = $1
		), gone AS (
			DELETE FROM neoqueue_jobs
			WHERE id IN (SELECT id FROM target WHERE NOT reserved)
		)
		SELECT reserved FROM target`,
		jobID.String(), s.now().UTC(),
	).Scan(&reserved)
	if err != nil {
		if isNoRows(err) {
			return neoqueue.ErrJobNotFound
		}
		return unavailable("delete", err)
	}
	if reserved {
		return neoqueue.ErrJobReserved
	}
	return nil
}

// rowState holds the columns that change after dispatch.
type rowState struct {
	attempts      int
	exceptions    int
	lastError     string
	availableAt   time.Time
	reservedUntil *time.Time
}

// decode rebuilds an envelope from its stored snapshot and live columns.
func (s *Store) decode(data []byte, st rowState) (*envelope.Envelope, error) {
	env, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("neoqueue/postgres: decode envelope: %w", err)
	}
	env.Attempts = st.attempts
	env.Exceptions = st.exceptions
	env.LastError = st.lastError
	env.AvailableAt = st.availableAt.UTC()
	if st.reservedUntil != nil {
		t := st.reservedUntil.UTC()
		env.ReservedUntil = &t
	} else {
		env.ReservedUntil = nil
	}
	return env, nil
}
