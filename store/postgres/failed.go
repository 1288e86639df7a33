package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/failed"
	"github.com/neonextechnologies/neoqueue/id"
)

// GetFailed retrieves a failed-job entry by ID.
func (s *Store) GetFailed(ctx context.Context, entryID id.FailedID) (*failed.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, job_id, name, queue, payload, exception, envelope, failed_at
		FROM neoqueue_failed_jobs WHERE id = $1`,
		entryID.String(),
	)
	e, err := s.scanEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, neoqueue.ErrFailedJobNotFound
		}
		return nil, unavailable("get failed", err)
	}
	return e, nil
}

// ListFailed returns entries newest first.
func (s *Store) ListFailed(ctx context.Context, opts failed.ListOpts) ([]*failed.Entry, error) {
	query := `
		SELECT id, job_id, name, queue, payload, exception, envelope, failed_at
		FROM neoqueue_failed_jobs
		WHERE ($1::text = '' OR queue = $1::text)
		ORDER BY failed_at DESC, id DESC`
	args := []any{opts.Queue}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list failed", err)
	}
	defer rows.Close()

	out := make([]*failed.Entry, 0)
	for rows.Next() {
		e, scanErr := s.scanEntry(rows)
		if scanErr != nil {
			s.logger.Warn("skipping unreadable failed job", "error", scanErr)
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list failed", err)
	}
	return out, nil
}

// ForgetFailed deletes one entry.
func (s *Store) ForgetFailed(ctx context.Context, entryID id.FailedID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM neoqueue_failed_jobs WHERE id = $1`, entryID.String())
	if err != nil {
		return unavailable("forget failed", err)
	}
	if tag.RowsAffected() == 0 {
		return neoqueue.ErrFailedJobNotFound
	}
	return nil
}

// FlushFailed deletes every entry.
func (s *Store) FlushFailed(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM neoqueue_failed_jobs`)
	if err != nil {
		return 0, unavailable("flush failed", err)
	}
	return tag.RowsAffected(), nil
}

// PruneFailed deletes entries that failed before the given time.
func (s *Store) PruneFailed(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM neoqueue_failed_jobs WHERE failed_at < $1`, before.UTC())
	if err != nil {
		return 0, unavailable("prune failed", err)
	}
	return tag.RowsAffected(), nil
}

// CountFailed returns the number of entries.
func (s *Store) CountFailed(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM neoqueue_failed_jobs`).Scan(&n); err != nil {
		return 0, unavailable("count failed", err)
	}
	return n, nil
}

func (s *Store) scanEntry(row pgx.Row) (*failed.Entry, error) {
	var (
		e             failed.Entry
		rawID, rawJob string
		snap          []byte
	)
	if err := row.Scan(&rawID, &rawJob, &e.Name, &e.Queue, &e.Payload, &e.Exception, &snap, &e.FailedAt); err != nil {
		return nil, err
	}
	var err error
	if e.ID, err = id.ParseFailedID(rawID); err != nil {
		return nil, err
	}
	if e.JobID, err = id.ParseJobID(rawJob); err != nil {
		return nil, err
	}
	if e.Envelope, err = s.codec.Decode(snap); err != nil {
		return nil, err
	}
	e.FailedAt = e.FailedAt.UTC()
	return &e, nil
}
