package sqlite

import (
	"context"
	"time"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/failed"
	"github.com/neonextechnologies/neoqueue/id"
)

const failedColumns = `id, job_id, name, queue, payload, exception, envelope, failed_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// GetFailed retrieves a failed-job entry by ID.
func (s *Store) GetFailed(ctx context.Context, entryID id.FailedID) (*failed.Entry, error) {
	e, err := s.scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+failedColumns+` FROM neoqueue_failed_jobs WHERE id = ?`,
		entryID.String(),
	))
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
	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+failedColumns+` FROM neoqueue_failed_jobs
		WHERE (? = '' OR queue = ?)
		ORDER BY failed_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		opts.Queue, opts.Queue, limit, max(opts.Offset, 0),
	)
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM neoqueue_failed_jobs WHERE id = ?`, entryID.String())
	if err != nil {
		return unavailable("forget failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return neoqueue.ErrFailedJobNotFound
	}
	return nil
}

// FlushFailed deletes every entry.
func (s *Store) FlushFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM neoqueue_failed_jobs`)
	if err != nil {
		return 0, unavailable("flush failed", err)
	}
	return res.RowsAffected()
}

// PruneFailed deletes entries that failed before the given time.
func (s *Store) PruneFailed(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM neoqueue_failed_jobs WHERE failed_at < ?`, millis(before))
	if err != nil {
		return 0, unavailable("prune failed", err)
	}
	return res.RowsAffected()
}

// CountFailed returns the number of entries.
func (s *Store) CountFailed(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM neoqueue_failed_jobs`).Scan(&n); err != nil {
		return 0, unavailable("count failed", err)
	}
	return n, nil
}

func (s *Store) scanEntry(row rowScanner) (*failed.Entry, error) {
	var (
		e             failed.Entry
		rawID, rawJob string
		snap          []byte
		failedAt      int64
	)
	if err := row.Scan(&rawID, &rawJob, &e.Name, &e.Queue, &e.Payload, &e.Exception, &snap, &failedAt); err != nil {
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
	e.FailedAt = fromMillis(failedAt)
	return &e, nil
}
