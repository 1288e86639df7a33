package sqlite

import (
	"context"
	"time"
)

// AcquireLock takes key for owner unless another owner holds a live lock.
func (s *Store) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO neoqueue_locks (key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE
			SET owner = excluded.owner, expires_at = excluded.expires_at
			WHERE neoqueue_locks.expires_at <= ? OR neoqueue_locks.owner = excluded.owner`,
		key, owner, millis(now.Add(ttl)), millis(now),
	)
	if err != nil {
		return false, unavailable("acquire lock", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReleaseLock drops key if owner holds it. An expired lock is removed but
// reported as not held.
func (s *Store) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	var live bool
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM neoqueue_locks WHERE key = ? AND owner = ?
		RETURNING expires_at > ?`,
		key, owner, millis(s.now()),
	).Scan(&live)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, unavailable("release lock", err)
	}
	return live, nil
}

// ExtendLock pushes the expiry of a live lock owner holds.
func (s *Store) ExtendLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE neoqueue_locks SET expires_at = ?
		WHERE key = ? AND owner = ? AND expires_at > ?`,
		millis(now.Add(ttl)), key, owner, millis(now),
	)
	if err != nil {
		return false, unavailable("extend lock", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ForceReleaseLock drops key regardless of owner.
func (s *Store) ForceReleaseLock(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM neoqueue_locks WHERE key = ?`, key); err != nil {
		return unavailable("force release lock", err)
	}
	return nil
}
