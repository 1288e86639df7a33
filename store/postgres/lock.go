package postgres

import (
	"context"
	"time"
)

// AcquireLock takes key for owner unless another owner holds a live lock.
// The conflict branch only overwrites expired rows or rows of the same
// owner.
func (s *Store) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO neoqueue_locks (key, owner, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
			SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
			WHERE neoqueue_locks.expires_at <= $4 OR neoqueue_locks.owner = EXCLUDED.owner`,
		key, owner, now.Add(ttl), now,
	)
	if err != nil {
		return false, unavailable("acquire lock", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLock drops key if owner holds it. An expired lock is removed but
// reported as not held.
func (s *Store) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	var live bool
	err := s.pool.QueryRow(ctx, `
		DELETE FROM neoqueue_locks WHERE key = $1 AND owner = $2
		RETURNING expires_at > $3`,
		key, owner, s.now().UTC(),
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
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE neoqueue_locks SET expires_at = $3
		WHERE key = $1 AND owner = $2 AND expires_at > $4`,
		key, owner, now.Add(ttl), now,
	)
	if err != nil {
		return false, unavailable("extend lock", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ForceReleaseLock drops key regardless of owner.
func (s *Store) ForceReleaseLock(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM neoqueue_locks WHERE key = $1`, key); err != nil {
		return unavailable("force release lock", err)
	}
	return nil
}
