package redis

import (
	"context"
	"time"
)

// AcquireLock takes key for owner unless another owner holds it. The same
// owner refreshes its TTL.
func (s *Store) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := lockAcquireScript.Run(ctx, s.client, []string{lockKey(key)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, unavailable("acquire lock", err)
	}
	return res == 1, nil
}

// ReleaseLock drops key if owner holds it.
func (s *Store) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	res, err := lockReleaseScript.Run(ctx, s.client, []string{lockKey(key)}, owner).Int64()
	if err != nil {
		return false, unavailable("release lock", err)
	}
	return res == 1, nil
}

// ExtendLock pushes the expiry of a lock owner holds.
func (s *Store) ExtendLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := lockExtendScript.Run(ctx, s.client, []string{lockKey(key)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, unavailable("extend lock", err)
	}
	return res == 1, nil
}

// ForceReleaseLock drops key regardless of owner.
func (s *Store) ForceReleaseLock(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, lockKey(key)).Err(); err != nil {
		return unavailable("force release lock", err)
	}
	return nil
}
