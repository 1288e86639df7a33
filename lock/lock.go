// Package lock provides owner-tagged, TTL-bound locks shared by every
// worker using the same backend.
//
// Locks back the without-overlapping job middleware and the scheduler's
// on-one-server mode. A lock expires on its own after its TTL so a crashed
// holder never blocks other workers forever. Only the owner token that
// acquired a lock can release or extend it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/neonextechnologies/neoqueue"
)

// Store defines the persistence contract for locks.
type Store interface {
	// AcquireLock takes key for owner until now+ttl. It reports false when
	// another owner holds a live lock.
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ReleaseLock drops key if owner holds it.
	ReleaseLock(ctx context.Context, key, owner string) (bool, error)

	// ExtendLock pushes the expiry of a lock owner holds to now+ttl.
	ExtendLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ForceReleaseLock drops key regardless of owner.
	ForceReleaseLock(ctx context.Context, key string) error
}

// Lock is a held lock.
type Lock struct {
	Key       string
	Owner     string
	ExpiresAt time.Time
}

// Manager acquires and releases locks against a Store.
type Manager struct {
	store Store
	poll  time.Duration
}

// NewManager returns a lock manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store, poll: 250 * time.Millisecond}
}

// Acquire takes key with a fresh owner token. It returns
// neoqueue.ErrLockUnavailable when the key is held.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	owner := uuid.NewString()
	ok, err := m.store.AcquireLock(ctx, key, owner, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", neoqueue.ErrLockUnavailable, key)
	}
	return &Lock{Key: key, Owner: owner, ExpiresAt: time.Now().Add(ttl)}, nil
}

// Block retries Acquire until the lock is free or maxWait elapses.
func (m *Manager) Block(ctx context.Context, key string, ttl, maxWait time.Duration) (*Lock, error) {
	deadline := time.Now().Add(maxWait)
	for {
		l, err := m.Acquire(ctx, key, ttl)
		if err == nil || !errors.Is(err, neoqueue.ErrLockUnavailable) {
			return l, err
		}
		if time.Now().Add(m.poll).After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.poll):
		}
	}
}

// Release drops l. Releasing a lock that expired or changed hands reports
// false.
func (m *Manager) Release(ctx context.Context, l *Lock) (bool, error) {
	if l == nil {
		return false, nil
	}
	return m.store.ReleaseLock(ctx, l.Key, l.Owner)
}

// Extend pushes the expiry of l.
func (m *Manager) Extend(ctx context.Context, l *Lock, ttl time.Duration) (bool, error) {
	ok, err := m.store.ExtendLock(ctx, l.Key, l.Owner, ttl)
	if ok {
		l.ExpiresAt = time.Now().Add(ttl)
	}
	return ok, err
}

// ForceRelease drops key whoever holds it.
func (m *Manager) ForceRelease(ctx context.Context, key string) error {
	return m.store.ForceReleaseLock(ctx, key)
}

// Do runs fn while holding key. It returns neoqueue.ErrLockUnavailable
// without running fn when the key is held.
func (m *Manager) Do(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	l, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Release(context.WithoutCancel(ctx), l) }()
	return fn(ctx)
}
