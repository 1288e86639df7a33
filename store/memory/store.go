// Package memory provides a fully in-process implementation of store.Store.
// It is safe for concurrent use and intended for tests, development and
// single-process deployments. Nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/backend"
	"github.com/neonextechnologies/neoqueue/batch"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/failed"
	"github.com/neonextechnologies/neoqueue/id"
	"github.com/neonextechnologies/neoqueue/lock"
)

// Ensure Store implements every subsystem at compile time.
// We can't import store here (import cycle in tests), so we verify each one.
var (
	_ backend.Backend = (*Store)(nil)
	_ failed.Store    = (*Store)(nil)
	_ batch.Store     = (*Store)(nil)
	_ lock.Store      = (*Store)(nil)
)

type jobRecord struct {
	env *envelope.Envelope
	seq uint64
}

type batchRecord struct {
	b     *batch.Batch
	done  map[string]struct{}
	fired map[batch.CallbackKind]bool
}

type lockRecord struct {
	owner     string
	expiresAt time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Tests use it to move time forward
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is an in-memory store.Store.
type Store struct {
	mu  sync.Mutex
	now func() time.Time
	seq uint64

	jobs    map[string]*jobRecord
	failed  map[string]*failed.Entry
	batches map[string]*batchRecord
	locks   map[string]lockRecord
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		jobs:    make(map[string]*jobRecord),
		failed:  make(map[string]*failed.Entry),
		batches: make(map[string]*batchRecord),
		locks:   make(map[string]lockRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Backend
// ──────────────────────────────────────────────────

// Enqueue stores a copy of env.
func (m *Store) Enqueue(_ context.Context, env *envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := env.ID.String()
	if _, exists := m.jobs[key]; exists {
		return neoqueue.ErrJobAlreadyExists
	}
	m.seq++
	cp := env.Clone()
	if cp.Queue == "" {
		cp.Queue = envelope.DefaultQueue
	}
	m.jobs[key] = &jobRecord{env: cp, seq: m.seq}
	return nil
}

// Reserve claims the oldest visible envelope on queue.
func (m *Store) Reserve(_ context.Context, queue string, visibility time.Duration) (*envelope.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var best *jobRecord
	for _, rec := range m.jobs {
		if rec.env.Queue != queue || !rec.env.Visible(now) {
			continue
		}
		if best == nil || rec.env.AvailableAt.Before(best.env.AvailableAt) ||
			(rec.env.AvailableAt.Equal(best.env.AvailableAt) && rec.seq < best.seq) {
			best = rec
		}
	}
	if best == nil {
		return nil, nil //nolint:nilnil // empty queue is not an error
	}

	until := now.Add(visibility)
	best.env.ReservedUntil = &until
	return best.env.Clone(), nil
}

// Ack removes an envelope.
func (m *Store) Ack(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID.String())
	return nil
}

// Release returns an envelope to its queue after delay.
func (m *Store) Release(_ context.Context, jobID id.JobID, delay time.Duration, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.jobs[jobID.String()]
	if !ok {
		return neoqueue.ErrJobNotFound
	}
	env := rec.env
	env.Attempts++
	if cause != nil {
		env.Exceptions++
		env.LastError = cause.Error()
	}
	env.ReservedUntil = nil
	env.AvailableAt = m.now().UTC().Add(max(delay, 0))
	return nil
}

// Fail moves an envelope into the failed-job store.
func (m *Store) Fail(_ context.Context, jobID id.JobID, exception string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	rec, ok := m.jobs[key]
	if !ok {
		return neoqueue.ErrJobNotFound
	}
	entry := failed.NewEntry(rec.env, exception, m.now())
	delete(m.jobs, key)
	m.failed[entry.ID.String()] = entry
	return nil
}

// CountPending counts unreserved envelopes on queue.
func (m *Store) CountPending(_ context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var n int64
	for _, rec := range m.jobs {
		if rec.env.Queue == queue && !rec.env.Reserved(now) {
			n++
		}
	}
	return n, nil
}

// Delete removes an unreserved envelope.
func (m *Store) Delete(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	rec, ok := m.jobs[key]
	if !ok {
		return neoqueue.ErrJobNotFound
	}
	if rec.env.Reserved(m.now().UTC()) {
		return neoqueue.ErrJobReserved
	}
	delete(m.jobs, key)
	return nil
}

// Peek returns a copy of a stored envelope. It exists for tests and the
// CLI; workers never read envelopes outside Reserve.
func (m *Store) Peek(jobID id.JobID) (*envelope.Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, false
	}
	return rec.env.Clone(), true
}

// ──────────────────────────────────────────────────
// Failed jobs
// ──────────────────────────────────────────────────

// GetFailed returns a failed-job entry.
func (m *Store) GetFailed(_ context.Context, entryID id.FailedID) (*failed.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.failed[entryID.String()]
	if !ok {
		return nil, neoqueue.ErrFailedJobNotFound
	}
	cp := *e
	cp.Envelope = e.Envelope.Clone()
	return &cp, nil
}

// ListFailed returns entries newest first.
func (m *Store) ListFailed(_ context.Context, opts failed.ListOpts) ([]*failed.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*failed.Entry, 0, len(m.failed))
	for _, e := range m.failed {
		if opts.Queue != "" && e.Queue != opts.Queue {
			continue
		}
		cp := *e
		cp.Envelope = e.Envelope.Clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].FailedAt.Equal(out[k].FailedAt) {
			return out[i].ID.String() > out[k].ID.String()
		}
		return out[i].FailedAt.After(out[k].FailedAt)
	})
	return paginate(out, opts.Offset, opts.Limit), nil
}

// ForgetFailed deletes an entry.
func (m *Store) ForgetFailed(_ context.Context, entryID id.FailedID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryID.String()
	if _, ok := m.failed[key]; !ok {
		return neoqueue.ErrFailedJobNotFound
	}
	delete(m.failed, key)
	return nil
}

// FlushFailed deletes every entry.
func (m *Store) FlushFailed(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.failed))
	m.failed = make(map[string]*failed.Entry)
	return n, nil
}

// PruneFailed deletes entries that failed before the given time.
func (m *Store) PruneFailed(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, e := range m.failed {
		if e.FailedAt.Before(before) {
			delete(m.failed, key)
			n++
		}
	}
	return n, nil
}

// CountFailed returns the number of entries.
func (m *Store) CountFailed(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.failed)), nil
}

// ──────────────────────────────────────────────────
// Batches
// ──────────────────────────────────────────────────

// CreateBatch persists a batch.
func (m *Store) CreateBatch(_ context.Context, b *batch.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyBatch(b)
	m.batches[b.ID.String()] = &batchRecord{
		b:     cp,
		done:  make(map[string]struct{}),
		fired: make(map[batch.CallbackKind]bool),
	}
	return nil
}

// GetBatch returns a batch.
func (m *Store) GetBatch(_ context.Context, batchID id.BatchID) (*batch.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.batches[batchID.String()]
	if !ok {
		return nil, neoqueue.ErrBatchNotFound
	}
	return copyBatch(rec.b), nil
}

// RecordSuccess settles one job as successful.
func (m *Store) RecordSuccess(_ context.Context, batchID id.BatchID, jobID id.JobID) (batch.Counts, error) {
	return m.record(batchID, jobID, false)
}

// RecordFailure settles one job as failed.
func (m *Store) RecordFailure(_ context.Context, batchID id.BatchID, jobID id.JobID) (batch.Counts, error) {
	return m.record(batchID, jobID, true)
}

// RecordSkip settles one job skipped by cancellation.
func (m *Store) RecordSkip(_ context.Context, batchID id.BatchID, jobID id.JobID) (batch.Counts, error) {
	return m.record(batchID, jobID, false)
}

func (m *Store) record(batchID id.BatchID, jobID id.JobID, failure bool) (batch.Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.batches[batchID.String()]
	if !ok {
		return batch.Counts{}, neoqueue.ErrBatchNotFound
	}
	key := jobID.String()
	if _, seen := rec.done[key]; !seen {
		rec.done[key] = struct{}{}
		rec.b.PendingJobs--
		if failure {
			rec.b.FailedJobs++
			rec.b.FailedJobIDs = append(rec.b.FailedJobIDs, jobID)
		}
		return countsOf(rec.b, true), nil
	}
	return countsOf(rec.b, false), nil
}

// CancelBatch marks a batch cancelled.
func (m *Store) CancelBatch(_ context.Context, batchID id.BatchID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.batches[batchID.String()]
	if !ok {
		return neoqueue.ErrBatchNotFound
	}
	if rec.b.CancelledAt == nil {
		now := m.now().UTC()
		rec.b.CancelledAt = &now
	}
	return nil
}

// MarkCallbackFired sets the fired flag for kind once.
func (m *Store) MarkCallbackFired(_ context.Context, batchID id.BatchID, kind batch.CallbackKind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.batches[batchID.String()]
	if !ok {
		return false, neoqueue.ErrBatchNotFound
	}
	if rec.fired[kind] {
		return false, nil
	}
	rec.fired[kind] = true
	return true, nil
}

// MarkFinished stamps FinishedAt.
func (m *Store) MarkFinished(_ context.Context, batchID id.BatchID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.batches[batchID.String()]
	if !ok {
		return neoqueue.ErrBatchNotFound
	}
	if rec.b.FinishedAt == nil {
		now := m.now().UTC()
		rec.b.FinishedAt = &now
	}
	return nil
}

// ──────────────────────────────────────────────────
// Locks
// ──────────────────────────────────────────────────

// AcquireLock takes key for owner unless another owner holds it.
func (m *Store) AcquireLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.locks[key]; ok && cur.expiresAt.After(now) && cur.owner != owner {
		return false, nil
	}
	m.locks[key] = lockRecord{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseLock drops key if owner holds it.
func (m *Store) ReleaseLock(_ context.Context, key, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[key]
	if !ok || cur.owner != owner {
		return false, nil
	}
	delete(m.locks, key)
	return cur.expiresAt.After(m.now()), nil
}

// ExtendLock pushes the expiry of a live lock owner holds.
func (m *Store) ExtendLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, ok := m.locks[key]
	if !ok || cur.owner != owner || !cur.expiresAt.After(now) {
		return false, nil
	}
	m.locks[key] = lockRecord{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// ForceReleaseLock drops key regardless of owner.
func (m *Store) ForceReleaseLock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func copyBatch(b *batch.Batch) *batch.Batch {
	cp := *b
	cp.FailedJobIDs = append([]id.JobID(nil), b.FailedJobIDs...)
	if b.CancelledAt != nil {
		t := *b.CancelledAt
		cp.CancelledAt = &t
	}
	if b.FinishedAt != nil {
		t := *b.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

func countsOf(b *batch.Batch, applied bool) batch.Counts {
	return batch.Counts{
		Total:     b.TotalJobs,
		Pending:   b.PendingJobs,
		Failed:    b.FailedJobs,
		Cancelled: b.CancelledAt != nil,
		Applied:   applied,
	}
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
