package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/batch"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/failed"
	"github.com/neonextechnologies/neoqueue/id"
	"github.com/neonextechnologies/neoqueue/store/sqlite"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestStore(t *testing.T, opts ...sqlite.Option) (*sqlite.Store, *clock) {
	t.Helper()
	ctx := context.Background()

	clk := &clock{now: time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)}
	opts = append([]sqlite.Option{sqlite.WithClock(clk.Now)}, opts...)
	s, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "queue.db"), opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	return s, clk
}

// ──────────────────────────────────────────────────
// Backend tests
// ──────────────────────────────────────────────────

func TestStore_EnqueueReserveAck(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	env := envelope.New("send_email", []byte(`{"to":"a@b.c"}`),
		envelope.WithQueue("mail"),
		envelope.WithBackoff(time.Second, 5*time.Second),
	)
	if err := s.Enqueue(ctx, env); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Enqueue(ctx, env); !errors.Is(err, neoqueue.ErrJobAlreadyExists) {
		t.Fatalf("duplicate Enqueue = %v, want ErrJobAlreadyExists", err)
	}
	if n, _ := s.CountPending(ctx, "mail"); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}

	got, err := s.Reserve(ctx, "mail", time.Minute)
	if err != nil || got == nil {
		t.Fatalf("Reserve = %v, %v", got, err)
	}
	if got.ID != env.ID || len(got.Backoff) != 2 || got.ReservedUntil == nil {
		t.Fatalf("reserved = %+v", got)
	}
	if again, _ := s.Reserve(ctx, "mail", time.Minute); again != nil {
		t.Fatal("reserved envelope handed out twice")
	}
	if n, _ := s.CountPending(ctx, "mail"); n != 0 {
		t.Errorf("pending = %d while reserved", n)
	}

	if err := s.Ack(ctx, env.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := s.Ack(ctx, env.ID); err != nil {
		t.Fatalf("second Ack: %v", err)
	}
}

func TestStore_ReserveOrder(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	late := envelope.New("late", nil, envelope.WithAvailableAt(base))
	first := envelope.New("first", nil, envelope.WithAvailableAt(base.Add(-time.Minute)))
	second := envelope.New("second", nil, envelope.WithAvailableAt(base.Add(-time.Minute)))
	for _, e := range []*envelope.Envelope{late, first, second} {
		if err := s.Enqueue(ctx, e); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var names []string
	for range 3 {
		env, _ := s.Reserve(ctx, envelope.DefaultQueue, time.Minute)
		names = append(names, env.Name)
	}
	if names[0] != "first" || names[1] != "second" || names[2] != "late" {
		t.Fatalf("order = %v", names)
	}
}

func TestStore_DelayedJobInvisible(t *testing.T) {
	s, clk := setupTestStore(t)
	ctx := context.Background()

	env := envelope.New("later", nil, envelope.WithAvailableAt(clk.Now().Add(time.Minute)))
	_ = s.Enqueue(ctx, env)

	if got, _ := s.Reserve(ctx, envelope.DefaultQueue, time.Minute); got != nil {
		t.Fatal("delayed envelope reserved early")
	}
	if n, _ := s.CountPending(ctx, envelope.DefaultQueue); n != 1 {
		t.Errorf("pending = %d, want delayed job counted", n)
	}
	clk.Advance(time.Minute)
	if got, _ := s.Reserve(ctx, envelope.DefaultQueue, time.Minute); got == nil {
		t.Fatal("delayed envelope not reservable once due")
	}
}

func TestStore_ReleaseAndRedeliver(t *testing.T) {
	s, clk := setupTestStore(t)
	ctx := context.Background()

	env := envelope.New("flaky", nil)
	_ = s.Enqueue(ctx, env)
	_, _ = s.Reserve(ctx, envelope.DefaultQueue, time.Minute)

	if err := s.Release(ctx, env.ID, 5*time.Second, errors.New("boom")); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got, _ := s.Reserve(ctx, envelope.DefaultQueue, time.Minute); got != nil {
		t.Fatal("released envelope visible before its delay")
	}
	clk.Advance(5 * time.Second)

	got, err := s.Reserve(ctx, envelope.DefaultQueue, 30*time.Second)
	if err != nil || got == nil {
		t.Fatalf("Reserve = %v, %v", got, err)
	}
	if got.Attempts != 1 || got.Exceptions != 1 || got.LastError != "boom" {
		t.Fatalf("attempts=%d exceptions=%d last=%q", got.Attempts, got.Exceptions, got.LastError)
	}

	if err := s.Release(ctx, env.ID, 0, nil); err != nil {
		t.Fatalf("voluntary Release: %v", err)
	}
	got, _ = s.Reserve(ctx, envelope.DefaultQueue, 30*time.Second)
	if got.Attempts != 2 || got.Exceptions != 1 || got.LastError != "boom" {
		t.Fatalf("voluntary release: attempts=%d exceptions=%d last=%q", got.Attempts, got.Exceptions, got.LastError)
	}

	clk.Advance(31 * time.Second)
	again, _ := s.Reserve(ctx, envelope.DefaultQueue, time.Minute)
	if again == nil || again.Attempts != 2 {
		t.Fatalf("redelivery after lease expiry = %+v", again)
	}

	if err := s.Release(ctx, id.NewJobID(), 0, nil); !errors.Is(err, neoqueue.ErrJobNotFound) {
		t.Errorf("Release missing = %v, want ErrJobNotFound", err)
	}
}

func TestStore_ConcurrentReserve(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	const jobs = 30
	for range jobs {
		_ = s.Enqueue(ctx, envelope.New("race", nil))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				env, err := s.Reserve(ctx, envelope.DefaultQueue, time.Minute)
				if err != nil {
					t.Errorf("Reserve: %v", err)
					return
				}
				if env == nil {
					return
				}
				mu.Lock()
				seen[env.ID.String()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("reserved %d distinct envelopes, want %d", len(seen), jobs)
	}
	for jobID, n := range seen {
		if n != 1 {
			t.Errorf("%s reserved %d times", jobID, n)
		}
	}
}

func TestStore_Delete(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	idle := envelope.New("idle", nil)
	busy := envelope.New("busy", nil, envelope.WithQueue("other"))
	_ = s.Enqueue(ctx, idle)
	_ = s.Enqueue(ctx, busy)
	_, _ = s.Reserve(ctx, "other", time.Minute)

	if err := s.Delete(ctx, idle.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, idle.ID); !errors.Is(err, neoqueue.ErrJobNotFound) {
		t.Errorf("Delete missing = %v, want ErrJobNotFound", err)
	}
	if err := s.Delete(ctx, busy.ID); !errors.Is(err, neoqueue.ErrJobReserved) {
		t.Errorf("Delete reserved = %v, want ErrJobReserved", err)
	}
}

// ──────────────────────────────────────────────────
// Failed job tests
// ──────────────────────────────────────────────────

func TestStore_FailAndInspect(t *testing.T) {
	s, clk := setupTestStore(t, sqlite.WithCodec(envelope.GetCodec(envelope.CodecNameMsgpack)))
	ctx := context.Background()

	a := envelope.New("a", []byte("1"), envelope.WithQueue("q1"))
	b := envelope.New("b", []byte("2"), envelope.WithQueue("q2"))
	_ = s.Enqueue(ctx, a)
	_ = s.Enqueue(ctx, b)

	if err := s.Fail(ctx, a.ID, "first"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := s.Fail(ctx, a.ID, "again"); !errors.Is(err, neoqueue.ErrJobNotFound) {
		t.Fatalf("second Fail = %v, want ErrJobNotFound", err)
	}
	clk.Advance(time.Second)
	_ = s.Fail(ctx, b.ID, "second")

	if n, _ := s.CountPending(ctx, "q1"); n != 0 {
		t.Errorf("failed job still pending: %d", n)
	}

	all, err := s.ListFailed(ctx, failed.ListOpts{})
	if err != nil || len(all) != 2 {
		t.Fatalf("ListFailed = %d, %v", len(all), err)
	}
	if all[0].Name != "b" || all[1].Exception != "first" {
		t.Fatalf("not newest first: %s, %s", all[0].Name, all[1].Name)
	}
	if all[1].Envelope.LastError != "first" || string(all[1].Payload) != "1" || all[1].Envelope.ReservedUntil != nil {
		t.Errorf("snapshot = %+v", all[1].Envelope)
	}

	q1, _ := s.ListFailed(ctx, failed.ListOpts{Queue: "q1"})
	if len(q1) != 1 || q1[0].JobID != a.ID {
		t.Fatalf("queue filter = %+v", q1)
	}
	page, _ := s.ListFailed(ctx, failed.ListOpts{Offset: 1, Limit: 1})
	if len(page) != 1 || page[0].Name != "a" {
		t.Fatalf("page = %+v", page)
	}

	got, err := s.GetFailed(ctx, q1[0].ID)
	if err != nil || got.Queue != "q1" || got.FailedAt.IsZero() {
		t.Fatalf("GetFailed = %+v, %v", got, err)
	}

	if n, _ := s.PruneFailed(ctx, clk.Now()); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if err := s.ForgetFailed(ctx, q1[0].ID); !errors.Is(err, neoqueue.ErrFailedJobNotFound) {
		t.Errorf("forget pruned = %v, want ErrFailedJobNotFound", err)
	}
	if n, _ := s.FlushFailed(ctx); n != 1 {
		t.Errorf("flushed %d, want 1", n)
	}
	if n, _ := s.CountFailed(ctx); n != 0 {
		t.Errorf("count = %d after flush", n)
	}
}

// ──────────────────────────────────────────────────
// Batch tests
// ──────────────────────────────────────────────────

func TestStore_BatchCounters(t *testing.T) {
	s, clk := setupTestStore(t)
	ctx := context.Background()

	b := &batch.Batch{ID: id.NewBatchID(), Name: "import", TotalJobs: 3, PendingJobs: 3, Finally: "done", CancelOnFailure: true, CreatedAt: clk.Now()}
	if err := s.CreateBatch(ctx, b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	j1, j2, j3 := id.NewJobID(), id.NewJobID(), id.NewJobID()
	c, err := s.RecordSuccess(ctx, b.ID, j1)
	if err != nil || !c.Applied || c.Pending != 2 || c.Total != 3 {
		t.Fatalf("RecordSuccess = %+v, %v", c, err)
	}
	if c, _ := s.RecordSuccess(ctx, b.ID, j1); c.Applied || c.Pending != 2 {
		t.Fatalf("duplicate record applied: %+v", c)
	}
	if c, _ := s.RecordFailure(ctx, b.ID, j2); c.Failed != 1 || c.Pending != 1 {
		t.Fatalf("RecordFailure = %+v", c)
	}

	if err := s.CancelBatch(ctx, b.ID); err != nil {
		t.Fatalf("CancelBatch: %v", err)
	}
	if err := s.CancelBatch(ctx, b.ID); err != nil {
		t.Fatalf("second CancelBatch: %v", err)
	}
	if c, _ := s.RecordSkip(ctx, b.ID, j3); !c.Cancelled || c.Pending != 0 || c.Failed != 1 {
		t.Fatalf("RecordSkip = %+v", c)
	}

	first, _ := s.MarkCallbackFired(ctx, b.ID, batch.CallbackFinally)
	second, _ := s.MarkCallbackFired(ctx, b.ID, batch.CallbackFinally)
	other, _ := s.MarkCallbackFired(ctx, b.ID, batch.CallbackCatch)
	if !first || second || !other {
		t.Fatalf("fired = %v, %v, %v", first, second, other)
	}
	if err := s.MarkFinished(ctx, b.ID); err != nil {
		t.Fatalf("MarkFinished: %v", err)
	}

	got, err := s.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Name != "import" || !got.CancelOnFailure || !got.Cancelled() || got.FinishedAt == nil {
		t.Fatalf("batch = %+v", got)
	}
	if len(got.FailedJobIDs) != 1 || got.FailedJobIDs[0] != j2 {
		t.Fatalf("failed ids = %v", got.FailedJobIDs)
	}

	missing := id.NewBatchID()
	if _, err := s.RecordSuccess(ctx, missing, j1); !errors.Is(err, neoqueue.ErrBatchNotFound) {
		t.Errorf("RecordSuccess missing = %v, want ErrBatchNotFound", err)
	}
	if _, err := s.MarkCallbackFired(ctx, missing, batch.CallbackThen); !errors.Is(err, neoqueue.ErrBatchNotFound) {
		t.Errorf("MarkCallbackFired missing = %v, want ErrBatchNotFound", err)
	}
	if err := s.CancelBatch(ctx, missing); !errors.Is(err, neoqueue.ErrBatchNotFound) {
		t.Errorf("CancelBatch missing = %v, want ErrBatchNotFound", err)
	}
}

// ──────────────────────────────────────────────────
// Lock tests
// ──────────────────────────────────────────────────

func TestStore_Locks(t *testing.T) {
	s, clk := setupTestStore(t)
	ctx := context.Background()

	if ok, err := s.AcquireLock(ctx, "report", "w1", time.Minute); err != nil || !ok {
		t.Fatalf("AcquireLock = %v, %v", ok, err)
	}
	if ok, _ := s.AcquireLock(ctx, "report", "w1", time.Minute); !ok {
		t.Fatal("owner could not refresh its lock")
	}
	if ok, _ := s.AcquireLock(ctx, "report", "w2", time.Minute); ok {
		t.Fatal("second owner acquired a held lock")
	}
	if ok, _ := s.ExtendLock(ctx, "report", "w2", time.Minute); ok {
		t.Fatal("non-owner extended the lock")
	}

	clk.Advance(2 * time.Minute)
	if ok, _ := s.AcquireLock(ctx, "report", "w2", time.Minute); !ok {
		t.Fatal("expired lock not taken over")
	}
	if ok, _ := s.ReleaseLock(ctx, "report", "w1"); ok {
		t.Fatal("previous owner released the lock")
	}
	if ok, _ := s.ReleaseLock(ctx, "report", "w2"); !ok {
		t.Fatal("owner could not release")
	}

	_, _ = s.AcquireLock(ctx, "stuck", "w1", time.Hour)
	if err := s.ForceReleaseLock(ctx, "stuck"); err != nil {
		t.Fatalf("ForceReleaseLock: %v", err)
	}
	if ok, _ := s.AcquireLock(ctx, "stuck", "w2", time.Hour); !ok {
		t.Fatal("lock still held after force release")
	}
}

func TestStore_CodecsKeepBatchAndChain(t *testing.T) {
	for _, name := range []string{envelope.CodecNameJSON, envelope.CodecNameMsgpack} {
		t.Run(name, func(t *testing.T) {
			s, _ := setupTestStore(t, sqlite.WithCodec(envelope.GetCodec(name)))
			ctx := context.Background()

			env := envelope.New("part", []byte(`{"row":1}`))
			env.BatchID = id.NewBatchID()
			env.Chain = []*envelope.Envelope{envelope.New("after", nil)}
			plain := envelope.New("plain", nil)
			for _, e := range []*envelope.Envelope{env, plain} {
				if err := s.Enqueue(ctx, e); err != nil {
					t.Fatalf("Enqueue: %v", err)
				}
			}

			got, err := s.Reserve(ctx, envelope.DefaultQueue, time.Minute)
			if err != nil || got == nil {
				t.Fatalf("Reserve = %v, %v", got, err)
			}
			if got.BatchID != env.BatchID {
				t.Fatalf("batch = %q, want %q", got.BatchID, env.BatchID)
			}
			if len(got.Chain) != 1 || got.Chain[0].Name != "after" {
				t.Fatalf("chain = %+v", got.Chain)
			}

			next, err := s.Reserve(ctx, envelope.DefaultQueue, time.Minute)
			if err != nil || next == nil {
				t.Fatalf("Reserve = %v, %v", next, err)
			}
			if !next.BatchID.IsNil() {
				t.Fatalf("unbatched envelope came back with batch %q", next.BatchID)
			}
		})
	}
}

func TestStore_CorruptEnvelopeIsFailed(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	env := envelope.New("garbled", nil)
	if err := s.Enqueue(ctx, env); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx,
		`UPDATE neoqueue_jobs SET data = ? WHERE id = ?`,
		[]byte("not an envelope"), env.ID.String(),
	); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	if _, err := s.Reserve(ctx, envelope.DefaultQueue, time.Minute); !errors.Is(err, neoqueue.ErrCorruptEnvelope) {
		t.Fatalf("Reserve = %v, want ErrCorruptEnvelope", err)
	}
	if again, err := s.Reserve(ctx, envelope.DefaultQueue, time.Minute); err != nil || again != nil {
		t.Fatalf("second Reserve = %v, %v; want empty", again, err)
	}
	if n, _ := s.CountFailed(ctx); n != 1 {
		t.Fatalf("failed = %d, want 1", n)
	}
	if list, err := s.ListFailed(ctx, failed.ListOpts{}); err != nil || len(list) != 0 {
		t.Fatalf("ListFailed = %d, %v; unreadable entries are skipped", len(list), err)
	}
}
