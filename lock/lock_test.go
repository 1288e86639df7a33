package lock_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/lock"
	"github.com/neonextechnologies/neoqueue/store/memory"
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

func TestManager_AcquireRelease(t *testing.T) {
	m := lock.NewManager(memory.New())
	ctx := context.Background()

	l, err := m.Acquire(ctx, "report:42", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.Owner == "" {
		t.Fatal("lock has no owner token")
	}

	if _, err := m.Acquire(ctx, "report:42", time.Minute); !errors.Is(err, neoqueue.ErrLockUnavailable) {
		t.Fatalf("second Acquire = %v, want ErrLockUnavailable", err)
	}

	ok, err := m.Release(ctx, l)
	if err != nil || !ok {
		t.Fatalf("Release = %v, %v", ok, err)
	}
	if _, err := m.Acquire(ctx, "report:42", time.Minute); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestManager_Do(t *testing.T) {
	m := lock.NewManager(memory.New())
	ctx := context.Background()

	ran := false
	err := m.Do(ctx, "k", time.Minute, func(ctx context.Context) error {
		ran = true
		if err := m.Do(ctx, "k", time.Minute, func(context.Context) error { return nil }); !errors.Is(err, neoqueue.ErrLockUnavailable) {
			t.Errorf("nested Do = %v, want ErrLockUnavailable", err)
		}
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("Do = %v, ran=%v", err, ran)
	}

	if _, err := m.Acquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("lock not released after Do: %v", err)
	}
}

func TestManager_BlockTimesOut(t *testing.T) {
	m := lock.NewManager(memory.New())
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "busy", time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	start := time.Now()
	_, err := m.Block(ctx, "busy", time.Minute, 300*time.Millisecond)
	if !errors.Is(err, neoqueue.ErrLockUnavailable) {
		t.Fatalf("Block = %v, want ErrLockUnavailable", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("Block waited far past maxWait")
	}
}

func TestManager_BlockAcquiresAfterRelease(t *testing.T) {
	m := lock.NewManager(memory.New())
	ctx := context.Background()

	held, _ := m.Acquire(ctx, "busy", time.Minute)
	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = m.Release(ctx, held)
	}()

	l, err := m.Block(ctx, "busy", time.Minute, 5*time.Second)
	if err != nil {
		t.Fatalf("Block: %v", err)
	}
	if l.Owner == held.Owner {
		t.Fatal("new lock reused the old owner token")
	}
}

func TestManager_ForceRelease(t *testing.T) {
	m := lock.NewManager(memory.New())
	ctx := context.Background()

	_, _ = m.Acquire(ctx, "stuck", time.Hour)
	if err := m.ForceRelease(ctx, "stuck"); err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}
	if _, err := m.Acquire(ctx, "stuck", time.Hour); err != nil {
		t.Fatalf("Acquire after ForceRelease: %v", err)
	}
}

func TestManager_ConcurrentAcquire(t *testing.T) {
	backends := map[string]func(t *testing.T, clk *clock) lock.Store{
		"memory": func(_ *testing.T, clk *clock) lock.Store {
			return memory.New(memory.WithClock(clk.Now))
		},
		"sqlite": func(t *testing.T, clk *clock) lock.Store {
			ctx := context.Background()
			s, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "locks.db"), sqlite.WithClock(clk.Now))
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			if err := s.Migrate(ctx); err != nil {
				t.Fatalf("migrate: %v", err)
			}
			return s
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			clk := &clock{now: time.Now().UTC().Truncate(time.Millisecond)}
			m := lock.NewManager(open(t, clk))
			ctx := context.Background()

			const n = 16
			var (
				wg      sync.WaitGroup
				won     atomic.Int32
				mu      sync.Mutex
				winners []*lock.Lock
			)
			start := make(chan struct{})
			for range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					l, err := m.Acquire(ctx, "nightly-report", time.Minute)
					switch {
					case err == nil:
						won.Add(1)
						mu.Lock()
						winners = append(winners, l)
						mu.Unlock()
					case !errors.Is(err, neoqueue.ErrLockUnavailable):
						t.Errorf("Acquire: %v", err)
					}
				}()
			}
			close(start)
			wg.Wait()

			if won.Load() != 1 {
				t.Fatalf("%d goroutines acquired the lock, want exactly 1", won.Load())
			}

			clk.Advance(2 * time.Minute)
			l, err := m.Acquire(ctx, "nightly-report", time.Minute)
			if err != nil {
				t.Fatalf("Acquire after expiry: %v", err)
			}
			if l.Owner == winners[0].Owner {
				t.Fatal("takeover reused the expired owner token")
			}
			if ok, _ := m.Release(ctx, winners[0]); ok {
				t.Fatal("expired owner released the new holder's lock")
			}
		})
	}
}
