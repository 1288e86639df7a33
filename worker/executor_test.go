package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/batch"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/failed"
	"github.com/neonextechnologies/neoqueue/job"
	"github.com/neonextechnologies/neoqueue/middleware"
	"github.com/neonextechnologies/neoqueue/store/memory"
	"github.com/neonextechnologies/neoqueue/worker"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

// newManualClock starts ahead of wall time so freshly built envelopes are
// already visible.
func newManualClock() *manualClock {
	return &manualClock{now: time.Now().UTC().Add(time.Hour)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock *manualClock
	store *memory.Store
	reg   *job.Registry
	exec  *worker.Executor
}

func newFixture(t *testing.T, opts ...worker.ExecutorOption) *fixture {
	t.Helper()
	clk := newManualClock()
	s := memory.New(memory.WithClock(clk.Now))
	reg := job.NewRegistry()
	opts = append([]worker.ExecutorOption{
		worker.WithMiddleware(middleware.Recover(slog.Default()), middleware.Timeout(slog.Default())),
	}, opts...)
	return &fixture{clock: clk, store: s, reg: reg, exec: worker.NewExecutor(s, reg, opts...)}
}

func (f *fixture) dispatch(t *testing.T, env *envelope.Envelope) {
	t.Helper()
	if err := f.store.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

// runOne reserves the next envelope on the default queue and processes it.
func (f *fixture) runOne(t *testing.T) (worker.Outcome, *envelope.Envelope) {
	t.Helper()
	ctx := context.Background()
	env, err := f.store.Reserve(ctx, envelope.DefaultQueue, time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if env == nil {
		t.Fatal("Reserve: queue is empty")
	}
	out, err := f.exec.Process(ctx, env)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	return out, env
}

func failedEntries(t *testing.T, s *memory.Store) []*failed.Entry {
	t.Helper()
	entries, err := s.ListFailed(context.Background(), failed.ListOpts{})
	if err != nil {
		t.Fatalf("ListFailed: %v", err)
	}
	return entries
}

func TestExecutor_Success(t *testing.T) {
	f := newFixture(t)
	var got atomic.Value
	job.RegisterDefinition(f.reg, job.NewDefinition("greet", func(_ context.Context, p struct{ Name string }) error {
		got.Store(p.Name)
		return nil
	}))

	cmd := job.MustCommand("greet", struct{ Name string }{"Ada"})
	env := envelope.New(cmd.Name, cmd.Payload)
	f.dispatch(t, env)

	out, _ := f.runOne(t)
	if out != worker.OutcomeAcked {
		t.Fatalf("outcome = %s, want acked", out)
	}
	if got.Load() != "Ada" {
		t.Errorf("handler saw %v", got.Load())
	}
	if _, ok := f.store.Peek(env.ID); ok {
		t.Error("acked envelope still stored")
	}
}

func TestExecutor_BackoffSequence(t *testing.T) {
	f := newFixture(t)
	var failedCalls atomic.Int32
	f.reg.Register(&job.Entry{
		Name:   "flaky",
		Handle: func(context.Context, []byte) error { return errors.New("upstream down") },
		Failed: func(context.Context, []byte, error) { failedCalls.Add(1) },
	})

	env := envelope.New("flaky", nil,
		envelope.WithMaxTries(5),
		envelope.WithBackoff(time.Second, 5*time.Second, 10*time.Second),
	)
	f.dispatch(t, env)

	want := []time.Duration{time.Second, 5 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, delay := range want {
		out, _ := f.runOne(t)
		if out != worker.OutcomeReleased {
			t.Fatalf("run %d: outcome = %s, want released", i+1, out)
		}
		stored, ok := f.store.Peek(env.ID)
		if !ok {
			t.Fatalf("run %d: envelope missing after release", i+1)
		}
		if stored.Attempts != i+1 || stored.Exceptions != i+1 {
			t.Errorf("run %d: attempts=%d exceptions=%d", i+1, stored.Attempts, stored.Exceptions)
		}
		if gotDelay := stored.AvailableAt.Sub(f.clock.Now()); gotDelay != delay {
			t.Errorf("run %d: delay = %s, want %s", i+1, gotDelay, delay)
		}
		if stored.LastError == "" {
			t.Errorf("run %d: last error not recorded", i+1)
		}
		f.clock.Advance(delay)
	}

	out, _ := f.runOne(t)
	if out != worker.OutcomeFailed {
		t.Fatalf("final outcome = %s, want failed", out)
	}
	entries := failedEntries(t, f.store)
	if len(entries) != 1 || entries[0].JobID != env.ID {
		t.Fatalf("failed entries = %+v", entries)
	}
	if !strings.Contains(entries[0].Exception, "upstream down") {
		t.Errorf("exception = %q", entries[0].Exception)
	}
	if failedCalls.Load() != 1 {
		t.Errorf("failure hook ran %d times, want 1", failedCalls.Load())
	}
}

func TestExecutor_MaxTriesWithoutBackoff(t *testing.T) {
	f := newFixture(t)
	var runs, failedCalls atomic.Int32
	f.reg.Register(&job.Entry{
		Name: "broken",
		Handle: func(context.Context, []byte) error {
			runs.Add(1)
			return errors.New("nope")
		},
		Failed: func(context.Context, []byte, error) { failedCalls.Add(1) },
	})
	f.dispatch(t, envelope.New("broken", nil, envelope.WithMaxTries(3)))

	for range 3 {
		f.runOne(t)
	}
	if runs.Load() != 3 {
		t.Errorf("handler ran %d times, want 3", runs.Load())
	}
	if n, _ := f.store.CountPending(context.Background(), envelope.DefaultQueue); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if len(failedEntries(t, f.store)) != 1 || failedCalls.Load() != 1 {
		t.Errorf("failed entries=%d hook calls=%d", len(failedEntries(t, f.store)), failedCalls.Load())
	}
}

func TestExecutor_MaxExceptions(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(&job.Entry{
		Name:   "brittle",
		Handle: func(context.Context, []byte) error { return errors.New("nope") },
	})
	f.dispatch(t, envelope.New("brittle", nil, envelope.WithMaxTries(10), envelope.WithMaxExceptions(2)))

	if out, _ := f.runOne(t); out != worker.OutcomeReleased {
		t.Fatalf("first outcome = %s", out)
	}
	if out, _ := f.runOne(t); out != worker.OutcomeFailed {
		t.Fatalf("second outcome = %s, want failed", out)
	}
}

func TestExecutor_VoluntaryRelease(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(&job.Entry{
		Name:   "polite",
		Handle: func(context.Context, []byte) error { return neoqueue.Release(30*time.Second, "busy") },
	})
	env := envelope.New("polite", nil, envelope.WithMaxTries(3))
	f.dispatch(t, env)

	if out, _ := f.runOne(t); out != worker.OutcomeReleased {
		t.Fatalf("outcome = %s", out)
	}
	stored, _ := f.store.Peek(env.ID)
	if stored.Attempts != 1 || stored.Exceptions != 0 {
		t.Errorf("attempts=%d exceptions=%d, want 1 and 0", stored.Attempts, stored.Exceptions)
	}
	if d := stored.AvailableAt.Sub(f.clock.Now()); d != 30*time.Second {
		t.Errorf("delay = %s, want 30s", d)
	}
}

func TestExecutor_TerminalFailure(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(&job.Entry{
		Name:   "invalid",
		Handle: func(context.Context, []byte) error { return neoqueue.Fail(errors.New("bad input")) },
	})
	f.dispatch(t, envelope.New("invalid", nil, envelope.WithMaxTries(5)))

	if out, _ := f.runOne(t); out != worker.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", out)
	}
}

func TestExecutor_NoHandler(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, envelope.New("ghost", nil))

	if out, _ := f.runOne(t); out != worker.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", out)
	}
	entries := failedEntries(t, f.store)
	if len(entries) != 1 || !strings.Contains(entries[0].Exception, "no handler") {
		t.Fatalf("failed entries = %+v", entries)
	}
}

func TestExecutor_UnknownMiddlewareFails(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(&job.Entry{Name: "ok", Handle: func(context.Context, []byte) error { return nil }})
	f.dispatch(t, envelope.New("ok", nil, envelope.WithMiddleware(envelope.MiddlewareRef{Name: "nope"})))

	if out, _ := f.runOne(t); out != worker.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", out)
	}
}

func TestExecutor_Timeout(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(&job.Entry{
		Name: "slow",
		Handle: func(ctx context.Context, _ []byte) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	f.dispatch(t, envelope.New("slow", nil, envelope.WithTimeout(50*time.Millisecond), envelope.WithMaxTries(1)))

	if out, _ := f.runOne(t); out != worker.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", out)
	}
	entries := failedEntries(t, f.store)
	if len(entries) != 1 || !strings.Contains(entries[0].Exception, "timeout") {
		t.Fatalf("failed entries = %+v", entries)
	}
}

func TestExecutor_ShutdownReleasesWithoutException(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	f.reg.Register(&job.Entry{
		Name: "long",
		Handle: func(ctx context.Context, _ []byte) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	env := envelope.New("long", nil, envelope.WithMaxTries(1))
	f.dispatch(t, env)

	reserved, _ := f.store.Reserve(context.Background(), envelope.DefaultQueue, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	out, err := f.exec.Process(ctx, reserved)
	if err != nil || out != worker.OutcomeReleased {
		t.Fatalf("Process = %s, %v; want released", out, err)
	}
	stored, ok := f.store.Peek(env.ID)
	if !ok || stored.Exceptions != 0 {
		t.Fatalf("stored = %+v, ok=%v", stored, ok)
	}
}

func TestExecutor_RedeliveryAfterVisibility(t *testing.T) {
	f := newFixture(t)
	env := envelope.New("crashy", nil)
	f.dispatch(t, env)
	ctx := context.Background()

	first, _ := f.store.Reserve(ctx, envelope.DefaultQueue, time.Second)
	if first == nil {
		t.Fatal("nothing reserved")
	}
	if again, _ := f.store.Reserve(ctx, envelope.DefaultQueue, time.Second); again != nil {
		t.Fatal("reserved envelope handed out twice within the visibility window")
	}

	f.clock.Advance(2 * time.Second)
	second, _ := f.store.Reserve(ctx, envelope.DefaultQueue, time.Second)
	if second == nil || second.ID != env.ID {
		t.Fatalf("expected redelivery of %s, got %+v", env.ID, second)
	}
	if second.Attempts != 0 {
		t.Errorf("redelivery attempts = %d, want 0", second.Attempts)
	}
}

func TestExecutor_ChainRunsInOrder(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var order []string
	f.reg.Register(&job.Entry{
		Name: "step",
		Handle: func(_ context.Context, p []byte) error {
			mu.Lock()
			order = append(order, string(p))
			mu.Unlock()
			return nil
		},
	})

	head := envelope.New("step", []byte("a"))
	head.Chain = []*envelope.Envelope{
		envelope.New("step", []byte("b")),
		envelope.New("step", []byte("c")),
	}
	f.dispatch(t, head)

	for range 3 {
		if out, _ := f.runOne(t); out != worker.OutcomeAcked {
			t.Fatalf("outcome = %s", out)
		}
	}
	if strings.Join(order, "") != "abc" {
		t.Fatalf("order = %v, want a b c", order)
	}
	if n, _ := f.store.CountPending(context.Background(), envelope.DefaultQueue); n != 0 {
		t.Errorf("pending = %d after chain", n)
	}
}

func TestExecutor_ChainHaltsOnFailure(t *testing.T) {
	f := newFixture(t)
	var ran []string
	f.reg.Register(&job.Entry{
		Name: "step",
		Handle: func(_ context.Context, p []byte) error {
			ran = append(ran, string(p))
			if string(p) == "b" {
				return errors.New("b broke")
			}
			return nil
		},
	})

	head := envelope.New("step", []byte("a"))
	head.Chain = []*envelope.Envelope{
		envelope.New("step", []byte("b"), envelope.WithMaxTries(1)),
		envelope.New("step", []byte("c")),
	}
	f.dispatch(t, head)

	f.runOne(t)
	if out, _ := f.runOne(t); out != worker.OutcomeFailed {
		t.Fatalf("link b outcome = %s, want failed", out)
	}
	if n, _ := f.store.CountPending(context.Background(), envelope.DefaultQueue); n != 0 {
		t.Errorf("link c was enqueued after b failed")
	}
	if len(ran) != 2 {
		t.Errorf("ran = %v", ran)
	}
}

func TestExecutor_BatchWithOneFailure(t *testing.T) {
	var calls sync.Map
	count := func(name string) batch.CallbackFunc {
		return func(context.Context, *batch.Batch, error) error {
			v, _ := calls.LoadOrStore(name, new(atomic.Int32))
			v.(*atomic.Int32).Add(1)
			return nil
		}
	}
	cbs := batch.NewCallbacks()
	cbs.Register("then", count("then"))
	cbs.Register("catch", count("catch"))
	cbs.Register("finally", count("finally"))

	clk := newManualClock()
	s := memory.New(memory.WithClock(clk.Now))
	coord := batch.NewCoordinator(s, cbs, nil, nil)
	reg := job.NewRegistry()
	reg.Register(&job.Entry{
		Name: "part",
		Handle: func(_ context.Context, p []byte) error {
			if string(p) == "bad" {
				return errors.New("bad part")
			}
			return nil
		},
	})
	exec := worker.NewExecutor(s, reg, worker.WithBatches(coord))
	ctx := context.Background()

	b := &batch.Batch{TotalJobs: 3, Then: "then", Catch: "catch", Finally: "finally"}
	if err := coord.Create(ctx, b); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, p := range []string{"ok1", "bad", "ok2"} {
		env := envelope.New("part", []byte(p), envelope.WithMaxTries(1))
		env.BatchID = b.ID
		if err := s.Enqueue(ctx, env); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	for range 3 {
		env, _ := s.Reserve(ctx, envelope.DefaultQueue, time.Minute)
		if _, err := exec.Process(ctx, env); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}

	got, err := coord.Find(ctx, b.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.PendingJobs != 0 || got.FailedJobs != 1 {
		t.Errorf("pending=%d failed=%d, want 0 and 1", got.PendingJobs, got.FailedJobs)
	}
	load := func(name string) int32 {
		v, ok := calls.Load(name)
		if !ok {
			return 0
		}
		return v.(*atomic.Int32).Load()
	}
	if load("catch") != 1 || load("finally") != 1 || load("then") != 0 {
		t.Errorf("then=%d catch=%d finally=%d", load("then"), load("catch"), load("finally"))
	}
}

func TestExecutor_CancelledBatchSkips(t *testing.T) {
	s := memory.New()
	coord := batch.NewCoordinator(s, nil, nil, nil)
	reg := job.NewRegistry()
	var ran atomic.Bool
	reg.Register(&job.Entry{Name: "part", Handle: func(context.Context, []byte) error {
		ran.Store(true)
		return nil
	}})
	exec := worker.NewExecutor(s, reg, worker.WithBatches(coord))
	ctx := context.Background()

	b := &batch.Batch{TotalJobs: 1}
	_ = coord.Create(ctx, b)
	_ = coord.Cancel(ctx, b.ID)

	env := envelope.New("part", nil)
	env.BatchID = b.ID
	_ = s.Enqueue(ctx, env)
	reserved, _ := s.Reserve(ctx, envelope.DefaultQueue, time.Minute)

	out, err := exec.Process(ctx, reserved)
	if err != nil || out != worker.OutcomeSkipped {
		t.Fatalf("Process = %s, %v; want skipped", out, err)
	}
	if ran.Load() {
		t.Error("handler ran for a cancelled batch")
	}
	got, _ := coord.Find(ctx, b.ID)
	if got.PendingJobs != 0 {
		t.Errorf("pending = %d, want 0", got.PendingJobs)
	}
}

func TestOutcome_String(t *testing.T) {
	if worker.OutcomeFailed.String() != "failed" || worker.Outcome(42).String() != "outcome(42)" {
		t.Error("unexpected outcome names")
	}
}
