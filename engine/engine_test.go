package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/backoff"
	"github.com/neonextechnologies/neoqueue/batch"
	"github.com/neonextechnologies/neoqueue/engine"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/failed"
	"github.com/neonextechnologies/neoqueue/job"
	"github.com/neonextechnologies/neoqueue/middleware"
	"github.com/neonextechnologies/neoqueue/schedule"
	"github.com/neonextechnologies/neoqueue/store/memory"
	"github.com/neonextechnologies/neoqueue/worker"
)

// ──────────────────────────────────────────────────
// Test payloads
// ──────────────────────────────────────────────────

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

type stepPayload struct {
	Step int `json:"step"`
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func newEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()
	s := memory.New()
	eng, err := engine.Build(s, opts...)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	return eng, s
}

// drain runs a pool until every queue is empty.
func drain(t *testing.T, eng *engine.Engine, opts ...worker.PoolOption) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opts = append([]worker.PoolOption{
		worker.WithSleep(5 * time.Millisecond),
		worker.WithStopWhenEmpty(),
	}, opts...)
	if err := eng.Work(ctx, time.Second, opts...); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("pool did not drain before deadline")
	}
}

func mustDispatch(t *testing.T, eng *engine.Engine, cmd job.Command, opts ...envelope.Option) *envelope.Envelope {
	t.Helper()
	env, err := eng.Dispatch(context.Background(), cmd, opts...)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	return env
}

// ──────────────────────────────────────────────────
// Build / Open
// ──────────────────────────────────────────────────

func TestBuild_NilStore(t *testing.T) {
	if _, err := engine.Build(nil); !errors.Is(err, neoqueue.ErrNoStore) {
		t.Fatalf("Build(nil) = %v, want ErrNoStore", err)
	}
}

func TestBuild_Accessors(t *testing.T) {
	eng, s := newEngine(t, engine.WithQueueConfig())
	if eng.Store() != s {
		t.Error("Store() is not the built store")
	}
	if eng.Dispatcher() == nil || eng.Batches() == nil || eng.Failed() == nil ||
		eng.Locks() == nil || eng.Scheduler() == nil || eng.Registry() == nil || eng.Extensions() == nil {
		t.Fatal("nil subsystem")
	}
	if eng.QueueManager() != nil {
		t.Error("queue manager without configs")
	}
	if eng.Metrics() != nil {
		t.Error("metrics extension without registerer")
	}

	names := eng.Middleware().Names()
	want := map[string]bool{middleware.NameWithoutOverlapping: false, middleware.NameRateLimit: false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, found := range want {
		if !found {
			t.Errorf("middleware %q not registered", n)
		}
	}
}

func TestOpen_Memory(t *testing.T) {
	eng, err := engine.Open(context.Background(), neoqueue.DefaultConfig(), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()
	if err := eng.Store().Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestOpen_SQLite(t *testing.T) {
	cfg := neoqueue.DefaultConfig()
	cfg.Connections["local"] = neoqueue.ConnectionConfig{
		Driver: neoqueue.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "queue.db"),
		Codec:  envelope.CodecNameMsgpack,
	}
	ctx := context.Background()

	eng, err := engine.Open(ctx, cfg, "local")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	var got atomic.Value
	engine.Register(eng, job.NewDefinition("send-email", func(_ context.Context, p emailPayload) error {
		got.Store(p.To)
		return nil
	}))
	mustDispatch(t, eng, job.MustCommand("send-email", emailPayload{To: "ops@example.com"}))
	drain(t, eng)

	if got.Load() != "ops@example.com" {
		t.Fatalf("handler saw %v", got.Load())
	}
}

func TestOpen_SQLiteBatch(t *testing.T) {
	for _, codec := range []string{envelope.CodecNameJSON, envelope.CodecNameMsgpack} {
		t.Run(codec, func(t *testing.T) {
			cfg := neoqueue.DefaultConfig()
			cfg.Connections["local"] = neoqueue.ConnectionConfig{
				Driver: neoqueue.DriverSQLite,
				DSN:    filepath.Join(t.TempDir(), "queue.db"),
				Codec:  codec,
			}
			ctx := context.Background()

			eng, err := engine.Open(ctx, cfg, "local")
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer eng.Close()

			var then, finally atomic.Int32
			eng.RegisterCallback("then", func(context.Context, *batch.Batch, error) error { then.Add(1); return nil })
			eng.RegisterCallback("finally", func(context.Context, *batch.Batch, error) error { finally.Add(1); return nil })
			engine.Register(eng, job.NewDefinition("import-row", func(context.Context, stepPayload) error { return nil }))

			batchID, err := eng.Dispatcher().Batch(
				job.MustCommand("import-row", stepPayload{Step: 1}),
				job.MustCommand("import-row", stepPayload{Step: 2}),
			).Then("then").Finally("finally").Dispatch(ctx)
			if err != nil {
				t.Fatalf("Batch: %v", err)
			}
			drain(t, eng)

			b, err := eng.Batches().Find(ctx, batchID)
			if err != nil {
				t.Fatalf("Find: %v", err)
			}
			if b.PendingJobs != 0 || b.FinishedAt == nil {
				t.Fatalf("pending=%d finished=%v", b.PendingJobs, b.FinishedAt)
			}
			if then.Load() != 1 || finally.Load() != 1 {
				t.Fatalf("then=%d finally=%d, want 1 each", then.Load(), finally.Load())
			}
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()
	cfg := neoqueue.DefaultConfig()

	if _, err := engine.Open(ctx, cfg, "missing"); err == nil {
		t.Error("Open with unknown connection succeeded")
	}

	cfg.Connections["weird"] = neoqueue.ConnectionConfig{Driver: "cassandra"}
	if _, err := engine.Open(ctx, cfg, "weird"); !errors.Is(err, neoqueue.ErrUnknownDriver) {
		t.Errorf("Open unknown driver = %v, want ErrUnknownDriver", err)
	}
}

// ──────────────────────────────────────────────────
// End-to-end: Register → Dispatch → Work
// ──────────────────────────────────────────────────

func TestEngine_EndToEnd(t *testing.T) {
	eng, s := newEngine(t)

	var gotPayload atomic.Value
	engine.Register(eng, job.NewDefinition("send-email", func(_ context.Context, p emailPayload) error {
		gotPayload.Store(p)
		return nil
	}))

	env := mustDispatch(t, eng, job.MustCommand("send-email", emailPayload{To: "a@b.c", Subject: "hi"}))
	drain(t, eng)

	p, _ := gotPayload.Load().(emailPayload)
	if p.To != "a@b.c" || p.Subject != "hi" {
		t.Fatalf("payload = %+v", p)
	}
	if _, ok := s.Peek(env.ID); ok {
		t.Fatal("envelope still stored after ack")
	}
}

func TestEngine_FailAndRetry(t *testing.T) {
	eng, s := newEngine(t)
	ctx := context.Background()

	var healthy atomic.Bool
	var calls, failedHooks atomic.Int32
	engine.Register(eng, job.NewDefinition("flaky",
		func(context.Context, stepPayload) error {
			calls.Add(1)
			if healthy.Load() {
				return nil
			}
			return errors.New("downstream unavailable")
		},
		job.OnFailure(func(context.Context, stepPayload, error) { failedHooks.Add(1) }),
	))

	mustDispatch(t, eng, job.MustCommand("flaky", stepPayload{Step: 1}), envelope.WithMaxTries(3))
	drain(t, eng)

	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if failedHooks.Load() != 1 {
		t.Fatalf("failed hook ran %d times, want 1", failedHooks.Load())
	}
	entries, err := eng.Failed().List(ctx, failed.ListOpts{})
	if err != nil || len(entries) != 1 {
		t.Fatalf("List = %d entries, %v", len(entries), err)
	}
	if entries[0].Exception == "" || entries[0].Name != "flaky" {
		t.Fatalf("entry = %+v", entries[0])
	}

	healthy.Store(true)
	if _, err := eng.Failed().Retry(ctx, entries[0].ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	drain(t, eng)

	if calls.Load() != 4 {
		t.Fatalf("calls = %d after retry, want 4", calls.Load())
	}
	if n, _ := s.CountFailed(ctx); n != 0 {
		t.Fatalf("failed count = %d after retry", n)
	}
}

func TestEngine_DefaultBackoff(t *testing.T) {
	eng, s := newEngine(t, engine.WithBackoff(backoff.NewConstant(time.Hour)))
	ctx := context.Background()

	engine.Register(eng, job.NewDefinition("slow-retry", func(context.Context, stepPayload) error {
		return errors.New("nope")
	}))
	env := mustDispatch(t, eng, job.MustCommand("slow-retry", stepPayload{}), envelope.WithMaxTries(5))
	drain(t, eng)

	got, ok := s.Peek(env.ID)
	if !ok {
		t.Fatal("envelope gone after one failure")
	}
	if got.Attempts != 1 || time.Until(got.AvailableAt) < 50*time.Minute {
		t.Fatalf("attempts=%d available_at=%s", got.Attempts, got.AvailableAt)
	}
	if n, _ := s.CountFailed(ctx); n != 0 {
		t.Fatalf("failed count = %d", n)
	}
}

func TestEngine_Chain(t *testing.T) {
	eng, _ := newEngine(t)

	order := make(chan int, 3)
	engine.Register(eng, job.NewDefinition("step", func(_ context.Context, p stepPayload) error {
		order <- p.Step
		return nil
	}))

	_, err := eng.Dispatcher().Chain(
		job.MustCommand("step", stepPayload{Step: 1}),
		job.MustCommand("step", stepPayload{Step: 2}),
		job.MustCommand("step", stepPayload{Step: 3}),
	).Dispatch(context.Background())
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	drain(t, eng, worker.WithPoolConcurrency(3))
	close(order)

	want := 1
	for got := range order {
		if got != want {
			t.Fatalf("step %d ran at position %d", got, want)
		}
		want++
	}
	if want != 4 {
		t.Fatalf("ran %d steps, want 3", want-1)
	}
}

func TestEngine_BatchWithOneFailure(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	var then, catch, finally atomic.Int32
	eng.RegisterCallback("then", func(context.Context, *batch.Batch, error) error { then.Add(1); return nil })
	eng.RegisterCallback("catch", func(context.Context, *batch.Batch, error) error { catch.Add(1); return nil })
	eng.RegisterCallback("finally", func(context.Context, *batch.Batch, error) error { finally.Add(1); return nil })

	engine.Register(eng, job.NewDefinition("import-row", func(_ context.Context, p stepPayload) error {
		if p.Step == 2 {
			return errors.New("bad row")
		}
		return nil
	}))

	batchID, err := eng.Dispatcher().Batch(
		job.MustCommand("import-row", stepPayload{Step: 1}),
		job.MustCommand("import-row", stepPayload{Step: 2}),
		job.MustCommand("import-row", stepPayload{Step: 3}),
	).Name("import").Then("then").Catch("catch").Finally("finally").
		With(envelope.WithMaxTries(1)).
		Dispatch(ctx)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	drain(t, eng, worker.WithPoolConcurrency(3))

	b, err := eng.Batches().Find(ctx, batchID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if b.PendingJobs != 0 || b.FailedJobs != 1 || len(b.FailedJobIDs) != 1 {
		t.Fatalf("pending=%d failed=%d ids=%v", b.PendingJobs, b.FailedJobs, b.FailedJobIDs)
	}
	if then.Load() != 0 || catch.Load() != 1 || finally.Load() != 1 {
		t.Fatalf("then=%d catch=%d finally=%d", then.Load(), catch.Load(), finally.Load())
	}
}

func TestEngine_CancelledBatchSkipsMembers(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	var then, finally, ran atomic.Int32
	eng.RegisterCallback("then", func(context.Context, *batch.Batch, error) error { then.Add(1); return nil })
	eng.RegisterCallback("finally", func(context.Context, *batch.Batch, error) error { finally.Add(1); return nil })
	engine.Register(eng, job.NewDefinition("import-row", func(context.Context, stepPayload) error {
		ran.Add(1)
		return nil
	}))

	batchID, err := eng.Dispatcher().Batch(
		job.MustCommand("import-row", stepPayload{Step: 1}),
		job.MustCommand("import-row", stepPayload{Step: 2}),
	).Then("then").Finally("finally").Dispatch(ctx)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if err := eng.Batches().Cancel(ctx, batchID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	drain(t, eng)

	b, err := eng.Batches().Find(ctx, batchID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if ran.Load() != 0 {
		t.Fatalf("handler ran %d times for a cancelled batch", ran.Load())
	}
	if b.PendingJobs != 0 || b.FailedJobs != 0 {
		t.Fatalf("pending=%d failed=%d", b.PendingJobs, b.FailedJobs)
	}
	if then.Load() != 1 || finally.Load() != 1 {
		t.Fatalf("then=%d finally=%d, want 1 each", then.Load(), finally.Load())
	}
}

func TestEngine_NamedMiddleware(t *testing.T) {
	eng, _ := newEngine(t)

	var ran atomic.Int32
	engine.Register(eng, job.NewDefinition("report", func(context.Context, stepPayload) error {
		ran.Add(1)
		return nil
	}))

	mustDispatch(t, eng, job.MustCommand("report", stepPayload{}),
		envelope.WithMiddleware(
			middleware.WithoutOverlapping("reports", time.Minute, time.Second),
			middleware.RateLimit("reports", 100, 10),
		),
	)
	drain(t, eng)

	if ran.Load() != 1 {
		t.Fatalf("ran = %d, want 1", ran.Load())
	}
	// The overlap lock is released after the job.
	if _, err := eng.Locks().Acquire(context.Background(), "overlap:reports", time.Second); err != nil {
		t.Fatalf("overlap lock still held: %v", err)
	}
}

func TestEngine_CustomMiddlewareRegistration(t *testing.T) {
	eng, _ := newEngine(t)

	var tagged atomic.Value
	eng.RegisterMiddleware("tag", func(ref envelope.MiddlewareRef) (middleware.Middleware, error) {
		return func(ctx context.Context, _ *envelope.Envelope, next middleware.Handler) error {
			tagged.Store(ref.Params["label"])
			return next(ctx)
		}, nil
	})
	engine.Register(eng, job.NewDefinition("noop", func(context.Context, stepPayload) error { return nil }))

	mustDispatch(t, eng, job.MustCommand("noop", stepPayload{}),
		envelope.WithMiddleware(envelope.MiddlewareRef{Name: "tag", Params: map[string]string{"label": "blue"}}))
	drain(t, eng)

	if tagged.Load() != "blue" {
		t.Fatalf("tag middleware saw %v", tagged.Load())
	}
}

func TestEngine_UnknownMiddlewareFails(t *testing.T) {
	eng, s := newEngine(t)
	engine.Register(eng, job.NewDefinition("noop", func(context.Context, stepPayload) error { return nil }))

	mustDispatch(t, eng, job.MustCommand("noop", stepPayload{}),
		envelope.WithMiddleware(envelope.MiddlewareRef{Name: "does-not-exist"}))
	drain(t, eng)

	if n, _ := s.CountFailed(context.Background()); n != 1 {
		t.Fatalf("failed count = %d, want 1", n)
	}
}

func TestEngine_UserMiddlewareRunsAfterDefaults(t *testing.T) {
	var seen atomic.Int32
	eng, _ := newEngine(t, engine.WithMiddleware(func(ctx context.Context, _ *envelope.Envelope, next middleware.Handler) error {
		seen.Add(1)
		return next(ctx)
	}))
	engine.Register(eng, job.NewDefinition("noop", func(context.Context, stepPayload) error { return nil }))

	mustDispatch(t, eng, job.MustCommand("noop", stepPayload{}))
	mustDispatch(t, eng, job.MustCommand("noop", stepPayload{}))
	drain(t, eng)

	if seen.Load() != 2 {
		t.Fatalf("middleware saw %d jobs, want 2", seen.Load())
	}
}

func TestEngine_MetricsExtension(t *testing.T) {
	reg := prometheus.NewRegistry()
	eng, _ := newEngine(t, engine.WithMetricsRegisterer(reg))
	if eng.Metrics() == nil {
		t.Fatal("metrics extension not registered")
	}
	engine.Register(eng, job.NewDefinition("noop", func(context.Context, stepPayload) error { return nil }))

	mustDispatch(t, eng, job.MustCommand("noop", stepPayload{}), envelope.WithQueue("bulk"))
	drain(t, eng, worker.WithPoolQueues("bulk"))

	if got := testutil.ToFloat64(eng.Metrics().JobDispatched.WithLabelValues("noop", "bulk")); got != 1 {
		t.Errorf("dispatched = %v, want 1", got)
	}
	if got := testutil.ToFloat64(eng.Metrics().JobProcessed.WithLabelValues("noop", "bulk")); got != 1 {
		t.Errorf("processed = %v, want 1", got)
	}
}

func TestEngine_Schedule(t *testing.T) {
	base := time.Date(2026, 2, 2, 8, 0, 30, 0, time.UTC)
	eng, s := newEngine(t, engine.WithScheduleOptions(schedule.WithClock(func() time.Time { return base })))
	ctx := context.Background()

	task := schedule.Dispatch("hourly-report", "@hourly", job.MustCommand("report", stepPayload{})).
		OnQueue("reports").
		SingleServer()
	if err := eng.Schedule(task); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := eng.Schedule(task); !errors.Is(err, neoqueue.ErrDuplicateTask) {
		t.Fatalf("second Schedule = %v", err)
	}

	ran := eng.Scheduler().RunDue(ctx, base.Add(time.Hour))
	if len(ran) != 1 {
		t.Fatalf("ran = %v", ran)
	}
	if n, _ := s.CountPending(ctx, "reports"); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
}

func TestEngine_WorkTwiceWithSchedule(t *testing.T) {
	// Every read of the clock is a minute later, so each tick is due.
	var minutes atomic.Int64
	start := time.Date(2026, 2, 2, 8, 0, 30, 0, time.UTC)
	clock := func() time.Time { return start.Add(time.Duration(minutes.Add(1)) * time.Minute) }

	eng, _ := newEngine(t, engine.WithScheduleOptions(
		schedule.WithClock(clock),
		schedule.WithTickInterval(5*time.Millisecond),
	))
	var ticks atomic.Int32
	if err := eng.Schedule(schedule.Call("tick", "* * * * *", func(context.Context) error {
		ticks.Add(1)
		return nil
	})); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	for round := 1; round <= 2; round++ {
		before := ticks.Load()
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		err := eng.Work(ctx, time.Second, worker.WithSleep(5*time.Millisecond))
		cancel()
		if err != nil {
			t.Fatalf("Work #%d: %v", round, err)
		}
		if ticks.Load() == before {
			t.Fatalf("Work #%d ran no scheduled ticks", round)
		}
	}
}

func TestWorkerOptions(t *testing.T) {
	eng, s := newEngine(t)
	ctx := context.Background()

	var calls atomic.Int32
	engine.Register(eng, job.NewDefinition("always-fails", func(context.Context, stepPayload) error {
		calls.Add(1)
		return errors.New("boom")
	}))
	mustDispatch(t, eng, job.MustCommand("always-fails", stepPayload{}), envelope.WithQueue("low"))

	cfg := neoqueue.DefaultConfig().Worker
	cfg.Queues = []string{"high", "low"}
	cfg.Tries = 2
	cfg.Sleep = 5 * time.Millisecond

	opts := append(engine.WorkerOptions(cfg), worker.WithStopWhenEmpty())
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := eng.Work(runCtx, time.Second, opts...); err != nil {
		t.Fatalf("Work: %v", err)
	}

	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if n, _ := s.CountFailed(ctx); n != 1 {
		t.Fatalf("failed count = %d, want 1", n)
	}
}

func TestClose_BuildDoesNotOwnStore(t *testing.T) {
	eng, s := newEngine(t)
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("store unusable after Close: %v", err)
	}
}
