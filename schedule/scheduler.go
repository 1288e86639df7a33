package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/id"
	"github.com/neonextechnologies/neoqueue/job"
	"github.com/neonextechnologies/neoqueue/lock"
)

// Dispatcher enqueues the command of a due task. *dispatcher.Dispatcher
// satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd job.Command, opts ...envelope.Option) (*envelope.Envelope, error)
}

// Emitter emits schedule lifecycle events.
// ext.Registry satisfies this interface via EmitTaskScheduled.
type Emitter interface {
	EmitTaskScheduled(ctx context.Context, task string, jobID id.JobID)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due tasks.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLockTTL sets how long an on-one-server claim on an occurrence lives.
func WithLockTTL(d time.Duration) Option {
	return func(s *Scheduler) { s.lockTTL = d }
}

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(e Emitter) Option {
	return func(s *Scheduler) { s.emitter = e }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides the time source used by Register and the tick loop.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

type entry struct {
	task  *Task
	sched cronlib.Schedule
	next  time.Time
}

// Scheduler fires registered tasks on a tick loop.
type Scheduler struct {
	dispatcher Dispatcher
	locks      *lock.Manager
	emitter    Emitter
	logger     *slog.Logger
	now        func() time.Time

	tickInterval time.Duration
	lockTTL      time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler. locks may be nil when no task uses
// OnOneServer or WithoutOverlapping.
func NewScheduler(d Dispatcher, locks *lock.Manager, opts ...Option) *Scheduler {
	s := &Scheduler{
		dispatcher:   d,
		locks:        locks,
		logger:       slog.Default(),
		now:          time.Now,
		tickInterval: 1 * time.Second,
		lockTTL:      time.Hour,
		entries:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a task. Its first occurrence is the first time its
// expression matches after now.
func (s *Scheduler) Register(t *Task) error {
	if t == nil {
		return fmt.Errorf("%w: nil task", neoqueue.ErrInvalidTask)
	}
	if err := t.validate(); err != nil {
		return err
	}
	if (t.OnOneServer || t.WithoutOverlapping) && s.locks == nil {
		return fmt.Errorf("%w: %s: needs a lock manager", neoqueue.ErrInvalidTask, t.Name)
	}
	sched, err := ParseSchedule(t.Spec)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", neoqueue.ErrInvalidTask, t.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[t.Name]; dup {
		return fmt.Errorf("%w: %s", neoqueue.ErrDuplicateTask, t.Name)
	}
	s.entries[t.Name] = &entry{task: t, sched: sched, next: sched.Next(s.now())}
	return nil
}

// Tasks returns registered task names in sorted order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next returns the next occurrence of the named task.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

// Start launches the tick goroutine. Starting a running scheduler is a
// no-op; a stopped scheduler can be started again.
func (s *Scheduler) Start(_ context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.tickLoop(s.stopCh)
	s.logger.Info("scheduler started",
		slog.Int("tasks", len(s.Tasks())),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for the running tick.
// Stopping a scheduler that is not running is a no-op.
func (s *Scheduler) Stop(_ context.Context) error {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.runMu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop(stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.RunDue(ctx, s.now())
		}
	}
}

// RunDue fires every task whose next occurrence is at or before now and
// advances it. Missed occurrences collapse into one run. It returns the
// names of the tasks that ran.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) []string {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].task.Name < due[j].task.Name })

	var ran []string
	for _, e := range due {
		s.mu.Lock()
		occurrence := e.next
		e.next = e.sched.Next(now)
		s.mu.Unlock()

		if s.fire(ctx, e.task, occurrence) {
			ran = append(ran, e.task.Name)
		}
	}
	return ran
}

func (s *Scheduler) fire(ctx context.Context, t *Task, occurrence time.Time) bool {
	for _, cond := range t.Conditions {
		ok, err := cond(ctx)
		if err != nil {
			s.logger.Warn("task condition error",
				slog.String("task", t.Name),
				slog.String("error", err.Error()),
			)
			return false
		}
		if !ok {
			s.logger.Debug("task skipped by condition", slog.String("task", t.Name))
			return false
		}
	}

	if t.OnOneServer {
		key := "schedule:" + t.Name + ":" + strconv.FormatInt(occurrence.Unix(), 10)
		// The claim is left to expire so late servers see it.
		if _, err := s.locks.Acquire(ctx, key, s.lockTTL); err != nil {
			s.logSkip(t, "occurrence claimed elsewhere", err)
			return false
		}
	}

	if t.Command != nil {
		return s.dispatch(ctx, t)
	}
	return s.call(ctx, t)
}

func (s *Scheduler) dispatch(ctx context.Context, t *Task) bool {
	if t.WithoutOverlapping {
		// Probe the guard the job middleware holds while the previous run
		// executes.
		l, err := s.locks.Acquire(ctx, t.overlapLock(), t.overlapTTL())
		if err != nil {
			s.logSkip(t, "previous run still executing", err)
			return false
		}
		if _, err := s.locks.Release(ctx, l); err != nil {
			s.logger.Warn("release overlap probe error",
				slog.String("task", t.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	env, err := s.dispatcher.Dispatch(ctx, *t.Command, t.dispatchOptions()...)
	if err != nil {
		s.logger.Error("task dispatch error",
			slog.String("task", t.Name),
			slog.String("job_name", t.Command.Name),
			slog.String("error", err.Error()),
		)
		return false
	}

	if s.emitter != nil {
		s.emitter.EmitTaskScheduled(ctx, t.Name, env.ID)
	}
	s.logger.Info("task scheduled",
		slog.String("task", t.Name),
		slog.String("job_name", env.Name),
		slog.String("job_id", env.ID.String()),
		slog.String("queue", env.Queue),
	)
	return true
}

func (s *Scheduler) call(ctx context.Context, t *Task) bool {
	if t.WithoutOverlapping {
		l, err := s.locks.Acquire(ctx, t.overlapLock(), t.overlapTTL())
		if err != nil {
			s.logSkip(t, "previous run still executing", err)
			return false
		}
		defer func() {
			if _, err := s.locks.Release(context.WithoutCancel(ctx), l); err != nil {
				s.logger.Warn("release overlap lock error",
					slog.String("task", t.Name),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	start := time.Now()
	err := runSafely(ctx, t.Run)
	if s.emitter != nil {
		s.emitter.EmitTaskScheduled(ctx, t.Name, id.Nil)
	}
	if err != nil {
		s.logger.Error("task failed",
			slog.String("task", t.Name),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return true
	}
	s.logger.Info("task ran",
		slog.String("task", t.Name),
		slog.Duration("elapsed", time.Since(start)),
	)
	return true
}

func (s *Scheduler) logSkip(t *Task, reason string, err error) {
	if errors.Is(err, neoqueue.ErrLockUnavailable) {
		s.logger.Debug("task skipped", slog.String("task", t.Name), slog.String("reason", reason))
		return
	}
	s.logger.Error("task lock error",
		slog.String("task", t.Name),
		slog.String("error", err.Error()),
	)
}

func runSafely(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
