package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/job"
	"github.com/neonextechnologies/neoqueue/middleware"
)

// Condition decides whether a due task runs. A false result or an error
// skips the occurrence.
type Condition func(ctx context.Context) (bool, error)

// PendingCounter is implemented by every backend.
type PendingCounter interface {
	CountPending(ctx context.Context, queue string) (int64, error)
}

// WhenPending runs a task only while queue has unreserved jobs.
func WhenPending(counter PendingCounter, queue string) Condition {
	return func(ctx context.Context) (bool, error) {
		n, err := counter.CountPending(ctx, queue)
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}
}

// Task is a recurring unit of work. It either dispatches Command or calls
// Run inline on the scheduler goroutine.
type Task struct {
	Name string
	Spec string

	Command *job.Command
	Run     func(ctx context.Context) error

	// Queue overrides the queue of the dispatched command.
	Queue string

	// OnOneServer lets a single scheduler in the fleet fire each occurrence.
	OnOneServer bool

	// WithoutOverlapping skips an occurrence while the previous one still
	// runs. For commands the guard travels with the job as middleware.
	WithoutOverlapping bool
	OverlapTTL         time.Duration

	Conditions []Condition
}

// Dispatch returns a task that dispatches cmd on every occurrence of spec.
func Dispatch(name, spec string, cmd job.Command) *Task {
	return &Task{Name: name, Spec: spec, Command: &cmd}
}

// Call returns a task that runs fn on every occurrence of spec.
func Call(name, spec string, fn func(ctx context.Context) error) *Task {
	return &Task{Name: name, Spec: spec, Run: fn}
}

// OnQueue routes the dispatched command to queue.
func (t *Task) OnQueue(queue string) *Task {
	t.Queue = queue
	return t
}

// SingleServer marks the task OnOneServer.
func (t *Task) SingleServer() *Task {
	t.OnOneServer = true
	return t
}

// NoOverlap marks the task WithoutOverlapping. ttl bounds how long a
// crashed run holds the guard; zero uses the middleware default.
func (t *Task) NoOverlap(ttl time.Duration) *Task {
	t.WithoutOverlapping = true
	t.OverlapTTL = ttl
	return t
}

// When adds a condition. All conditions must pass.
func (t *Task) When(cond Condition) *Task {
	t.Conditions = append(t.Conditions, cond)
	return t
}

// Skip adds a condition that skips the occurrence when fn reports true.
func (t *Task) Skip(fn func() bool) *Task {
	return t.When(func(context.Context) (bool, error) { return !fn(), nil })
}

func (t *Task) validate() error {
	switch {
	case t.Name == "":
		return fmt.Errorf("%w: missing name", neoqueue.ErrInvalidTask)
	case (t.Command == nil) == (t.Run == nil):
		return fmt.Errorf("%w: %s: set exactly one of Command or Run", neoqueue.ErrInvalidTask, t.Name)
	case t.Command != nil && t.Command.Name == "":
		return fmt.Errorf("%w: %s: command has no job name", neoqueue.ErrInvalidTask, t.Name)
	}
	return nil
}

// overlapKey is the middleware key. The lock itself lives under
// "overlap:"+key, shared with the job middleware.
func (t *Task) overlapKey() string { return "schedule:" + t.Name }

func (t *Task) overlapLock() string { return "overlap:" + t.overlapKey() }

func (t *Task) overlapTTL() time.Duration {
	if t.OverlapTTL > 0 {
		return t.OverlapTTL
	}
	return middleware.DefaultOverlapTTL
}

// dispatchOptions are appended after the command's own options.
func (t *Task) dispatchOptions() []envelope.Option {
	var opts []envelope.Option
	if t.Queue != "" {
		opts = append(opts, envelope.WithQueue(t.Queue))
	}
	if t.WithoutOverlapping {
		opts = append(opts, envelope.WithMiddleware(
			middleware.WithoutOverlapping(t.overlapKey(), t.overlapTTL(), 0),
		))
	}
	return opts
}
