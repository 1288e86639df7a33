package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/backend"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/ext"
	"github.com/neonextechnologies/neoqueue/id"
)

// QueueManager gates reservations per queue. The pool calls Acquire before
// reserving from a queue and Release once the reserved job settles.
type QueueManager interface {
	Acquire(queue string) bool
	Release(queue string)
}

// Pool manages a set of concurrent worker goroutines that poll the backend
// and execute envelopes through the Executor.
type Pool struct {
	backend     backend.Backend
	executor    *Executor
	extensions  *ext.Registry
	concurrency int
	queues      []string
	sleep       time.Duration
	visibility  time.Duration
	tries       int
	timeout     time.Duration
	rest        time.Duration
	maxJobs     int64
	maxTime     time.Duration
	stopEmpty   bool
	workerID    id.WorkerID
	logger      *slog.Logger

	queueManager QueueManager

	processed atomic.Int64
	// busy counts workers between Reserve and the end of processing.
	busy atomic.Int32

	stopCh     chan struct{}
	stopOnce   sync.Once
	doneCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPoolQueues sets the queues to poll, highest priority first.
func WithPoolQueues(queues ...string) PoolOption {
	return func(p *Pool) {
		if len(queues) > 0 {
			p.queues = queues
		}
	}
}

// WithSleep sets how long a worker waits after finding every queue empty.
func WithSleep(d time.Duration) PoolOption {
	return func(p *Pool) { p.sleep = d }
}

// WithVisibility sets the reservation lease. It must exceed the longest
// job timeout or a slow job is handed to a second worker.
func WithVisibility(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.visibility = d
		}
	}
}

// WithTries sets MaxTries for envelopes dispatched without one.
func WithTries(n int) PoolOption {
	return func(p *Pool) { p.tries = n }
}

// WithTimeout sets Timeout for envelopes dispatched without one.
func WithTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.timeout = d }
}

// WithRest pauses a worker after each job.
func WithRest(d time.Duration) PoolOption {
	return func(p *Pool) { p.rest = d }
}

// WithMaxJobs stops the pool after n jobs have been processed.
func WithMaxJobs(n int) PoolOption {
	return func(p *Pool) { p.maxJobs = int64(n) }
}

// WithMaxTime stops the pool after d.
func WithMaxTime(d time.Duration) PoolOption {
	return func(p *Pool) { p.maxTime = d }
}

// WithOnce processes a single job and stops.
func WithOnce() PoolOption {
	return func(p *Pool) {
		p.maxJobs = 1
		p.concurrency = 1
		p.stopEmpty = true
	}
}

// WithStopWhenEmpty stops the pool once every queue is drained.
func WithStopWhenEmpty() PoolOption {
	return func(p *Pool) { p.stopEmpty = true }
}

// WithQueueManager sets the per-queue limiter.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a worker pool.
func NewPool(
	b backend.Backend,
	executor *Executor,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if extensions == nil {
		extensions = ext.NewRegistry(logger)
	}
	p := &Pool{
		backend:     b,
		executor:    executor,
		extensions:  extensions,
		concurrency: 1,
		queues:      []string{envelope.DefaultQueue},
		sleep:       3 * time.Second,
		visibility:  90 * time.Second,
		workerID:    id.NewWorkerID(),
		logger:      logger,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		activeJobs:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Processed returns how many jobs the pool has settled.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Done is closed when every worker goroutine has exited.
func (p *Pool) Done() <-chan struct{} { return p.doneCh }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	if p.timeout > 0 && p.visibility <= p.timeout {
		p.logger.Warn("visibility timeout does not exceed job timeout, slow jobs may run twice",
			slog.Duration("visibility", p.visibility),
			slog.Duration("timeout", p.timeout),
		)
	}

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.workLoop()
	}
	if p.maxTime > 0 {
		go func() {
			select {
			case <-time.After(p.maxTime):
				p.logger.Info("worker pool reached max time", slog.Duration("max_time", p.maxTime))
				p.signalStop()
			case <-p.stopCh:
			}
		}()
	}
	go func() {
		p.wg.Wait()
		close(p.doneCh)
	}()
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active jobs are cancelled when time runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	p.signalStop()

	select {
	case <-p.doneCh:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		<-p.doneCh
	}

	p.extensions.EmitShutdown(context.WithoutCancel(ctx))
	return nil
}

// Run starts the pool and blocks until ctx is cancelled or the pool stops
// on its own (once, stop-when-empty, max jobs, max time). In-flight jobs
// get shutdownTimeout to finish.
func (p *Pool) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-p.doneCh:
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return p.Stop(stopCtx)
}

func (p *Pool) signalStop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Pool) stopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// workLoop is run by each worker goroutine.
func (p *Pool) workLoop() {
	defer p.wg.Done()

	for !p.stopping() {
		worked, err := p.runNext()
		switch {
		case err != nil && errors.Is(err, neoqueue.ErrBackendUnavailable):
			p.logger.Error("backend unavailable, pausing", slog.String("error", err.Error()))
			p.wait(p.sleep)
		case err != nil && errors.Is(err, neoqueue.ErrCorruptEnvelope):
			// Already moved to the failed store; the queue may hold more.
			p.logger.Error("corrupt envelope moved to failed jobs", slog.String("error", err.Error()))
		case err != nil:
			p.logger.Error("worker error", slog.String("error", err.Error()))
			p.wait(p.sleep)
		case !worked:
			// A running job may still enqueue a chain link or a release.
			if p.stopEmpty && p.busy.Load() == 0 {
				p.signalStop()
				return
			}
			p.wait(p.sleep)
		default:
			if p.maxJobs > 0 && p.processed.Load() >= p.maxJobs {
				p.signalStop()
				return
			}
			if p.rest > 0 {
				p.wait(p.rest)
			}
		}
	}
}

// runNext reserves from the first queue with work and processes one job.
func (p *Pool) runNext() (bool, error) {
	for _, q := range p.queues {
		if p.stopping() {
			return false, nil
		}
		if p.queueManager != nil && !p.queueManager.Acquire(q) {
			continue
		}

		p.busy.Add(1)
		env, err := p.backend.Reserve(context.Background(), q, p.visibility)
		if err != nil || env == nil {
			p.busy.Add(-1)
			if p.queueManager != nil {
				p.queueManager.Release(q)
			}
			if err != nil {
				return false, err
			}
			continue
		}

		err = p.process(env)
		p.busy.Add(-1)
		if p.queueManager != nil {
			p.queueManager.Release(q)
		}
		return true, err
	}
	return false, nil
}

func (p *Pool) process(env *envelope.Envelope) error {
	if env.MaxTries == 0 && p.tries > 0 {
		env.MaxTries = p.tries
	}
	if env.Timeout == 0 && p.timeout > 0 {
		env.Timeout = p.timeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	key := env.ID.String()
	p.trackJob(key, cancel)
	defer p.untrackJob(key)

	outcome, err := p.executor.Process(ctx, env)
	p.processed.Add(1)
	if err != nil {
		return err
	}
	p.logger.Debug("job settled",
		slog.String("job_id", key),
		slog.String("job_name", env.Name),
		slog.String("outcome", outcome.String()),
	)
	return nil
}

func (p *Pool) wait(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
