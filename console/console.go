// Package console implements the neoqueue operator commands: running
// workers and managing failed jobs. Applications embed it with Run and a
// WithSetup hook that registers their job handlers, so the same binary
// that dispatches jobs can also process them.
package console

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/neonextechnologies/neoqueue"
	audithook "github.com/neonextechnologies/neoqueue/audit_hook"
	"github.com/neonextechnologies/neoqueue/engine"
	"github.com/neonextechnologies/neoqueue/failed"
	"github.com/neonextechnologies/neoqueue/id"
	"github.com/neonextechnologies/neoqueue/worker"
)

// ErrUsage is returned for unknown commands and malformed arguments.
var ErrUsage = errors.New("neoqueue: usage")

// Setup runs after the engine is opened and before the command executes.
// Register job handlers, batch callbacks and scheduled tasks here.
type Setup func(eng *engine.Engine) error

// Option configures Run.
type Option func(*app)

// WithSetup adds a setup hook.
func WithSetup(fn Setup) Option {
	return func(a *app) { a.setups = append(a.setups, fn) }
}

// WithEngineOptions passes options through to engine.Open.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(a *app) { a.engineOpts = append(a.engineOpts, opts...) }
}

// WithGetenv overrides the environment lookup used for NEOQUEUE_*
// overrides.
func WithGetenv(fn func(string) string) Option {
	return func(a *app) { a.getenv = fn }
}

type app struct {
	stdout, stderr io.Writer
	setups         []Setup
	engineOpts     []engine.Option
	getenv         func(string) string

	cfg        neoqueue.Config
	connection string
	logger     *slog.Logger
}

const usage = `usage: neoqueue [-config file] [-log-level level] [-connection name] <command> [args]

commands:
  work          process jobs until stopped
  failed        list failed jobs
  retry <id|all>
  forget <id>
  flush         delete every failed job
  prune-failed  delete failed jobs older than -hours
  size <queue>  print the number of pending jobs`

// Run parses args (without the program name) and executes one command.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer, opts ...Option) error {
	a := &app{stdout: stdout, stderr: stderr}
	for _, opt := range opts {
		opt(a)
	}

	fs := flag.NewFlagSet("neoqueue", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, usage) }
	configPath := fs.String("config", "", "path to a JSON config file")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	fs.StringVar(&a.connection, "connection", "", "connection name (defaults to the configured default)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return ErrUsage
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("%w: log level %q", ErrUsage, *logLevel)
	}
	a.logger = slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := a.loadConfig(*configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "work":
		return a.work(ctx, rest)
	case "failed":
		return a.listFailed(ctx, rest)
	case "retry":
		return a.retry(ctx, rest)
	case "forget":
		return a.forget(ctx, rest)
	case "flush":
		return a.flush(ctx)
	case "prune-failed":
		return a.prune(ctx, rest)
	case "size":
		return a.size(ctx, rest)
	default:
		fs.Usage()
		return fmt.Errorf("%w: unknown command %q", ErrUsage, cmd)
	}
}

func (a *app) loadConfig(path string) (neoqueue.Config, error) {
	if a.getenv == nil {
		return neoqueue.LoadConfig(path)
	}
	cfg := neoqueue.DefaultConfig()
	if path != "" {
		loaded, err := neoqueue.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv(a.getenv)
	return cfg, nil
}

func (a *app) open(ctx context.Context, extra ...engine.Option) (*engine.Engine, error) {
	opts := append([]engine.Option{engine.WithLogger(a.logger)}, a.engineOpts...)
	opts = append(opts, extra...)
	eng, err := engine.Open(ctx, a.cfg, a.connection, opts...)
	if err != nil {
		return nil, err
	}
	for _, setup := range a.setups {
		if err := setup(eng); err != nil {
			_ = eng.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}
	return eng, nil
}

// ── work ─────────────────────────────────────────

func (a *app) work(ctx context.Context, args []string) error {
	w := a.cfg.Worker
	fs := flag.NewFlagSet("work", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	queues := fs.String("queue", strings.Join(w.Queues, ","), "comma-separated queues in priority order")
	fs.IntVar(&w.Concurrency, "concurrency", w.Concurrency, "goroutines reserving jobs")
	fs.IntVar(&w.Tries, "tries", w.Tries, "attempts for jobs that set none (0 = unbounded)")
	fs.DurationVar(&w.Timeout, "timeout", w.Timeout, "timeout for jobs that set none")
	fs.DurationVar(&w.Sleep, "sleep", w.Sleep, "pause after an empty poll")
	fs.DurationVar(&w.VisibilityTimeout, "visibility", w.VisibilityTimeout, "reservation lease")
	fs.DurationVar(&w.ShutdownTimeout, "shutdown-timeout", w.ShutdownTimeout, "grace period for in-flight jobs")
	once := fs.Bool("once", false, "process a single job and exit")
	stopWhenEmpty := fs.Bool("stop-when-empty", false, "exit when every queue is empty")
	maxJobs := fs.Int("max-jobs", 0, "exit after this many jobs")
	maxTime := fs.Duration("max-time", 0, "exit after running this long")
	rest := fs.Duration("rest", 0, "pause between jobs")
	metricsAddr := fs.String("metrics-addr", a.cfg.MetricsAddr, "serve Prometheus metrics on this address")
	audit := fs.Bool("audit", false, "log an audit record for every lifecycle event")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}
	w.Queues = neoqueue.SplitQueues(*queues)

	var (
		extra []engine.Option
		srv   *http.Server
	)
	if *audit {
		extra = append(extra, engine.WithExtension(
			audithook.New(audithook.LogRecorder(a.logger), audithook.WithLogger(a.logger)),
		))
	}
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		extra = append(extra, engine.WithMetricsRegisterer(reg))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	eng, err := a.open(ctx, extra...)
	if err != nil {
		return err
	}
	defer eng.Close()

	poolOpts := engine.WorkerOptions(w)
	if *once {
		poolOpts = append(poolOpts, worker.WithOnce())
	}
	if *stopWhenEmpty {
		poolOpts = append(poolOpts, worker.WithStopWhenEmpty())
	}
	if *maxJobs > 0 {
		poolOpts = append(poolOpts, worker.WithMaxJobs(*maxJobs))
	}
	if *maxTime > 0 {
		poolOpts = append(poolOpts, worker.WithMaxTime(*maxTime))
	}
	if *rest > 0 {
		poolOpts = append(poolOpts, worker.WithRest(*rest))
	}

	workCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(workCtx)

	g.Go(func() error {
		// The pool may exit on its own; that ends the metrics server too.
		defer stop()
		return eng.Work(gctx, w.ShutdownTimeout, poolOpts...)
	})

	if srv != nil {
		g.Go(func() error {
			a.logger.Info("metrics server listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// ── failed jobs ──────────────────────────────────

func (a *app) listFailed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("failed", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	queue := fs.String("queue", "", "only entries from this queue")
	limit := fs.Int("limit", 50, "maximum entries to list")
	offset := fs.Int("offset", 0, "entries to skip")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}

	eng, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	entries, err := eng.Failed().List(ctx, failed.ListOpts{Queue: *queue, Limit: *limit, Offset: *offset})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.stdout, "no failed jobs")
		return nil
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tJOB\tQUEUE\tFAILED AT\tEXCEPTION")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Name, e.Queue, e.FailedAt.Format(time.RFC3339), firstLine(e.Exception))
	}
	return tw.Flush()
}

func (a *app) retry(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: retry <id|all>", ErrUsage)
	}

	eng, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	if args[0] == "all" {
		n, err := eng.Failed().RetryAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "retried %d failed jobs\n", n)
		return nil
	}

	entryID, err := id.ParseFailedID(args[0])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}
	env, err := eng.Failed().Retry(ctx, entryID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "retried %s as %s on %s\n", entryID, env.ID, env.Queue)
	return nil
}

func (a *app) forget(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: forget <id>", ErrUsage)
	}
	entryID, err := id.ParseFailedID(args[0])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}

	eng, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Failed().Forget(ctx, entryID); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "forgot %s\n", entryID)
	return nil
}

func (a *app) flush(ctx context.Context) error {
	eng, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	n, err := eng.Failed().Flush(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "flushed %d failed jobs\n", n)
	return nil
}

func (a *app) prune(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("prune-failed", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	hours := fs.Int("hours", 24, "delete entries older than this many hours")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}
	if *hours < 0 {
		return fmt.Errorf("%w: -hours must not be negative", ErrUsage)
	}

	eng, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	n, err := eng.Failed().Prune(ctx, time.Duration(*hours)*time.Hour)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "pruned %d failed jobs\n", n)
	return nil
}

// ── queues ───────────────────────────────────────

func (a *app) size(ctx context.Context, args []string) error {
	queue := "default"
	switch len(args) {
	case 0:
	case 1:
		queue = args[0]
	default:
		return fmt.Errorf("%w: size <queue>", ErrUsage)
	}

	eng, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	n, err := eng.Store().CountPending(ctx, queue)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, strconv.FormatInt(n, 10))
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
