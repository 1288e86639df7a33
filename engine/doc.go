// Package engine wires all neoqueue subsystems together and provides
// the primary application-level API for registering and dispatching work.
//
// # Building an Engine
//
// Open builds the store for a configured connection and owns it:
//
//	cfg, _ := neoqueue.LoadConfig("neoqueue.json")
//	eng, err := engine.Open(ctx, cfg, "",
//	    engine.WithLogger(logger),
//	    engine.WithMetricsRegisterer(prometheus.DefaultRegisterer),
//	)
//	defer eng.Close()
//
// Build wires an engine on top of a store the caller manages:
//
//	eng, err := engine.Build(pgStore,
//	    engine.WithExtension(myExtension),
//	    engine.WithBackoff(backoff.NewExponential(time.Second, time.Minute)),
//	    engine.WithQueueConfig(queue.Config{Name: "critical", RateLimit: 100}),
//	)
//
// # Registering Work
//
//	// Jobs
//	engine.Register(eng, SendEmail)
//
//	// Batch callbacks
//	eng.RegisterCallback("notify-import-done", notifyImportDone)
//
//	// Scheduled tasks
//	eng.Schedule(schedule.Dispatch("daily-report", "0 9 * * *", reportCmd))
//
// # Dispatching
//
//	cmd, _ := SendEmail.Command(EmailInput{To: "user@example.com"})
//	eng.Dispatch(ctx, cmd, envelope.WithDelay(5*time.Minute))
//
//	eng.Dispatcher().Batch(cmds...).Then("notify-import-done").Dispatch(ctx)
//	eng.Dispatcher().Chain(fetch, transform, load).Dispatch(ctx)
//
// # Working
//
// Work runs a worker pool (and the scheduler, when tasks are registered)
// until its context is cancelled:
//
//	eng.Work(ctx, 30*time.Second, engine.WorkerOptions(cfg.Worker)...)
//
// Every pool runs envelopes through recover → tracing → metrics → logging
// → timeout → [WithMiddleware] middleware, then any named middleware the
// envelope references (without_overlapping, rate_limit, or factories added
// with [Engine.RegisterMiddleware]).
//
// # Options
//
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the execution chain
//   - [WithBackoff]: set the default retry delay
//   - [WithQueueConfig]: configure per-queue rate limits and concurrency
//   - [WithLogger]: set the shared logger
//   - [WithScheduleOptions]: configure the scheduler
//   - [WithMetricsRegisterer]: enable the Prometheus extension
//   - [WithTracerProvider], [WithMeterProvider]: set OpenTelemetry providers
package engine
