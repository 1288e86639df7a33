// Package neoqueue is an asynchronous job queue and worker engine. It
// offers at-least-once delivery over interchangeable backends (memory,
// Redis, PostgreSQL, SQLite), retry with backoff, strictly ordered chains,
// batches with exactly-once completion callbacks, and lease-based locks for
// single-instance execution.
//
// # Quick Start
//
//	s := memory.New()
//	eng, err := engine.Build(s)
//
//	engine.Register(eng, job.NewDefinition("send-email",
//	    func(ctx context.Context, in EmailInput) error { return mailer.Send(in) },
//	))
//
//	cmd, _ := job.NewCommand("send-email", EmailInput{To: "a@example.com"})
//	env, err := eng.Dispatcher().Dispatch(ctx, cmd, envelope.WithDelay(time.Minute))
//
//	err = eng.Work(ctx, 30*time.Second, worker.WithPoolQueues("default"))
//
// # Architecture
//
// Each subsystem (backend, batch, failed, lock) defines its own store
// interface. The composite store.Store composes them all and a single
// backend implements every one of them.
//
// The root package holds configuration and the error taxonomy shared by
// every subsystem. All entity IDs use TypeID: type-prefixed, K-sortable,
// UUIDv7-based identifiers.
package neoqueue
