// Package ext defines the extension system for neoqueue.
//
// Extensions are notified of lifecycle events and can react to them:
// recording metrics, publishing events to a broker, writing audit logs.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	func (e *MyExtension) OnJobProcessed(ctx context.Context, env *envelope.Envelope, elapsed time.Duration) error {
//	    log.Printf("job %s processed in %s", env.ID, elapsed)
//	    return nil
//	}
//
// # Hooks
//
//   - [JobDispatched]: envelope was stored
//   - [JobProcessing]: worker began executing the envelope
//   - [JobProcessed]: handler succeeded and the envelope was acked
//   - [JobReleased]: envelope went back to its queue
//   - [JobFailed]: envelope moved to the failed-job store
//   - [BatchDispatched]: batch and its jobs were stored
//   - [BatchFinished]: batch has no pending jobs left
//   - [TaskScheduled]: scheduler fired a task
//   - [Shutdown]: worker pool is shutting down
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. Hook errors are logged and
// never block job processing.
package ext
