// Package audithook is a neoqueue extension that turns lifecycle events
// into audit records.
//
// Every job, batch and scheduled-task hook emits a structured [AuditEvent]
// through the [Recorder] interface. Severity follows the outcome: info for
// normal operations, warning for releases, critical for terminal failures.
// Metadata carries the job name, queue, attempts and error text.
//
// # Logging recorder
//
// [LogRecorder] writes each event as one slog record, which is enough for
// an append-only trail shipped by the log pipeline:
//
//	eng, _ := engine.Build(s, engine.WithExtension(
//	    audithook.New(audithook.LogRecorder(logger)),
//	))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionJobFailed,
//	        audithook.ActionBatchFinished,
//	    ),
//	)
package audithook
