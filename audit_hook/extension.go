package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neonextechnologies/neoqueue/batch"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/ext"
	"github.com/neonextechnologies/neoqueue/id"
)

// Compile-time interface checks.
var (
	_ ext.Extension       = (*Extension)(nil)
	_ ext.JobDispatched   = (*Extension)(nil)
	_ ext.JobProcessing   = (*Extension)(nil)
	_ ext.JobProcessed    = (*Extension)(nil)
	_ ext.JobReleased     = (*Extension)(nil)
	_ ext.JobFailed       = (*Extension)(nil)
	_ ext.BatchDispatched = (*Extension)(nil)
	_ ext.BatchFinished   = (*Extension)(nil)
	_ ext.TaskScheduled   = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit record.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// LogRecorder returns a Recorder that writes each event to logger. Critical
// events are logged at error level, warnings at warn, the rest at info.
func LogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, evt *AuditEvent) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityCritical:
			level = slog.LevelError
		}
		attrs := []slog.Attr{
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("category", evt.Category),
			slog.String("outcome", evt.Outcome),
		}
		if evt.Reason != "" {
			attrs = append(attrs, slog.String("reason", evt.Reason))
		}
		if len(evt.Metadata) > 0 {
			meta := make([]any, 0, len(evt.Metadata))
			for k, v := range evt.Metadata {
				meta = append(meta, slog.Any(k, v))
			}
			attrs = append(attrs, slog.Group("metadata", meta...))
		}
		logger.LogAttrs(ctx, level, "audit", attrs...)
		return nil
	})
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges neoqueue lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobDispatched implements ext.JobDispatched.
func (e *Extension) OnJobDispatched(ctx context.Context, env *envelope.Envelope) error {
	return e.record(ctx, ActionJobDispatched, SeverityInfo, OutcomeSuccess,
		ResourceJob, env.ID.String(), CategoryJob, nil,
		jobMeta(env,
			"available_at", env.AvailableAt.Format(time.RFC3339),
		)...,
	)
}

// OnJobProcessing implements ext.JobProcessing.
func (e *Extension) OnJobProcessing(ctx context.Context, env *envelope.Envelope) error {
	return e.record(ctx, ActionJobProcessing, SeverityInfo, OutcomeSuccess,
		ResourceJob, env.ID.String(), CategoryJob, nil,
		jobMeta(env)...,
	)
}

// OnJobProcessed implements ext.JobProcessed.
func (e *Extension) OnJobProcessed(ctx context.Context, env *envelope.Envelope, elapsed time.Duration) error {
	return e.record(ctx, ActionJobProcessed, SeverityInfo, OutcomeSuccess,
		ResourceJob, env.ID.String(), CategoryJob, nil,
		jobMeta(env,
			"elapsed_ms", elapsed.Milliseconds(),
		)...,
	)
}

// OnJobReleased implements ext.JobReleased. Voluntary releases have a nil
// cause and a success outcome.
func (e *Extension) OnJobReleased(ctx context.Context, env *envelope.Envelope, delay time.Duration, cause error) error {
	outcome := OutcomeSuccess
	if cause != nil {
		outcome = OutcomeFailure
	}
	return e.record(ctx, ActionJobReleased, SeverityWarning, outcome,
		ResourceJob, env.ID.String(), CategoryJob, cause,
		jobMeta(env,
			"delay_ms", delay.Milliseconds(),
		)...,
	)
}

// OnJobFailed implements ext.JobFailed.
func (e *Extension) OnJobFailed(ctx context.Context, env *envelope.Envelope, jobErr error) error {
	return e.record(ctx, ActionJobFailed, SeverityCritical, OutcomeFailure,
		ResourceJob, env.ID.String(), CategoryJob, jobErr,
		jobMeta(env,
			"exceptions", env.Exceptions,
			"max_tries", env.MaxTries,
		)...,
	)
}

// ── Batch lifecycle hooks ───────────────────────────

// OnBatchDispatched implements ext.BatchDispatched.
func (e *Extension) OnBatchDispatched(ctx context.Context, b *batch.Batch) error {
	return e.record(ctx, ActionBatchDispatched, SeverityInfo, OutcomeSuccess,
		ResourceBatch, b.ID.String(), CategoryBatch, nil,
		"batch_name", b.Name,
		"total_jobs", b.TotalJobs,
	)
}

// OnBatchFinished implements ext.BatchFinished. A batch with failures is
// recorded as a failure even when its callbacks succeeded.
func (e *Extension) OnBatchFinished(ctx context.Context, b *batch.Batch) error {
	severity, outcome := SeverityInfo, OutcomeSuccess
	if b.FailedJobs > 0 || b.Cancelled() {
		severity, outcome = SeverityWarning, OutcomeFailure
	}
	return e.record(ctx, ActionBatchFinished, severity, outcome,
		ResourceBatch, b.ID.String(), CategoryBatch, nil,
		"batch_name", b.Name,
		"total_jobs", b.TotalJobs,
		"failed_jobs", b.FailedJobs,
		"cancelled", b.Cancelled(),
	)
}

// ── Schedule lifecycle hooks ────────────────────────

// OnTaskScheduled implements ext.TaskScheduled. Inline tasks have a nil
// job ID, which is omitted.
func (e *Extension) OnTaskScheduled(ctx context.Context, task string, jobID id.JobID) error {
	var kv []any
	if !jobID.IsNil() {
		kv = append(kv, "job_id", jobID.String())
	}
	return e.record(ctx, ActionTaskScheduled, SeverityInfo, OutcomeSuccess,
		ResourceTask, task, CategorySchedule, nil,
		kv...,
	)
}

// ── Internal helpers ────────────────────────────────

func jobMeta(env *envelope.Envelope, extra ...any) []any {
	kv := []any{
		"job_name", env.Name,
		"queue", env.Queue,
		"attempts", env.Attempts,
	}
	if env.Batched() {
		kv = append(kv, "batch_id", env.BatchID.String())
	}
	return append(kv, extra...)
}

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
