package observability

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/batch"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/ext"
	"github.com/neonextechnologies/neoqueue/id"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*MetricsExtension)(nil)
	_ ext.JobDispatched = (*MetricsExtension)(nil)
	_ ext.JobProcessed  = (*MetricsExtension)(nil)
	_ ext.JobReleased   = (*MetricsExtension)(nil)
	_ ext.JobFailed     = (*MetricsExtension)(nil)
	_ ext.BatchFinished = (*MetricsExtension)(nil)
	_ ext.TaskScheduled = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics. Register it as a
// neoqueue extension to track dispatch rates, outcomes per job name and
// queue, batch completions and scheduler activity.
type MetricsExtension struct {
	JobDispatched *prometheus.CounterVec
	JobProcessed  *prometheus.CounterVec
	JobReleased   *prometheus.CounterVec
	JobFailed     *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	BatchFinished *prometheus.CounterVec
	TaskScheduled *prometheus.CounterVec
}

// NewMetricsExtension registers its collectors with the default Prometheus
// registry.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithRegisterer(prometheus.DefaultRegisterer)
}

// NewMetricsExtensionWithRegisterer registers its collectors with reg.
// Tests pass a fresh prometheus.NewRegistry().
func NewMetricsExtensionWithRegisterer(reg prometheus.Registerer) *MetricsExtension {
	f := promauto.With(reg)
	return &MetricsExtension{
		JobDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "neoqueue_jobs_dispatched_total",
			Help: "The total number of dispatched jobs.",
		}, []string{"job", "queue"}),
		JobProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "neoqueue_jobs_processed_total",
			Help: "The total number of jobs that completed successfully.",
		}, []string{"job", "queue"}),
		JobReleased: f.NewCounterVec(prometheus.CounterOpts{
			Name: "neoqueue_jobs_released_total",
			Help: "The total number of jobs released back to their queue.",
		}, []string{"job", "queue", "reason"}), // reason: exception, voluntary
		JobFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "neoqueue_jobs_failed_total",
			Help: "The total number of jobs moved to the failed-job store.",
		}, []string{"job", "queue", "reason"}), // reason: exception, timeout, terminal, max_attempts
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "neoqueue_job_duration_seconds",
			Help:    "Duration of successful job handlers.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"job"}),
		BatchFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "neoqueue_batches_finished_total",
			Help: "The total number of batches with no pending jobs left.",
		}, []string{"status"}), // status: succeeded, failed, cancelled
		TaskScheduled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "neoqueue_tasks_scheduled_total",
			Help: "The total number of scheduled task occurrences that ran.",
		}, []string{"task"}),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobDispatched implements ext.JobDispatched.
func (m *MetricsExtension) OnJobDispatched(_ context.Context, env *envelope.Envelope) error {
	m.JobDispatched.WithLabelValues(env.Name, env.Queue).Inc()
	return nil
}

// OnJobProcessed implements ext.JobProcessed.
func (m *MetricsExtension) OnJobProcessed(_ context.Context, env *envelope.Envelope, elapsed time.Duration) error {
	m.JobProcessed.WithLabelValues(env.Name, env.Queue).Inc()
	m.JobDuration.WithLabelValues(env.Name).Observe(elapsed.Seconds())
	return nil
}

// OnJobReleased implements ext.JobReleased.
func (m *MetricsExtension) OnJobReleased(_ context.Context, env *envelope.Envelope, _ time.Duration, cause error) error {
	reason := "exception"
	if cause == nil {
		reason = "voluntary"
	}
	m.JobReleased.WithLabelValues(env.Name, env.Queue, reason).Inc()
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(_ context.Context, env *envelope.Envelope, err error) error {
	m.JobFailed.WithLabelValues(env.Name, env.Queue, failureReason(err)).Inc()
	return nil
}

// ── Batch and schedule hooks ────────────────────────

// OnBatchFinished implements ext.BatchFinished.
func (m *MetricsExtension) OnBatchFinished(_ context.Context, b *batch.Batch) error {
	status := "succeeded"
	switch {
	case b.Cancelled():
		status = "cancelled"
	case b.FailedJobs > 0:
		status = "failed"
	}
	m.BatchFinished.WithLabelValues(status).Inc()
	return nil
}

// OnTaskScheduled implements ext.TaskScheduled.
func (m *MetricsExtension) OnTaskScheduled(_ context.Context, task string, _ id.JobID) error {
	m.TaskScheduled.WithLabelValues(task).Inc()
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, neoqueue.ErrTimeoutExceeded):
		return "timeout"
	case errors.Is(err, neoqueue.ErrMaxAttempts):
		return "max_attempts"
	case errors.Is(err, neoqueue.ErrTerminalFailure):
		return "terminal"
	default:
		return "exception"
	}
}
