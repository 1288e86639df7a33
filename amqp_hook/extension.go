package amqphook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

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
	_ ext.Shutdown        = (*Extension)(nil)

	_ Publisher = (*amqp.Channel)(nil)
)

// Publisher publishes one message. *amqp.Channel satisfies it.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Extension publishes neoqueue lifecycle events to an AMQP exchange.
type Extension struct {
	pub      Publisher
	exchange string
	enabled  map[string]bool        // nil = all enabled
	payloads map[string]PayloadFunc // custom payload builders
	logger   *slog.Logger
	now      func() time.Time

	// Set by Dial; closed on shutdown.
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New creates an Extension that publishes through pub.
func New(pub Publisher, opts ...Option) *Extension {
	h := &Extension{
		pub:      pub,
		exchange: DefaultExchange,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Dial connects to url, declares the exchange as a durable topic exchange
// and returns an Extension that owns the connection.
func Dial(_ context.Context, url string, opts ...Option) (*Extension, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqphook: connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqphook: open channel: %w", err)
	}

	h := New(ch, opts...)
	if err := DeclareExchange(ch, h.exchange); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	h.conn, h.ch = conn, ch
	h.logger.Info("amqp hook connected", slog.String("exchange", h.exchange))
	return h, nil
}

// Declarer is the part of *amqp.Channel DeclareExchange needs.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
}

// DeclareExchange declares name as a durable topic exchange. Idempotent.
func DeclareExchange(ch Declarer, name string) error {
	if err := ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqphook: declare exchange %q: %w", name, err)
	}
	return nil
}

// Name implements ext.Extension.
func (h *Extension) Name() string { return "amqp-hook" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobDispatched implements ext.JobDispatched.
func (h *Extension) OnJobDispatched(ctx context.Context, env *envelope.Envelope) error {
	return h.send(ctx, EventJobDispatched, newJobPayload(env))
}

// OnJobProcessing implements ext.JobProcessing.
func (h *Extension) OnJobProcessing(ctx context.Context, env *envelope.Envelope) error {
	return h.send(ctx, EventJobProcessing, newJobPayload(env))
}

// OnJobProcessed implements ext.JobProcessed.
func (h *Extension) OnJobProcessed(ctx context.Context, env *envelope.Envelope, elapsed time.Duration) error {
	return h.send(ctx, EventJobProcessed, &jobProcessedPayload{
		jobPayload: *newJobPayload(env),
		ElapsedMs:  elapsed.Milliseconds(),
	})
}

// OnJobReleased implements ext.JobReleased.
func (h *Extension) OnJobReleased(ctx context.Context, env *envelope.Envelope, delay time.Duration, cause error) error {
	p := &jobReleasedPayload{
		jobPayload: *newJobPayload(env),
		DelayMs:    delay.Milliseconds(),
	}
	if cause != nil {
		p.Error = cause.Error()
	}
	return h.send(ctx, EventJobReleased, p)
}

// OnJobFailed implements ext.JobFailed.
func (h *Extension) OnJobFailed(ctx context.Context, env *envelope.Envelope, jobErr error) error {
	return h.send(ctx, EventJobFailed, &jobFailedPayload{
		jobPayload: *newJobPayload(env),
		Error:      jobErr.Error(),
	})
}

// ── Batch lifecycle hooks ───────────────────────────

// OnBatchDispatched implements ext.BatchDispatched.
func (h *Extension) OnBatchDispatched(ctx context.Context, b *batch.Batch) error {
	return h.send(ctx, EventBatchDispatched, newBatchPayload(b))
}

// OnBatchFinished implements ext.BatchFinished.
func (h *Extension) OnBatchFinished(ctx context.Context, b *batch.Batch) error {
	return h.send(ctx, EventBatchFinished, newBatchPayload(b))
}

// ── Other lifecycle hooks ───────────────────────────

// OnTaskScheduled implements ext.TaskScheduled.
func (h *Extension) OnTaskScheduled(ctx context.Context, task string, jobID id.JobID) error {
	return h.send(ctx, EventTaskScheduled, &taskPayload{
		Task:  task,
		JobID: jobID.String(),
	})
}

// OnShutdown implements ext.Shutdown. It closes the connection opened by
// Dial; a Publisher passed to New is left alone.
func (h *Extension) OnShutdown(_ context.Context) error {
	if h.conn == nil {
		return nil
	}
	if err := h.ch.Close(); err != nil && !h.conn.IsClosed() {
		h.logger.Warn("amqp hook channel close", slog.String("error", err.Error()))
	}
	return h.conn.Close()
}

// ── Internal helpers ────────────────────────────────

// send publishes an event if the event type is enabled.
func (h *Extension) send(ctx context.Context, eventType string, defaultData any) error {
	if h.enabled != nil && !h.enabled[eventType] {
		return nil
	}

	data := defaultData
	if fn, ok := h.payloads[eventType]; ok {
		custom, err := fn(defaultData)
		if err != nil {
			return err
		}
		data = custom
	}

	now := h.now().UTC()
	body, err := json.Marshal(&Event{Type: eventType, OccurredAt: now, Data: data})
	if err != nil {
		return fmt.Errorf("amqphook: encode %s: %w", eventType, err)
	}

	return h.pub.PublishWithContext(ctx, h.exchange, eventType, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    now,
		Type:         eventType,
		AppId:        "neoqueue",
		Body:         body,
	})
}

func newJobPayload(env *envelope.Envelope) *jobPayload {
	p := &jobPayload{
		JobID:    env.ID.String(),
		JobName:  env.Name,
		Queue:    env.Queue,
		Attempts: env.Attempts,
	}
	if env.Batched() {
		p.BatchID = env.BatchID.String()
	}
	return p
}

func newBatchPayload(b *batch.Batch) *batchPayload {
	return &batchPayload{
		BatchID:     b.ID.String(),
		Name:        b.Name,
		TotalJobs:   b.TotalJobs,
		PendingJobs: b.PendingJobs,
		FailedJobs:  b.FailedJobs,
		Progress:    b.Progress(),
		Cancelled:   b.Cancelled(),
	}
}
