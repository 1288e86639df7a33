package amqphook_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	ah "github.com/neonextechnologies/neoqueue/amqp_hook"
	"github.com/neonextechnologies/neoqueue/batch"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/ext"
	"github.com/neonextechnologies/neoqueue/id"
)

// ── Helpers ─────────────────────────────────────────

type published struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

// fakePublisher records publishes in memory.
type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{Exchange: exchange, Key: key, Msg: msg})
	return nil
}

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

// last returns the most recent message and decodes its body. It fails the
// test if nothing was published.
func (p *fakePublisher) last(t *testing.T) (published, map[string]any) {
	t.Helper()
	msgs := p.all()
	if len(msgs) == 0 {
		t.Fatal("nothing published")
	}
	m := msgs[len(msgs)-1]
	var body map[string]any
	if err := json.Unmarshal(m.Msg.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return m, body
}

var fixed = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestHook(opts ...ah.Option) (*ah.Extension, *fakePublisher) {
	pub := &fakePublisher{}
	opts = append([]ah.Option{ah.WithClock(func() time.Time { return fixed })}, opts...)
	return ah.New(pub, opts...), pub
}

func newTestEnvelope() *envelope.Envelope {
	env := envelope.New("send-email", []byte(`{}`), envelope.WithQueue("mail"))
	env.Attempts = 2
	return env
}

func data(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("data is %T", body["data"])
	}
	return d
}

// ── Tests ───────────────────────────────────────────

func TestAMQPHook_Name(t *testing.T) {
	h, _ := newTestHook()
	if h.Name() != "amqp-hook" {
		t.Errorf("expected name %q, got %q", "amqp-hook", h.Name())
	}
}

func TestAMQPHook_JobDispatched(t *testing.T) {
	h, pub := newTestHook()
	env := newTestEnvelope()
	if err := h.OnJobDispatched(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m, body := pub.last(t)
	if m.Exchange != ah.DefaultExchange || m.Key != ah.EventJobDispatched {
		t.Errorf("exchange=%q key=%q", m.Exchange, m.Key)
	}
	if m.Msg.ContentType != "application/json" || m.Msg.DeliveryMode != amqp.Persistent {
		t.Errorf("content-type=%q mode=%d", m.Msg.ContentType, m.Msg.DeliveryMode)
	}
	if m.Msg.Type != ah.EventJobDispatched || m.Msg.MessageId == "" || !m.Msg.Timestamp.Equal(fixed) {
		t.Errorf("properties: type=%q id=%q ts=%s", m.Msg.Type, m.Msg.MessageId, m.Msg.Timestamp)
	}
	if body["type"] != ah.EventJobDispatched {
		t.Errorf("body type = %v", body["type"])
	}
	d := data(t, body)
	if d["job_id"] != env.ID.String() || d["job_name"] != "send-email" || d["queue"] != "mail" {
		t.Errorf("data = %v", d)
	}
	if d["attempts"] != float64(2) {
		t.Errorf("attempts = %v", d["attempts"])
	}
	if _, ok := d["batch_id"]; ok {
		t.Error("batch_id set on unbatched job")
	}
}

func TestAMQPHook_JobProcessed(t *testing.T) {
	h, pub := newTestHook()
	if err := h.OnJobProcessed(context.Background(), newTestEnvelope(), 1500*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, body := pub.last(t)
	if d := data(t, body); d["elapsed_ms"] != float64(1500) {
		t.Errorf("elapsed_ms = %v", d["elapsed_ms"])
	}
}

func TestAMQPHook_JobReleased(t *testing.T) {
	h, pub := newTestHook()
	ctx := context.Background()

	if err := h.OnJobReleased(ctx, newTestEnvelope(), 5*time.Second, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, body := pub.last(t)
	d := data(t, body)
	if d["delay_ms"] != float64(5000) {
		t.Errorf("delay_ms = %v", d["delay_ms"])
	}
	if _, ok := d["error"]; ok {
		t.Error("error set on voluntary release")
	}

	if err := h.OnJobReleased(ctx, newTestEnvelope(), time.Second, errors.New("smtp down")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, body = pub.last(t)
	if d := data(t, body); d["error"] != "smtp down" {
		t.Errorf("error = %v", d["error"])
	}
}

func TestAMQPHook_JobFailed(t *testing.T) {
	h, pub := newTestHook()
	env := newTestEnvelope()
	env.BatchID = id.NewBatchID()
	if err := h.OnJobFailed(context.Background(), env, errors.New("boom")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, body := pub.last(t)
	if m.Key != ah.EventJobFailed {
		t.Errorf("key = %q", m.Key)
	}
	d := data(t, body)
	if d["error"] != "boom" || d["batch_id"] != env.BatchID.String() {
		t.Errorf("data = %v", d)
	}
}

func TestAMQPHook_BatchFinished(t *testing.T) {
	h, pub := newTestHook()
	b := &batch.Batch{ID: id.NewBatchID(), Name: "import", TotalJobs: 4, FailedJobs: 1}
	if err := h.OnBatchFinished(context.Background(), b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, body := pub.last(t)
	if m.Key != ah.EventBatchFinished {
		t.Errorf("key = %q", m.Key)
	}
	d := data(t, body)
	if d["batch_id"] != b.ID.String() || d["failed_jobs"] != float64(1) || d["progress"] != float64(1) {
		t.Errorf("data = %v", d)
	}
}

func TestAMQPHook_TaskScheduled(t *testing.T) {
	h, pub := newTestHook()
	jobID := id.NewJobID()
	if err := h.OnTaskScheduled(context.Background(), "nightly", jobID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, body := pub.last(t)
	if d := data(t, body); d["task"] != "nightly" || d["job_id"] != jobID.String() {
		t.Errorf("data = %v", d)
	}
}

func TestAMQPHook_WithEvents(t *testing.T) {
	h, pub := newTestHook(ah.WithEvents(ah.EventJobFailed))
	ctx := context.Background()
	env := newTestEnvelope()

	_ = h.OnJobDispatched(ctx, env)
	_ = h.OnJobProcessed(ctx, env, time.Millisecond)
	_ = h.OnJobFailed(ctx, env, errors.New("boom"))

	msgs := pub.all()
	if len(msgs) != 1 || msgs[0].Key != ah.EventJobFailed {
		t.Fatalf("published %d messages: %+v", len(msgs), msgs)
	}
}

func TestAMQPHook_WithExchange(t *testing.T) {
	h, pub := newTestHook(ah.WithExchange("ops.events"))
	_ = h.OnJobDispatched(context.Background(), newTestEnvelope())
	if m, _ := pub.last(t); m.Exchange != "ops.events" {
		t.Errorf("exchange = %q", m.Exchange)
	}
}

func TestAMQPHook_WithPayloadFunc(t *testing.T) {
	h, pub := newTestHook(ah.WithPayloadFunc(ah.EventJobDispatched, func(any) (any, error) {
		return map[string]string{"custom": "yes"}, nil
	}))
	_ = h.OnJobDispatched(context.Background(), newTestEnvelope())
	_, body := pub.last(t)
	if d := data(t, body); d["custom"] != "yes" {
		t.Errorf("data = %v", d)
	}

	fail := errors.New("no payload")
	h, pub = newTestHook(ah.WithPayloadFunc(ah.EventJobDispatched, func(any) (any, error) { return nil, fail }))
	if err := h.OnJobDispatched(context.Background(), newTestEnvelope()); !errors.Is(err, fail) {
		t.Fatalf("err = %v, want %v", err, fail)
	}
	if len(pub.all()) != 0 {
		t.Error("published despite payload error")
	}
}

func TestAMQPHook_PublishErrorIsReturned(t *testing.T) {
	h, pub := newTestHook()
	pub.err = amqp.ErrClosed
	if err := h.OnJobDispatched(context.Background(), newTestEnvelope()); !errors.Is(err, amqp.ErrClosed) {
		t.Fatalf("err = %v, want amqp.ErrClosed", err)
	}
}

func TestAMQPHook_ShutdownWithoutDialIsNoop(t *testing.T) {
	h, _ := newTestHook()
	if err := h.OnShutdown(context.Background()); err != nil {
		t.Fatalf("OnShutdown: %v", err)
	}
}

func TestAMQPHook_ThroughRegistry(t *testing.T) {
	h, pub := newTestHook()
	r := ext.NewRegistry(nil)
	r.Register(h)

	ctx := context.Background()
	env := newTestEnvelope()
	r.EmitJobDispatched(ctx, env)
	r.EmitJobProcessing(ctx, env)
	r.EmitJobProcessed(ctx, env, time.Millisecond)

	msgs := pub.all()
	want := []string{ah.EventJobDispatched, ah.EventJobProcessing, ah.EventJobProcessed}
	if len(msgs) != len(want) {
		t.Fatalf("published %d messages, want %d", len(msgs), len(want))
	}
	for i, m := range msgs {
		if m.Key != want[i] {
			t.Errorf("msg[%d].Key = %q, want %q", i, m.Key, want[i])
		}
	}
}

type fakeDeclarer struct {
	name, kind string
	durable    bool
}

func (d *fakeDeclarer) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	d.name, d.kind, d.durable = name, kind, durable
	return nil
}

func TestDeclareExchange(t *testing.T) {
	d := &fakeDeclarer{}
	if err := ah.DeclareExchange(d, ah.DefaultExchange); err != nil {
		t.Fatalf("DeclareExchange: %v", err)
	}
	if d.name != ah.DefaultExchange || d.kind != amqp.ExchangeTopic || !d.durable {
		t.Errorf("declared %+v", d)
	}
}

func TestAllEvents(t *testing.T) {
	seen := map[string]bool{}
	for _, e := range ah.AllEvents() {
		if seen[e] {
			t.Errorf("duplicate event %q", e)
		}
		seen[e] = true
	}
	if len(seen) != 8 {
		t.Errorf("want 8 events, got %d", len(seen))
	}
}
