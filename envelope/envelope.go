// Package envelope defines the Envelope: one unit of dispatched work plus
// the execution metadata the engine needs to schedule, retry, chain and
// batch it.
//
// Lifecycle:
//
//	dispatched → stored → reserved → acked
//	                              → released (attempts+1, re-queued after backoff)
//	                              → failed   (moved to the failed-job store)
//
// The payload is opaque to the engine; it is handed to the registered
// handler for Name.
package envelope

import (
	"time"

	"github.com/neonextechnologies/neoqueue/id"
)

// DefaultQueue is the routing key used when none is given.
const DefaultQueue = "default"

// MiddlewareRef names a registered middleware factory plus its parameters.
// References are resolved at execution time so they survive serialization.
type MiddlewareRef struct {
	Name   string            `json:"name" msgpack:"name"`
	Params map[string]string `json:"params,omitempty" msgpack:"params,omitempty"`
}

// Envelope is a serializable unit of work.
type Envelope struct {
	ID      id.JobID `json:"id" msgpack:"id"`
	Name    string   `json:"name" msgpack:"name"`
	Queue   string   `json:"queue" msgpack:"queue"`
	Payload []byte   `json:"payload,omitempty" msgpack:"payload,omitempty"`

	// Attempts counts releases. Only the backend mutates it.
	Attempts int `json:"attempts" msgpack:"attempts"`
	// Exceptions counts handler failures, independently of Attempts.
	Exceptions int `json:"exceptions" msgpack:"exceptions"`

	// MaxTries is the attempt budget; zero means unbounded.
	MaxTries int `json:"max_tries,omitempty" msgpack:"max_tries,omitempty"`
	// MaxExceptions fails the job early after this many handler errors;
	// zero disables the check.
	MaxExceptions int `json:"max_exceptions,omitempty" msgpack:"max_exceptions,omitempty"`

	Timeout time.Duration   `json:"timeout,omitempty" msgpack:"timeout,omitempty"`
	Backoff []time.Duration `json:"backoff,omitempty" msgpack:"backoff,omitempty"`

	// Delay is the relative delay requested at dispatch. Chain links are
	// made available Delay after their predecessor acks.
	Delay         time.Duration `json:"delay,omitempty" msgpack:"delay,omitempty"`
	AvailableAt   time.Time     `json:"available_at" msgpack:"available_at"`
	ReservedUntil *time.Time    `json:"reserved_until,omitempty" msgpack:"reserved_until,omitempty"`

	BatchID    id.BatchID      `json:"batch_id,omitempty" msgpack:"batch_id"`
	Chain      []*Envelope     `json:"chain,omitempty" msgpack:"chain,omitempty"`
	Middleware []MiddlewareRef `json:"middleware,omitempty" msgpack:"middleware,omitempty"`

	LastError string    `json:"last_error,omitempty" msgpack:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
}

// Option configures an Envelope at dispatch time.
type Option func(*Envelope)

// New builds an envelope for the named command. It is available
// immediately unless an option delays it.
func New(name string, payload []byte, opts ...Option) *Envelope {
	now := time.Now().UTC()
	e := &Envelope{
		ID:          id.NewJobID(),
		Name:        name,
		Queue:       DefaultQueue,
		Payload:     payload,
		AvailableAt: now,
		CreatedAt:   now,
	}
	e.Apply(opts...)
	return e
}

// Apply runs opts against e.
func (e *Envelope) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(e)
	}
}

// WithQueue routes the envelope to the named queue.
func WithQueue(name string) Option {
	return func(e *Envelope) {
		if name != "" {
			e.Queue = name
		}
	}
}

// WithDelay makes the envelope invisible to workers for d.
func WithDelay(d time.Duration) Option {
	return func(e *Envelope) {
		if d < 0 {
			d = 0
		}
		e.Delay = d
		e.AvailableAt = e.CreatedAt.Add(d)
	}
}

// WithAvailableAt makes the envelope invisible to workers until t.
func WithAvailableAt(t time.Time) Option {
	return func(e *Envelope) {
		e.AvailableAt = t.UTC()
		if d := e.AvailableAt.Sub(e.CreatedAt); d > 0 {
			e.Delay = d
		}
	}
}

// WithMaxTries sets the attempt budget. Zero means unbounded.
func WithMaxTries(n int) Option {
	return func(e *Envelope) { e.MaxTries = n }
}

// WithMaxExceptions fails the job after n handler errors.
func WithMaxExceptions(n int) Option {
	return func(e *Envelope) { e.MaxExceptions = n }
}

// WithTimeout bounds a single execution.
func WithTimeout(d time.Duration) Option {
	return func(e *Envelope) { e.Timeout = d }
}

// WithBackoff sets the release delays. One value is a fixed delay; several
// are indexed by attempt, the last one repeating.
func WithBackoff(delays ...time.Duration) Option {
	return func(e *Envelope) {
		e.Backoff = append([]time.Duration(nil), delays...)
	}
}

// WithMiddleware appends middleware references.
func WithMiddleware(refs ...MiddlewareRef) Option {
	return func(e *Envelope) {
		e.Middleware = append(e.Middleware, refs...)
	}
}

// WithID overrides the generated ID.
func WithID(jobID id.JobID) Option {
	return func(e *Envelope) { e.ID = jobID }
}

// Visible reports whether a worker may reserve e at now.
func (e *Envelope) Visible(now time.Time) bool {
	if e.AvailableAt.After(now) {
		return false
	}
	return e.ReservedUntil == nil || !e.ReservedUntil.After(now)
}

// Reserved reports whether e holds a live reservation at now.
func (e *Envelope) Reserved(now time.Time) bool {
	return e.ReservedUntil != nil && e.ReservedUntil.After(now)
}

// Batched reports whether e belongs to a batch.
func (e *Envelope) Batched() bool { return !e.BatchID.IsNil() }

// Clone returns a deep copy of e, including its chain.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Payload != nil {
		cp.Payload = append([]byte(nil), e.Payload...)
	}
	if e.Backoff != nil {
		cp.Backoff = append([]time.Duration(nil), e.Backoff...)
	}
	if e.ReservedUntil != nil {
		t := *e.ReservedUntil
		cp.ReservedUntil = &t
	}
	if e.Middleware != nil {
		cp.Middleware = make([]MiddlewareRef, len(e.Middleware))
		for i, ref := range e.Middleware {
			cp.Middleware[i] = MiddlewareRef{Name: ref.Name}
			if ref.Params != nil {
				cp.Middleware[i].Params = make(map[string]string, len(ref.Params))
				for k, v := range ref.Params {
					cp.Middleware[i].Params[k] = v
				}
			}
		}
	}
	if e.Chain != nil {
		cp.Chain = make([]*Envelope, len(e.Chain))
		for i, link := range e.Chain {
			cp.Chain[i] = link.Clone()
		}
	}
	return &cp
}

// NextLink pops the head of the chain and returns it ready to enqueue: it
// carries the rest of the chain and becomes available Delay after now.
// It returns nil when the chain is empty.
func (e *Envelope) NextLink(now time.Time) *Envelope {
	if len(e.Chain) == 0 {
		return nil
	}
	next := e.Chain[0].Clone()
	rest := make([]*Envelope, 0, len(e.Chain)-1)
	for _, link := range e.Chain[1:] {
		rest = append(rest, link.Clone())
	}
	if len(rest) == 0 {
		rest = nil
	}
	next.Chain = rest
	next.Attempts = 0
	next.Exceptions = 0
	next.ReservedUntil = nil
	next.CreatedAt = now.UTC()
	next.AvailableAt = now.UTC().Add(next.Delay)
	return next
}
