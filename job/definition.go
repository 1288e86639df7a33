package job

import (
	"context"

	"github.com/neonextechnologies/neoqueue/envelope"
)

// Definition is a typed job definition. T is the payload type (must be
// JSON-serializable).
type Definition[T any] struct {
	// Name is the unique identifier for this job type.
	Name string

	// Handler processes the job payload.
	Handler func(ctx context.Context, payload T) error

	// Failed, when set, runs exactly once after the job fails terminally.
	Failed func(ctx context.Context, payload T, err error)

	// Defaults are applied to every envelope dispatched for this job,
	// before any per-dispatch options.
	Defaults []envelope.Option
}

// DefinitionOption configures a Definition.
type DefinitionOption[T any] func(*Definition[T])

// NewDefinition creates a typed job definition.
func NewDefinition[T any](name string, handler func(ctx context.Context, payload T) error, opts ...DefinitionOption[T]) *Definition[T] {
	def := &Definition[T]{Name: name, Handler: handler}
	for _, opt := range opts {
		opt(def)
	}
	return def
}

// OnFailure sets the terminal-failure hook.
func OnFailure[T any](fn func(ctx context.Context, payload T, err error)) DefinitionOption[T] {
	return func(d *Definition[T]) { d.Failed = fn }
}

// WithDefaults sets envelope options applied on every dispatch, such as
// envelope.WithMaxTries or envelope.WithQueue.
func WithDefaults[T any](opts ...envelope.Option) DefinitionOption[T] {
	return func(d *Definition[T]) { d.Defaults = append(d.Defaults, opts...) }
}

// Command builds a dispatchable command from a typed payload.
func (d *Definition[T]) Command(payload T, opts ...envelope.Option) (Command, error) {
	return NewCommand(d.Name, payload, opts...)
}
