package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/neonextechnologies/neoqueue/envelope"
)

// HandlerFunc is a type-erased job handler that accepts the raw payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// FailedFunc is a type-erased terminal-failure hook.
type FailedFunc func(ctx context.Context, payload []byte, err error)

// Entry is what the Registry stores per job name.
type Entry struct {
	Name     string
	Handle   HandlerFunc
	Failed   FailedFunc
	Defaults []envelope.Option
}

// Registry maps job names to type-erased handlers.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// RegisterDefinition registers a typed job definition. The handler and
// failure hook are wrapped in closures that JSON-decode the payload into T.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	decode := func(payload []byte) (T, error) {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return t, fmt.Errorf("unmarshal payload for job %q: %w", def.Name, err)
			}
		}
		return t, nil
	}

	e := &Entry{
		Name:     def.Name,
		Defaults: def.Defaults,
		Handle: func(ctx context.Context, payload []byte) error {
			t, err := decode(payload)
			if err != nil {
				return err
			}
			return def.Handler(ctx, t)
		},
	}
	if def.Failed != nil {
		e.Failed = func(ctx context.Context, payload []byte, err error) {
			t, decErr := decode(payload)
			if decErr != nil {
				return
			}
			def.Failed(ctx, t, err)
		}
	}
	r.Register(e)
}

// Register stores a raw entry, replacing any previous entry of that name.
func (r *Registry) Register(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Name] = e
}

// Get returns the entry for the given job name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names returns all registered job names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}
