package middleware

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/envelope"
)

// Factory builds a Middleware from a serialized reference.
type Factory func(ref envelope.MiddlewareRef) (Middleware, error)

// Registry resolves envelope middleware references by name. Envelopes
// carry references instead of closures so they can cross process
// boundaries.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces a named factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns the registered factory names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve builds the chain for refs in order. An unknown name returns
// neoqueue.ErrUnknownMiddleware.
func (r *Registry) Resolve(refs []envelope.MiddlewareRef) (Middleware, error) {
	if len(refs) == 0 {
		return Chain(), nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	mws := make([]Middleware, 0, len(refs))
	for _, ref := range refs {
		f, ok := r.factories[ref.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", neoqueue.ErrUnknownMiddleware, ref.Name)
		}
		mw, err := f(ref)
		if err != nil {
			return nil, fmt.Errorf("middleware %q: %w", ref.Name, err)
		}
		mws = append(mws, mw)
	}
	return Chain(mws...), nil
}

func paramDuration(ref envelope.MiddlewareRef, key string, fallback time.Duration) (time.Duration, error) {
	v, ok := ref.Params[key]
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return d, nil
}

func paramFloat(ref envelope.MiddlewareRef, key string, fallback float64) (float64, error) {
	v, ok := ref.Params[key]
	if !ok || v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return f, nil
}

func paramInt(ref envelope.MiddlewareRef, key string, fallback int) (int, error) {
	v, ok := ref.Params[key]
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return n, nil
}
