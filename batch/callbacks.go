package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/neonextechnologies/neoqueue"
)

// CallbackFunc runs when a batch reaches a callback point. cause is the
// failure that triggered a catch callback and nil otherwise.
type CallbackFunc func(ctx context.Context, b *Batch, cause error) error

// Callbacks maps callback names to functions.
type Callbacks struct {
	mu    sync.RWMutex
	funcs map[string]CallbackFunc
}

// NewCallbacks returns an empty callback registry.
func NewCallbacks() *Callbacks {
	return &Callbacks{funcs: make(map[string]CallbackFunc)}
}

// Register adds or replaces a named callback.
func (c *Callbacks) Register(name string, fn CallbackFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs[name] = fn
}

// Get looks up a callback by name.
func (c *Callbacks) Get(name string) (CallbackFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.funcs[name]
	return fn, ok
}

// Has reports whether name is registered.
func (c *Callbacks) Has(name string) bool {
	_, ok := c.Get(name)
	return ok
}

// Names returns the registered names in sorted order.
func (c *Callbacks) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.funcs))
	for name := range c.funcs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate checks that every name is registered. Empty names are ignored.
func (c *Callbacks) Validate(names ...string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		if !c.Has(name) {
			return fmt.Errorf("%w: %q", neoqueue.ErrUnknownCallback, name)
		}
	}
	return nil
}
