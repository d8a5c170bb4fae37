// Package worker runs registered task handlers against the dispatch queues.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler is one registered task implementation. Args are the positional
// arguments of the invocation, still JSON-encoded; the returned value is
// marshaled as the invocation payload.
type Handler func(ctx context.Context, args []json.RawMessage) (any, error)

// Registry maps task names to handlers. Registration happens at process
// startup; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a task name to a handler. Re-registering a name replaces
// the previous handler.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("task name required")
	}
	if h == nil {
		return fmt.Errorf("nil handler for task %s", name)
	}
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
	return nil
}

// MustRegister is Register that panics on error, for init-time wiring.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for a task name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	return h, ok
}

// Names lists the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
