// Package registry provides a generic, concurrency-safe name-to-handler
// table used by every dynamic-dispatch surface in the module: job
// types, cron names, workflow definitions, and callable functions
// (spec.md §4.4, §4.6, §4.7, §4.10).
package registry

import (
	"fmt"
	"sync"
)

// Registry maps a string name to a handler of type T. Registration
// happens once at startup from cmd/forge; lookups happen on every
// dispatch, so RLock keeps the common path cheap.
type Registry[T any] struct {
	mu       sync.RWMutex
	handlers map[string]T
}

// New returns an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{handlers: make(map[string]T)}
}

// Register adds name -> handler. It panics on a duplicate name because
// duplicate registration is a startup-time programming error, not a
// runtime condition callers should handle.
func (r *Registry[T]) Register(name string, handler T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("registry: %q already registered", name))
	}
	r.handlers[name] = handler
}

// Lookup returns the handler registered for name and whether it exists.
func (r *Registry[T]) Lookup(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns every registered name, in no particular order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	return names
}
