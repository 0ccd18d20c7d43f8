// Package hostfn manages named host functions that capsules call through
// the capsule.call import. Functions receive decoded JSON arguments and
// return a JSON-encodable result; the launcher owns the memory traffic.
package hostfn

import (
	"context"
	"sync"
)

// Func is a host function callable from a capsule.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Registry holds the functions one loading context exposes to its guests.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds or replaces a function.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

// Get looks up a function by name.
func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// List returns the registered names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	return names
}
