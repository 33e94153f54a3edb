// Package tooling provides the process-wide registry of tool callables
// that personality packs bind to by name. Go has no dynamic module
// loading equivalent to the reference implementation's importlib-based
// tools.py loading, so tool implementations are registered here at
// program startup and personality manifests simply declare which
// registered names they expose.
package tooling

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/agentruntime/core/model"
)

// Handler executes one tool call's business logic. The returned value
// must be JSON-serializable; it becomes the step result.
type Handler func(ctx context.Context, arguments map[string]any) (any, error)

// Registry is a concurrency-safe map of tool name to Handler, guarded by
// a read-write mutex, grounded on the teacher's tooling/registry.Registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry constructs a Registry, optionally seeded with initial handlers.
func NewRegistry(initial map[string]Handler) *Registry {
	handlers := make(map[string]Handler, len(initial))
	maps.Copy(handlers, initial)
	return &Registry{handlers: handlers}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Has reports whether name is registered, used by PersonalityPackManager
// to validate a pack's declared tool names at load time.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Execute runs the handler registered for name.
func (r *Registry) Execute(ctx context.Context, name string, arguments map[string]any) (any, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tool %q is not registered", model.ErrToolNotFound, name)
	}
	result, err := handler(ctx, arguments)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrToolExecution, err)
	}
	return result, nil
}

// Names returns a snapshot of every registered tool name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
