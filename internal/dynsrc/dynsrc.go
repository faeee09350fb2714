// Package dynsrc implements the dependency-kind registry of the dynamic-deps
// protocol: a per-session mapping from a short string identifier to a
// handler able to reconstruct a node from a persisted (path, type, data)
// tuple. The registry is deliberately generic over the node type (returning
// interface{}) so that it does not need to import the root drake package;
// the root package owns the cast back to drake.Node.
package dynsrc

import (
	"fmt"
	"sync"
)

// RawDep is one persisted dynamic-dependency tuple, as read back from the
// build database.
type RawDep struct {
	Kind string
	Path string
	Type string
	Data []byte
}

// Handler reconstructs the node a RawDep refers to. caller is whatever the
// root package passes through when it calls a builder's Dependencies hook;
// in practice it is the requesting builder, so a handler can reach back into
// the session that owns it.
type Handler func(caller interface{}, dep RawDep) (interface{}, error)

// Registry is a kind-id -> Handler map. Registration is idempotent:
// registering the same kind twice simply replaces the handler, so that
// package-level init functions and tests can register freely without
// needing to coordinate.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty dependency-kind registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates kind with handler, replacing any prior handler for
// the same kind.
func (r *Registry) Register(kind string, handler Handler) {
	if kind == "" {
		panic("dynsrc: empty dependency-kind id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// Handler returns the handler registered for kind, if any.
func (r *Registry) Handler(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Reconstruct looks up and invokes the handler for dep.Kind.
func (r *Registry) Reconstruct(caller interface{}, dep RawDep) (interface{}, error) {
	h, ok := r.Handler(dep.Kind)
	if !ok {
		return nil, fmt.Errorf("dynsrc: no handler registered for dependency-kind %q", dep.Kind)
	}
	return h(caller, dep)
}
