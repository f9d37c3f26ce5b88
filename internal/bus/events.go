package bus

import (
	"log/slog"
	"sync"

	"chatbridge/internal/domain"
)

// Registry maps each canonical event kind to at most one listener.
type Registry struct {
	handlers map[domain.EventKind]domain.Listener
	mu       sync.RWMutex
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[domain.EventKind]domain.Listener),
		logger:   logger,
	}
}

// On registers l for kind. A listener already registered for kind is replaced.
func (r *Registry) On(kind domain.EventKind, l domain.Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[kind]; ok {
		r.logger.Debug("replacing listener", "kind", kind)
	}
	r.handlers[kind] = l
}

// Off removes the listener for kind.
func (r *Registry) Off(kind domain.EventKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, kind)
}

// Lookup returns the listener registered for kind.
func (r *Registry) Lookup(kind domain.EventKind) (domain.Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.handlers[kind]
	return l, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
