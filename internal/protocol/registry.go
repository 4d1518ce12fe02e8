package protocol

import (
	"context"
	"sync"
)

// ReplyFunc answers the message a handler was invoked for. It is a no-op when
// the message did not ask for an acknowledgement.
type ReplyFunc func(payload any)

// HandlerFunc serves one inbound event for the connection identified by connID.
type HandlerFunc func(ctx context.Context, connID string, msg Message, reply ReplyFunc) error

// Registry maps event names to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func (r *Registry) Add(event string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = h
}

func (r *Registry) remove(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, event)
}

func (r *Registry) Lookup(event string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[event]
	return h, ok
}
