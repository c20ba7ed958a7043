package consumer

import (
	"context"
	"fmt"
	"slices"
)

// Handler processes one message. A nil error acknowledges it, a Permanent
// error acknowledges and drops it, any other error requeues it.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// Router binds routing keys to handlers. It is filled once at startup and
// read-only afterwards; the registered keys are the queue's bindings.
type Router struct {
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Bind registers handler for routingKey. Binding a key twice is a wiring
// bug and panics.
func (r *Router) Bind(routingKey string, handler Handler) {
	if _, exists := r.handlers[routingKey]; exists {
		panic(fmt.Sprintf("routing key %q bound twice", routingKey))
	}
	r.handlers[routingKey] = handler
}

// Bindings lists the bound routing keys in sorted order.
func (r *Router) Bindings() []string {
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (r *Router) Handle(ctx context.Context, msg *Message) error {
	handler, ok := r.handlers[msg.RoutingKey]
	if !ok {
		return Permanent(fmt.Errorf("%w: %q", ErrNoRoute, msg.RoutingKey))
	}
	return handler.Handle(ctx, msg)
}
