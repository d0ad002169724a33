package ocpp

import (
	"context"
	"encoding/json"
)

// HandlerFunc processes an inbound Call payload and returns the response body.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Router dispatches inbound Calls to handlers by action name.
type Router struct {
	handlers map[string]HandlerFunc
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Register attaches a handler to an action.
func (r *Router) Register(action string, handler HandlerFunc) {
	r.handlers[action] = handler
}

// Lookup returns the handler for an action.
func (r *Router) Lookup(action string) (HandlerFunc, bool) {
	handler, ok := r.handlers[action]
	return handler, ok
}
