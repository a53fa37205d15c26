// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"

	"maunium.net/go/mautrix/event"
)

// RouteHandler processes an event and reports whether it handled it. A
// handled=false return lets dispatch continue down the route list and
// eventually fall through to room-scoped transport delivery.
type RouteHandler func(ctx context.Context, evt *event.Event) (handled bool, err error)

// Route pairs a predicate with a handler. A nil Match matches every event
// of the route's kind.
type Route struct {
	Match  func(evt *event.Event) bool
	Handle RouteHandler
}

// Router is an ordered (predicate, handler) table keyed by event kind.
// Routes are evaluated in registration order; the first matching route
// whose handler reports handled wins.
type Router struct {
	routes map[event.Type][]Route
}

func NewRouter() *Router {
	return &Router{routes: make(map[event.Type][]Route)}
}

// Add registers a route for an event kind. Registration order is dispatch
// order.
func (r *Router) Add(evtType event.Type, route Route) {
	r.routes[evtType] = append(r.routes[evtType], route)
}

// Dispatch runs the event through the route table for its kind. Returns
// whether any route handled it; the first handler error stops dispatch.
func (r *Router) Dispatch(ctx context.Context, evt *event.Event) (bool, error) {
	for _, route := range r.routes[evt.Type] {
		if route.Match != nil && !route.Match(evt) {
			continue
		}
		handled, err := route.Handle(ctx, evt)
		if err != nil {
			return handled, err
		}
		if handled {
			return true, nil
		}
	}
	return false, nil
}
