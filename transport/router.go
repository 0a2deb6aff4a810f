package transport

import "github.com/chrisbazley/cblibrary/types"

type route struct {
	id     HandlerID
	action types.Action
	bounce bool
	h      Handler
}

// Router keeps a task's handler registrations and dispatches messages to
// them, most recently registered first.
//
// Dispatch works from a snapshot, so handlers may register or remove
// handlers (including themselves) while a message is being dispatched. A
// handler removed mid-dispatch is not called.
type Router struct {
	next   HandlerID
	routes []route
}

// Handle registers h for inbound messages.
func (r *Router) Handle(action types.Action, h Handler) HandlerID {
	return r.add(action, false, h)
}

// HandleBounce registers h for bounced messages.
func (r *Router) HandleBounce(action types.Action, h Handler) HandlerID {
	return r.add(action, true, h)
}

func (r *Router) add(action types.Action, bounce bool, h Handler) HandlerID {
	r.next++
	r.routes = append(r.routes, route{id: r.next, action: action, bounce: bounce, h: h})
	return r.next
}

// Remove deregisters a handler. Unknown IDs are ignored.
func (r *Router) Remove(id HandlerID) {
	for i, rt := range r.routes {
		if rt.id == id {
			r.routes = append(r.routes[:i:i], r.routes[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	return len(r.routes)
}

// Dispatch offers msg to the handlers registered for its action, stopping
// at the first that claims it. It reports whether any handler did.
func (r *Router) Dispatch(msg *types.Message, bounced bool) bool {
	var snapshot []route
	for i := len(r.routes) - 1; i >= 0; i-- {
		rt := r.routes[i]
		if rt.action == msg.Action && rt.bounce == bounced {
			snapshot = append(snapshot, rt)
		}
	}
	for _, rt := range snapshot {
		if !r.registered(rt.id) {
			continue
		}
		if rt.h(msg) {
			return true
		}
	}
	return false
}

func (r *Router) registered(id HandlerID) bool {
	for _, rt := range r.routes {
		if rt.id == id {
			return true
		}
	}
	return false
}
