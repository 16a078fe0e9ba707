// Package function implements the request envelope contract that
// stands in for the gateway boundary (spec.md §6.4): since HTTP
// routing, JWT verification, and CORS are explicitly out of scope here,
// every callable function is invoked through a single narrow interface
// that a gateway process would call into over whatever transport it
// chooses.
package function

import (
	"context"
	"encoding/json"
	"time"

	"github.com/forge-db/forge/internal/forgeerr"
	"github.com/forge-db/forge/internal/registry"
)

// RequestEnvelope is the boundary contract between an upstream gateway
// (which has already authenticated the caller) and this node.
type RequestEnvelope struct {
	UserID       string
	FunctionName string
	Args         json.RawMessage
	Deadline     time.Time
}

// Handler implements one callable function. Query-subscription
// functions additionally report which tables they read, via Tables on
// the *Result; the subscription's table-mode read set is built from
// exactly that list. A function that leaves Tables empty tracks no
// table, so its subscription is never invalidated or replayed; no
// table is derived from the function's name.
type Handler func(ctx context.Context, req RequestEnvelope) (*Result, error)

// Result is a function invocation's output plus its read footprint.
type Result struct {
	Data   json.RawMessage
	Tables []string
}

// Router dispatches by FunctionName to a registered Handler.
type Router struct {
	handlers *registry.Registry[Handler]
}

func NewRouter() *Router {
	return &Router{handlers: registry.New[Handler]()}
}

func (r *Router) Register(name string, h Handler) {
	r.handlers.Register(name, h)
}

// Invoke runs the function named in req.FunctionName, enforcing its
// deadline if one is set.
func (r *Router) Invoke(ctx context.Context, req RequestEnvelope) (*Result, error) {
	handler, ok := r.handlers.Lookup(req.FunctionName)
	if !ok {
		return nil, forgeerr.New(forgeerr.KindNotFound, "function not registered: "+req.FunctionName)
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	return handler(ctx, req)
}
