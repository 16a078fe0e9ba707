// Package ctxlog wraps an slog.Handler so every record is automatically
// enriched with identifiers carried on the context (request ID, node
// ID) instead of requiring every call site to pass them explicitly.
package ctxlog

import (
	"context"
	"log/slog"

	"github.com/forge-db/forge/internal/requestid"
)

// ContextHandler wraps an slog.Handler and automatically extracts
// request_id (and, where present, node_id) from the context of each
// log record.
type ContextHandler struct {
	inner slog.Handler
}

// NewContextHandler returns a handler that enriches every record with
// context values before delegating to inner.
func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := requestid.FromContext(ctx); id != "" {
		r.AddAttrs(slog.String("request_id", id))
	}
	if id := NodeIDFromContext(ctx); id != "" {
		r.AddAttrs(slog.String("node_id", id))
	}
	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}

type nodeIDKey struct{}

// WithNodeID attaches the owning node's ID to ctx so every log line
// emitted while handling a claimed job, cron tick, or workflow step
// carries it without the component threading it through every call.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeIDKey{}, nodeID)
}

// NodeIDFromContext extracts the node ID attached by WithNodeID, or ""
// if absent.
func NodeIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(nodeIDKey{}).(string)
	return id
}
