// Package trace carries the per-request trace id through context so that
// downstream HTTP calls can propagate it.
package trace

import "context"

// Header is the HTTP header used to propagate the trace id.
const Header = "X-Trace-Id"

type ctxKey struct{}

// WithID returns a context carrying the trace id.
func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// ID returns the trace id stored in the context, or "".
func ID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
