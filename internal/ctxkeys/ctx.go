package ctxkeys

import (
	"context"

	"github.com/birdtag/birdtag/internal/model"
)

// contextKey is a type for context keys to avoid collisions
type contextKey string

const (
	PrincipalKey contextKey = "principal"
	RequestIDKey contextKey = "request_id"
)

// Principal returns the authenticated caller. Handlers pass it explicitly to
// services; nothing below the HTTP layer reads it from the context.
func Principal(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(model.Principal)
	return p, ok
}

func WithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
