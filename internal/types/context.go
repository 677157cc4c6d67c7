package types

import "context"

// Actor represents the authenticated principal performing a request.
// Authentication itself happens upstream of this service; the gate only
// needs the organization binding and role.
type Actor struct {
	UserID         string
	OrganizationID string
	Role           UserRole
}

type contextKey string

const (
	actorKey     contextKey = "actor"
	requestIDKey contextKey = "request_id"
	readOnlyKey  contextKey = "read_only"
)

// WithActor stores the Actor in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor retrieves the Actor from the context.
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithReadOnly marks the request as read-only. The expiry gate sets this on
// safe verbs for expired or cancelled subscriptions so downstream handlers
// can degrade gracefully.
func WithReadOnly(ctx context.Context) context.Context {
	return context.WithValue(ctx, readOnlyKey, true)
}

// IsReadOnly reports whether the request was marked read-only by the gate.
func IsReadOnly(ctx context.Context) bool {
	v, _ := ctx.Value(readOnlyKey).(bool)
	return v
}
