package types

import "context"

// ActorType identifies the kind of authenticated entity making a request.
type ActorType string

const (
	ActorTypeAPIKey ActorType = "api_key"
	ActorTypeSystem ActorType = "system"
)

// Actor is the authenticated caller. Every billing operation is scoped to
// Actor.TenantID.
type Actor struct {
	ID       string
	Type     ActorType
	TenantID string
}

type contextKey string

const (
	actorKey     contextKey = "actor"
	requestIDKey contextKey = "request_id"
)

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

// GetTenantID returns the tenant of the authenticated actor, or "".
func GetTenantID(ctx context.Context) string {
	actor, _ := GetActor(ctx)
	return actor.TenantID
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
