package shared

import "context"

// Actor identifies the already-authenticated caller on whose behalf a
// request runs. The identity collaborator resolves it before the engine is
// invoked; the engine trusts what it is given and stamps the IP onto audit
// records.
type Actor struct {
	UserID    string
	IPAddress string
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context. A missing actor yields
// the zero value.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorContextKey{}).(Actor)
	return actor
}
