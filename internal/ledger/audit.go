package ledger

import "context"

type contextKey string

const ctxActorID contextKey = "ledger_actor_id"

// WithActor records who caused the entries written under ctx. Entries
// without an actor are attributed to "system".
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ctxActorID, actorID)
}

func actorFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxActorID).(string); ok && v != "" {
		return v
	}
	return "system"
}
