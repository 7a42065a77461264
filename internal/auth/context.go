package auth

import "context"

type ctxKey string

const ownerContextKey ctxKey = "daybook.auth.owner"

func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerContextKey, ownerID)
}

func OwnerFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ownerContextKey).(string)
	return v, ok && v != ""
}
