package auth

import (
	"context"

	"github.com/example/nileauth/internal/store"
)

type ctxKey struct{}

// WithUser attaches the authenticated user to ctx.
func WithUser(ctx context.Context, u *store.User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// UserFromContext returns the user attached by WithUser.
func UserFromContext(ctx context.Context) (*store.User, bool) {
	u, ok := ctx.Value(ctxKey{}).(*store.User)
	return u, ok && u != nil
}
