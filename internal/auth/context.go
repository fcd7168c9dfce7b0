package auth

import (
	"context"
)

type contextKey string

const userContextKey contextKey = "user"

// SetUserContext returns a context carrying the verified token claims; the
// middleware attaches it to every authenticated request.
func SetUserContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, userContextKey, claims)
}

// GetUserFromContext returns the claims stored by SetUserContext, or false
// when the request was never authenticated.
func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(userContextKey).(*Claims)
	return claims, ok
}
