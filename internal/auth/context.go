package auth

import "context"

// ctxKey is unexported so no other package can collide with the auth
// entry on a request context.
type ctxKey struct{}

var authContextKey = ctxKey{}

// WithContext attaches an AuthContext to ctx.
func WithContext(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, auth)
}

// FromContext retrieves the AuthContext from ctx, nil when the request
// never passed the auth middleware.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey).(*AuthContext)
	return auth
}
