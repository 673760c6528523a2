// ABOUTME: Authentication context for carrying a validated principal through handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
	"time"
)

// AuthContext holds the identity behind a validated access token.
type AuthContext struct {
	PrincipalID string
	Admin       bool
	TokenID     string // jti of the presented access token
	ExpiresAt   time.Time
}

// IsAdmin reports whether the principal holds the admin flag.
func (a *AuthContext) IsAdmin() bool {
	return a != nil && a.Admin
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
