// ABOUTME: Request identity attached by the HTTP middleware
// ABOUTME: Handlers read it back with FromContext; absent means anonymous

package auth

import (
	"context"
)

// Credential kinds accepted by the middleware.
const (
	MethodJWT     = "jwt"
	MethodSession = "session"
)

// AuthContext is the authenticated user behind a request.
type AuthContext struct {
	UserID string
	Role   string // "owner" | "admin" | "member"
	Method string // MethodJWT or MethodSession
}

// IsAdmin reports whether the user may read operator data such as the audit log.
func (a *AuthContext) IsAdmin() bool {
	switch a.Role {
	case "owner", "admin":
		return true
	}
	return false
}

type authContextKey struct{}

// WithAuth returns a copy of ctx carrying a.
func WithAuth(ctx context.Context, a *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, a)
}

// FromContext returns the identity attached by WithAuth, or nil.
func FromContext(ctx context.Context) *AuthContext {
	a, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return a
}
