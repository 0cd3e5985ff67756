// ABOUTME: HTTP middleware for bearer authentication on API endpoints
// ABOUTME: Accepts a JWT or a delivered session token and adds the user to context

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/2389/handoff-gateway/internal/store"
)

// UserLookup is the slice of the user store the middleware needs.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// SessionVerifier resolves an opaque session token to its user.
type SessionVerifier interface {
	VerifySession(ctx context.Context, token string) (userID string, err error)
}

// ExtractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func ExtractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// looksLikeJWT reports whether token has the three-segment JWT shape.
// Session tokens are base64url and never contain a dot.
func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

// HTTPAuthMiddleware creates an HTTP middleware that authenticates the bearer
// credential. JWTs are checked by verifier; anything else is tried as a
// session token when sessions is non-nil. Disabled users are refused.
func HTTPAuthMiddleware(users UserLookup, verifier TokenVerifier, sessions SessionVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := ExtractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				deny(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			var (
				userID string
				method string
				err    error
			)
			switch {
			case looksLikeJWT(token):
				userID, err = verifier.Verify(token)
				method = MethodJWT
			case sessions != nil:
				userID, err = sessions.VerifySession(r.Context(), token)
				method = MethodSession
			default:
				err = ErrInvalidToken
			}
			if err != nil {
				deny(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			user, err := users.GetUser(r.Context(), userID)
			if err != nil {
				deny(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if user.Disabled {
				deny(w, http.StatusForbidden, "forbidden")
				return
			}

			authCtx := &AuthContext{UserID: user.ID, Role: string(user.Role), Method: method}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires admin or owner role.
// Must be used after HTTPAuthMiddleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				deny(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			if !authCtx.IsAdmin() {
				deny(w, http.StatusForbidden, "forbidden")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// deny writes a JSON error with a fixed code. The reason stays server side.
func deny(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `"}`))
}
