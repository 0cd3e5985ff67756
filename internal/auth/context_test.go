// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Role checks and context round trips

package auth

import (
	"context"
	"testing"
)

func TestAuthContext_IsAdmin(t *testing.T) {
	tests := []struct {
		role string
		want bool
	}{
		{"owner", true},
		{"admin", true},
		{"member", false},
		{"", false},
	}

	for _, tt := range tests {
		auth := &AuthContext{UserID: "u", Role: tt.role}
		if got := auth.IsAdmin(); got != tt.want {
			t.Errorf("IsAdmin() with role %q = %v, want %v", tt.role, got, tt.want)
		}
	}
}

func TestWithAuth_FromContext(t *testing.T) {
	authCtx := &AuthContext{UserID: "user-1", Role: "member", Method: MethodJWT}
	ctx := WithAuth(context.Background(), authCtx)

	got := FromContext(ctx)
	if got != authCtx {
		t.Errorf("FromContext() = %v, want %v", got, authCtx)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}
