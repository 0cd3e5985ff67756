// ABOUTME: Session checks for clients holding a delivered session token
// ABOUTME: Validate resolves the token to its user; Revoke is logout and is audited

package handoff

import (
	"context"
	"errors"

	"github.com/2389/handoff-gateway/internal/store"
)

// SessionInfo is a live session and its owner.
type SessionInfo struct {
	Session *store.Session
	User    Profile
}

// ValidateSession resolves a session token. Unknown, expired, or
// disabled-owner sessions are store.ErrSessionNotFound.
func (s *Service) ValidateSession(ctx context.Context, token string) (*SessionInfo, error) {
	sess, err := s.sessions.Validate(ctx, token)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, unavailable("validating session", err)
	}

	user, err := s.users.GetUser(ctx, sess.UserID)
	if errors.Is(err, store.ErrUserNotFound) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("loading session owner", err)
	}
	if user.Disabled {
		return nil, store.ErrSessionNotFound
	}

	return &SessionInfo{Session: sess, User: profileOf(user)}, nil
}

// RevokeSession ends the session named by token.
func (s *Service) RevokeSession(ctx context.Context, token, ipAddress string) error {
	sess, err := s.sessions.Validate(ctx, token)
	if errors.Is(err, store.ErrSessionNotFound) {
		return err
	}
	if err != nil {
		return unavailable("validating session", err)
	}

	if err := s.sessions.Revoke(ctx, sess.ID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return err
		}
		return unavailable("revoking session", err)
	}
	s.metrics.SessionRevoked()

	s.audit.Emit(ctx, store.AuditEvent{
		ActorUserID: sess.UserID,
		Action:      store.AuditSessionRevoke,
		Description: "session revoked by holder",
		IPAddress:   ipAddress,
		Detail:      map[string]any{"session_id": sess.ID},
	})
	return nil
}

// VerifySession resolves token to its user ID, for bearer authentication.
func (s *Service) VerifySession(ctx context.Context, token string) (string, error) {
	info, err := s.ValidateSession(ctx, token)
	if err != nil {
		return "", err
	}
	return info.User.ID, nil
}
