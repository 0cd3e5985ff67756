// ABOUTME: Session issuer, the only writer of active session rows
// ABOUTME: Issues a fresh session per grant, validates bearer tokens, and revokes on logout

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/handoff-gateway/internal/store"
)

// DefaultTTL is the lifetime of a session when none is configured.
const DefaultTTL = 365 * 24 * time.Hour

// DefaultTouchInterval limits how often Validate writes last_activity_at.
const DefaultTouchInterval = time.Minute

// ErrUserRequired is returned when Issue is called without a user.
var ErrUserRequired = errors.New("session requires a user")

// Config configures an Issuer.
type Config struct {
	TTL           time.Duration
	TouchInterval time.Duration
	Now           func() time.Time
}

// Issuer mints and checks sessions.
type Issuer struct {
	store         store.SessionStore
	ttl           time.Duration
	touchInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// IssueRequest describes the session to create. A zero TTL uses the configured default.
type IssueRequest struct {
	UserID     string
	DeviceInfo string
	IPAddress  string
	TTL        time.Duration
}

// Issued is a new session and the bearer token that names it. The token is
// not recoverable later.
type Issued struct {
	Session *store.Session
	Token   string
}

// New creates an Issuer. Pass nil logger for default.
func New(s store.SessionStore, cfg Config, logger *slog.Logger) *Issuer {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TouchInterval <= 0 {
		cfg.TouchInterval = DefaultTouchInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		store:         s,
		ttl:           cfg.TTL,
		touchInterval: cfg.TouchInterval,
		now:           cfg.Now,
		logger:        logger.With("component", "session"),
	}
}

// TTL returns the default session lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue always creates a new session row; existing sessions for the user are untouched.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	if req.UserID == "" {
		return nil, ErrUserRequired
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = i.ttl
	}

	token, err := store.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}

	now := i.now()
	sess := &store.Session{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		DeviceInfo:     req.DeviceInfo,
		IPAddress:      req.IPAddress,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastActivityAt: now,
	}

	if err := i.store.CreateSession(ctx, sess, token); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	i.logger.Info("session issued", "session_id", sess.ID, "user_id", sess.UserID, "expires_at", sess.ExpiresAt)
	return &Issued{Session: sess, Token: token}, nil
}

// Validate returns the live session for token, or store.ErrSessionNotFound.
func (i *Issuer) Validate(ctx context.Context, token string) (*store.Session, error) {
	if token == "" {
		return nil, store.ErrSessionNotFound
	}

	sess, err := i.store.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	now := i.now()
	// The store filters expired rows already; this covers clock skew between the two.
	if sess.Expired(now) {
		return nil, store.ErrSessionNotFound
	}

	if now.Sub(sess.LastActivityAt) >= i.touchInterval {
		if err := i.store.TouchSession(ctx, sess.ID, now); err != nil {
			i.logger.Warn("failed to record session activity", "session_id", sess.ID, "error", err)
		} else {
			sess.LastActivityAt = now
		}
	}

	return sess, nil
}

// Revoke deletes a session.
func (i *Issuer) Revoke(ctx context.Context, id string) error {
	if err := i.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	i.logger.Info("session revoked", "session_id", id)
	return nil
}
