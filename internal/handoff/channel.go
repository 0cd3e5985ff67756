// ABOUTME: Channel handoff: anonymous clients open login channels, authenticated callers grant them sessions
// ABOUTME: The session is minted before delivery is attempted; a miss still leaves it durably created

package handoff

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/blake2b"

	"github.com/2389/handoff-gateway/internal/registry"
	"github.com/2389/handoff-gateway/internal/session"
	"github.com/2389/handoff-gateway/internal/store"
)

// Event names pushed to login channels.
const (
	EventChannel = "channel"
	EventSession = "session"
)

// Channel is an open login channel held by one anonymous connection.
type Channel struct {
	Key         string
	Conn        *registry.Conn
	ExpiresAt   time.Time
	ResumeToken string
}

// ChannelInfo is the first event sent on a channel, the data the client
// encodes into its scannable code.
type ChannelInfo struct {
	ChannelKey  string    `json:"channel_key"`
	ExpiresAt   time.Time `json:"expires_at"`
	ResumeToken string    `json:"resume_token,omitempty"`
}

// Info returns the client-facing description of ch.
func (ch *Channel) Info() ChannelInfo {
	return ChannelInfo{ChannelKey: ch.Key, ExpiresAt: ch.ExpiresAt, ResumeToken: ch.ResumeToken}
}

// Profile is the subset of a user pushed to a waiting client.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// SessionPayload is the data of a session event.
type SessionPayload struct {
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         Profile   `json:"user"`
}

// ChannelGrant is the result of AuthorizeChannel. SessionCreated is true
// whenever an error is nil; Delivered says whether the waiting client got it.
type ChannelGrant struct {
	SessionCreated bool
	Delivered      bool
	SessionID      string
	ExpiresAt      time.Time
}

// AuthorizeRequest carries the caller's side of a channel handoff.
type AuthorizeRequest struct {
	ChannelKey string
	DeviceInfo string
}

func profileOf(u *store.User) Profile {
	return Profile{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Role:        string(u.Role),
		PhotoURL:    u.PhotoURL,
	}
}

// OpenLoginChannel generates a fresh key and registers a new handle under it.
func (s *Service) OpenLoginChannel(ctx context.Context) (*Channel, error) {
	key, err := store.GenerateToken()
	if err != nil {
		return nil, unavailable("generating channel key", err)
	}

	now := s.now()
	// Millisecond precision so a resumed channel keeps exactly this expiry.
	expiresAt := now.Add(s.channelTTL).Truncate(time.Millisecond)
	ch := &Channel{
		Key:       key,
		Conn:      registry.NewConn(now, expiresAt),
		ExpiresAt: expiresAt,
	}
	if s.resumeKey != nil {
		ch.ResumeToken = s.signResume(key, ch.ExpiresAt)
	}

	if err := s.registry.Register(ctx, key, ch.Conn); err != nil {
		return nil, unavailable("registering channel", err)
	}

	s.logger.Debug("login channel opened", "channel", keyPrefix(key), "expires_at", ch.ExpiresAt)
	return ch, nil
}

// ResumeLoginChannel re-registers key for a reconnecting client that proves
// it opened the channel. The original expiry is kept.
func (s *Service) ResumeLoginChannel(ctx context.Context, key, resumeToken string) (*Channel, error) {
	if !channelKeyPattern.MatchString(key) {
		return nil, ErrInvalidChannelKey
	}
	expiresAt, err := s.verifyResume(key, resumeToken)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !now.Before(expiresAt) {
		return nil, fmt.Errorf("%w: channel expired", ErrInvalidResume)
	}

	ch := &Channel{
		Key:         key,
		Conn:        registry.NewConn(now, expiresAt),
		ExpiresAt:   expiresAt,
		ResumeToken: resumeToken,
	}
	if err := s.registry.Register(ctx, key, ch.Conn); err != nil {
		return nil, unavailable("registering channel", err)
	}

	s.logger.Debug("login channel resumed", "channel", keyPrefix(key))
	return ch, nil
}

// CloseLoginChannel unregisters ch if it is still the registered handle.
func (s *Service) CloseLoginChannel(ctx context.Context, ch *Channel) {
	s.registry.UnregisterHandle(ctx, ch.Key, ch.Conn)
	ch.Conn.Close()
	s.logger.Debug("login channel closed", "channel", keyPrefix(ch.Key))
}

// AuthorizeChannel grants caller's identity to the client waiting on
// req.ChannelKey. Exactly one audit event is written per call.
func (s *Service) AuthorizeChannel(ctx context.Context, caller Caller, req AuthorizeRequest) (grant *ChannelGrant, err error) {
	ctx, span := s.tracer.Start(ctx, "handoff.AuthorizeChannel")

	ev := store.AuditEvent{
		ActorUserID: caller.UserID,
		Action:      store.AuditChannelAuthorize,
		IPAddress:   caller.IPAddress,
		Detail:      map[string]any{"channel": keyPrefix(req.ChannelKey)},
	}
	defer func() {
		outcome := Outcome(err)
		if err == nil {
			outcome = OutcomeNotDelivered
			if grant.Delivered {
				outcome = OutcomeDelivered
			}
			ev.Detail["session_id"] = grant.SessionID
			ev.Detail["delivered"] = grant.Delivered
		}
		ev.Detail["outcome"] = outcome
		if ev.Description == "" {
			ev.Description = "channel authorization rejected: " + outcome
		}
		s.audit.Emit(ctx, ev)
		s.metrics.Handoff(outcome)
		span.SetAttributes(attribute.String("handoff.outcome", outcome))
		endSpan(span, err)
	}()

	if !channelKeyPattern.MatchString(req.ChannelKey) {
		return nil, ErrInvalidChannelKey
	}

	user, err := s.authenticate(ctx, caller)
	if err != nil {
		return nil, err
	}

	// Granted regardless of whether the client is still there to receive it.
	issued, err := s.sessions.Issue(ctx, session.IssueRequest{
		UserID:     user.ID,
		DeviceInfo: req.DeviceInfo,
		IPAddress:  caller.IPAddress,
	})
	if err != nil {
		return nil, unavailable("issuing session", err)
	}
	s.metrics.SessionIssued()

	msg, err := registry.NewMessage(EventSession, SessionPayload{
		SessionToken: issued.Token,
		ExpiresAt:    issued.Session.ExpiresAt,
		User:         profileOf(user),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding session payload: %w", err)
	}

	grant = &ChannelGrant{
		SessionCreated: true,
		SessionID:      issued.Session.ID,
		ExpiresAt:      issued.Session.ExpiresAt,
	}

	pushErr := s.registry.Push(ctx, req.ChannelKey, msg)
	switch {
	case pushErr == nil:
		grant.Delivered = true
		ev.Description = "authorized login channel; session delivered"
	case errors.Is(pushErr, registry.ErrChannelNotFound):
		ev.Description = "authorized login channel; client not reachable, session not delivered"
		s.logger.Info("session created but not delivered",
			"channel", keyPrefix(req.ChannelKey),
			"session_id", issued.Session.ID,
			"reason", pushErr)
	default:
		ev.Description = "authorized login channel; delivery failed"
		s.logger.Warn("unexpected push failure",
			"channel", keyPrefix(req.ChannelKey),
			"session_id", issued.Session.ID,
			"error", pushErr)
	}

	return grant, nil
}

// deriveResumeKey turns an arbitrary-length secret into a BLAKE2b key.
func deriveResumeKey(secret []byte) []byte {
	if len(secret) == 0 {
		return nil
	}
	sum := blake2b.Sum256(append([]byte("handoff-channel-resume:"), secret...))
	return sum[:]
}

// signResume returns "<expiry unix ms>.<mac>".
func (s *Service) signResume(key string, expiresAt time.Time) string {
	exp := strconv.FormatInt(expiresAt.UnixMilli(), 10)
	return exp + "." + base64.RawURLEncoding.EncodeToString(s.resumeMAC(key, exp))
}

func (s *Service) resumeMAC(key, exp string) []byte {
	mac, _ := blake2b.New256(s.resumeKey)
	mac.Write([]byte(key))
	mac.Write([]byte{0})
	mac.Write([]byte(exp))
	return mac.Sum(nil)
}

// verifyResume checks token against key and returns the signed expiry.
func (s *Service) verifyResume(key, token string) (time.Time, error) {
	if s.resumeKey == nil {
		return time.Time{}, fmt.Errorf("%w: resuming is disabled", ErrInvalidResume)
	}
	exp, sig, ok := strings.Cut(token, ".")
	if !ok {
		return time.Time{}, ErrInvalidResume
	}
	ms, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return time.Time{}, ErrInvalidResume
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return time.Time{}, ErrInvalidResume
	}
	if subtle.ConstantTimeCompare(got, s.resumeMAC(key, exp)) != 1 {
		return time.Time{}, ErrInvalidResume
	}
	return time.UnixMilli(ms), nil
}
