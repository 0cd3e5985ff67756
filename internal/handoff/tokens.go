// ABOUTME: Token handoff: authenticated callers mint single-use service tokens, third parties redeem them
// ABOUTME: Redemption never creates a session; it returns the owner's claims exactly once

package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/2389/handoff-gateway/internal/store"
)

// IssuedToken is a freshly minted service token.
type IssuedToken struct {
	Token     string    `json:"token"`
	ScopeID   string    `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Claims are the identity facts handed to a redeeming service.
type Claims struct {
	Subject  string    `json:"sub"`
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	Role     string    `json:"role"`
	Picture  string    `json:"picture,omitempty"`
	Scope    string    `json:"scope"`
	IssuedAt time.Time `json:"issued_at"`
}

// RedeemOptions carries what the redeemer tells us about itself.
type RedeemOptions struct {
	// ScopeID, when set, must match the token's scope.
	ScopeID   string
	IPAddress string
}

// IssueServiceToken mints a token binding caller to scopeID.
func (s *Service) IssueServiceToken(ctx context.Context, caller Caller, scopeID string) (issued *IssuedToken, err error) {
	ctx, span := s.tracer.Start(ctx, "handoff.IssueServiceToken")

	ev := store.AuditEvent{
		ActorUserID: caller.UserID,
		Action:      store.AuditServiceTokenIssue,
		IPAddress:   caller.IPAddress,
		Detail:      map[string]any{"scope": scopeID},
	}
	defer func() {
		outcome := Outcome(err)
		ev.Detail["outcome"] = outcome
		if err == nil {
			ev.Description = "issued service token for " + scopeID
			s.metrics.TokenIssued()
		} else {
			ev.Description = "service token issue rejected: " + outcome
		}
		s.audit.Emit(ctx, ev)
		span.SetAttributes(
			attribute.String("handoff.scope", scopeID),
			attribute.String("handoff.outcome", outcome),
		)
		endSpan(span, err)
	}()

	if !s.validScope(scopeID) {
		return nil, ErrInvalidScope
	}

	user, err := s.authenticate(ctx, caller)
	if err != nil {
		return nil, err
	}

	st, token, err := s.tokens.IssueServiceToken(ctx, user.ID, scopeID, s.tokenTTL)
	if err != nil {
		return nil, unavailable("issuing service token", err)
	}
	ev.Detail["token_id"] = st.ID

	s.logger.Info("service token issued", "token_id", st.ID, "user_id", user.ID, "scope", scopeID)
	return &IssuedToken{Token: token, ScopeID: st.ScopeID, ExpiresAt: st.ExpiresAt}, nil
}

// RedeemServiceToken consumes token and returns its owner's claims. Errors
// are store.ErrTokenExpired, store.ErrTokenUsed, store.ErrTokenNotFound,
// ErrInvalidToken, ErrInvalidScope, or a wrapped ErrUnavailable.
func (s *Service) RedeemServiceToken(ctx context.Context, token string, opts RedeemOptions) (claims *Claims, err error) {
	ctx, span := s.tracer.Start(ctx, "handoff.RedeemServiceToken")

	ev := store.AuditEvent{
		Action:    store.AuditServiceTokenRedeem,
		IPAddress: opts.IPAddress,
		Detail:    map[string]any{},
	}
	if opts.ScopeID != "" {
		ev.Detail["requested_scope"] = opts.ScopeID
	}
	defer func() {
		outcome := Outcome(err)
		ev.Detail["outcome"] = outcome
		if err == nil {
			ev.Description = "redeemed service token for " + claims.Scope
		} else if ev.Description == "" {
			ev.Description = "service token redemption failed: " + outcome
		}
		s.audit.Emit(ctx, ev)
		s.metrics.Redemption(outcome)
		span.SetAttributes(attribute.String("handoff.outcome", outcome))
		endSpan(span, err)
	}()

	if !tokenPattern.MatchString(token) {
		return nil, ErrInvalidToken
	}
	if opts.ScopeID != "" && !scopePattern.MatchString(opts.ScopeID) {
		return nil, ErrInvalidScope
	}

	st, err := s.tokens.ConsumeServiceToken(ctx, token)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrTokenExpired),
		errors.Is(err, store.ErrTokenUsed),
		errors.Is(err, store.ErrTokenNotFound):
		return nil, err
	default:
		return nil, unavailable("consuming service token", err)
	}

	ev.ActorUserID = st.UserID
	ev.Detail["token_id"] = st.ID
	ev.Detail["scope"] = st.ScopeID

	// Consumed either way: a token presented to the wrong service is burned.
	if opts.ScopeID != "" && opts.ScopeID != st.ScopeID {
		ev.Description = "service token redemption failed: scope mismatch"
		s.logger.Warn("service token presented for wrong scope",
			"token_id", st.ID, "scope", st.ScopeID, "requested_scope", opts.ScopeID)
		return nil, fmt.Errorf("%w: scope mismatch", store.ErrTokenNotFound)
	}

	user, err := s.users.GetUser(ctx, st.UserID)
	if errors.Is(err, store.ErrUserNotFound) {
		return nil, fmt.Errorf("%w: owner no longer exists", store.ErrTokenNotFound)
	}
	if err != nil {
		return nil, unavailable("loading token owner", err)
	}
	if user.Disabled {
		ev.Description = "service token redemption failed: owner disabled"
		return nil, fmt.Errorf("%w: owner disabled", store.ErrTokenNotFound)
	}

	s.logger.Info("service token redeemed", "token_id", st.ID, "user_id", user.ID, "scope", st.ScopeID)
	return &Claims{
		Subject:  user.ID,
		Name:     user.DisplayName,
		Email:    user.Email,
		Role:     string(user.Role),
		Picture:  user.PhotoURL,
		Scope:    st.ScopeID,
		IssuedAt: st.CreatedAt,
	}, nil
}

// RejectRedemption records a redemption attempt turned away before its token
// was read, such as a malformed body or an exhausted rate budget. It audits
// and counts the attempt like a failed RedeemServiceToken.
func (s *Service) RejectRedemption(ctx context.Context, reason error, opts RedeemOptions) {
	outcome := Outcome(reason)
	ev := store.AuditEvent{
		Action:      store.AuditServiceTokenRedeem,
		IPAddress:   opts.IPAddress,
		Description: "service token redemption rejected: " + reason.Error(),
		Detail:      map[string]any{"outcome": outcome},
	}
	if opts.ScopeID != "" {
		ev.Detail["requested_scope"] = opts.ScopeID
	}
	s.audit.Emit(ctx, ev)
	s.metrics.Redemption(outcome)
}
