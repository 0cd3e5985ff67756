// ABOUTME: Authorization orchestrator tying callers, sessions, tokens, the channel registry and audit together
// ABOUTME: Maps every store/registry outcome 1:1 onto a caller-visible result; audit never changes the result

package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/handoff-gateway/internal/audit"
	"github.com/2389/handoff-gateway/internal/metrics"
	"github.com/2389/handoff-gateway/internal/registry"
	"github.com/2389/handoff-gateway/internal/session"
	"github.com/2389/handoff-gateway/internal/store"
	"github.com/2389/handoff-gateway/internal/telemetry"
)

// Caller errors, rejected before the registry or token store is touched.
var (
	ErrInvalidChannelKey = errors.New("invalid channel key")
	ErrInvalidToken      = errors.New("invalid token")
	ErrInvalidScope      = errors.New("invalid scope")
	ErrInvalidResume     = errors.New("invalid resume token")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrRateLimited       = errors.New("rate limited")
)

// ErrUnavailable wraps infrastructure failures. It is retryable and carries
// no implication about the state of the token or channel.
var ErrUnavailable = errors.New("service unavailable")

// DefaultTokenTTL is the lifetime of a service token.
const DefaultTokenTTL = 5 * time.Minute

// Outcome labels shared by metrics, audit detail and the HTTP layer.
const (
	OutcomeSuccess        = "success"
	OutcomeDelivered      = "delivered"
	OutcomeNotDelivered   = "not_delivered"
	OutcomeExpired        = "expired"
	OutcomeAlreadyUsed    = "already_used"
	OutcomeNotFound       = "not_found"
	OutcomeInvalidRequest = "invalid_request"
	OutcomeUnauthorized   = "unauthorized"
	OutcomeRateLimited    = "rate_limited"
	OutcomeUnavailable    = "unavailable"
)

var (
	channelKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)
	tokenPattern      = regexp.MustCompile(`^[A-Za-z0-9_-]{16,256}$`)
	scopePattern      = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)
)

// Caller is an already-authenticated identity making a request.
type Caller struct {
	UserID    string
	IPAddress string
}

// Config tunes the service.
type Config struct {
	// TokenTTL is the lifetime of issued service tokens.
	TokenTTL time.Duration
	// ChannelTTL is how long a login channel stays open.
	ChannelTTL time.Duration
	// AllowedScopes, when non-empty, is the only set of scopes tokens may target.
	AllowedScopes []string
	// ResumeSecret keys resume tokens. Empty disables resuming channels.
	ResumeSecret []byte
	Now          func() time.Time
}

// Deps are the collaborators the service orchestrates.
type Deps struct {
	Users    store.UserStore
	Tokens   store.ServiceTokenStore
	Sessions *session.Issuer
	Registry registry.Registry
	Audit    *audit.Emitter
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Service implements the channel and token handoff flows.
type Service struct {
	users    store.UserStore
	tokens   store.ServiceTokenStore
	sessions *session.Issuer
	registry registry.Registry
	audit    *audit.Emitter
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger

	tokenTTL      time.Duration
	channelTTL    time.Duration
	allowedScopes map[string]bool
	resumeKey     []byte
	now           func() time.Time
}

// New validates deps and builds a Service.
func New(deps Deps, cfg Config) (*Service, error) {
	if deps.Users == nil || deps.Tokens == nil || deps.Sessions == nil || deps.Registry == nil || deps.Audit == nil {
		return nil, errors.New("handoff: users, tokens, sessions, registry and audit are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.ChannelTTL <= 0 {
		cfg.ChannelTTL = registry.DefaultChannelTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	var allowed map[string]bool
	if len(cfg.AllowedScopes) > 0 {
		allowed = make(map[string]bool, len(cfg.AllowedScopes))
		for _, s := range cfg.AllowedScopes {
			if !scopePattern.MatchString(s) {
				return nil, fmt.Errorf("handoff: allowed scope %q is not a valid scope", s)
			}
			allowed[s] = true
		}
	}

	return &Service{
		users:         deps.Users,
		tokens:        deps.Tokens,
		sessions:      deps.Sessions,
		registry:      deps.Registry,
		audit:         deps.Audit,
		metrics:       deps.Metrics,
		tracer:        telemetry.Tracer(),
		logger:        deps.Logger.With("component", "handoff"),
		tokenTTL:      cfg.TokenTTL,
		channelTTL:    cfg.ChannelTTL,
		allowedScopes: allowed,
		resumeKey:     deriveResumeKey(cfg.ResumeSecret),
		now:           cfg.Now,
	}, nil
}

// TokenTTL returns the configured service token lifetime.
func (s *Service) TokenTTL() time.Duration { return s.tokenTTL }

// ChannelTTL returns the configured login channel lifetime.
func (s *Service) ChannelTTL() time.Duration { return s.channelTTL }

// authenticate resolves the caller to an enabled user.
func (s *Service) authenticate(ctx context.Context, caller Caller) (*store.User, error) {
	if caller.UserID == "" {
		return nil, ErrUnauthenticated
	}
	user, err := s.users.GetUser(ctx, caller.UserID)
	if errors.Is(err, store.ErrUserNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, unavailable("loading caller", err)
	}
	if user.Disabled {
		return nil, ErrUnauthenticated
	}
	return user, nil
}

// validScope reports whether scope is well-formed and, if an allow-list is
// configured, on it.
func (s *Service) validScope(scope string) bool {
	if !scopePattern.MatchString(scope) {
		return false
	}
	return s.allowedScopes == nil || s.allowedScopes[scope]
}

// Outcome classifies an error from any Service method into a closed label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, store.ErrTokenExpired):
		return OutcomeExpired
	case errors.Is(err, store.ErrTokenUsed):
		return OutcomeAlreadyUsed
	case errors.Is(err, store.ErrTokenNotFound),
		errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, registry.ErrChannelNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrInvalidChannelKey),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrInvalidScope),
		errors.Is(err, ErrInvalidResume):
		return OutcomeInvalidRequest
	case errors.Is(err, ErrUnauthenticated):
		return OutcomeUnauthorized
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	default:
		return OutcomeUnavailable
	}
}

// unavailable wraps an infrastructure error as retryable.
func unavailable(doing string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, doing, err)
}

// keyPrefix shortens a bearer secret for logs and audit detail.
func keyPrefix(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}

// endSpan records the outcome on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil && Outcome(err) == OutcomeUnavailable {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unavailable")
	}
	span.End()
}
