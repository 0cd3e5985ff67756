// ABOUTME: HTTP API for channel authorization, service tokens, sessions and the audit log
// ABOUTME: Maps handoff outcomes onto status codes with closed error codes and no internal detail

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/handoff"
	"github.com/2389/handoff-gateway/internal/store"
)

// maxBodyBytes caps JSON request bodies. Every request here is a few fields.
const maxBodyBytes = 8 << 10

// AuthorizeChannelRequest is the body of POST /v1/channels/{key}/authorize.
type AuthorizeChannelRequest struct {
	DeviceInfo string `json:"device_info"`
}

// AuthorizeChannelResponse reports whether the session was created and delivered.
type AuthorizeChannelResponse struct {
	Delivered      bool      `json:"delivered"`
	SessionCreated bool      `json:"session_created"`
	SessionID      string    `json:"session_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// IssueTokenRequest is the body of POST /v1/service-tokens.
type IssueTokenRequest struct {
	Scope string `json:"scope"`
}

// RedeemTokenRequest is the body of POST /v1/service-tokens/redeem.
type RedeemTokenRequest struct {
	Token string `json:"token"`
	Scope string `json:"scope,omitempty"`
}

// RedeemTokenResponse wraps the claims of a redeemed token.
type RedeemTokenResponse struct {
	Claims *handoff.Claims `json:"claims"`
}

// SessionResponse describes the caller's session.
type SessionResponse struct {
	SessionID  string          `json:"session_id"`
	ExpiresAt  time.Time       `json:"expires_at"`
	CreatedAt  time.Time       `json:"created_at"`
	DeviceInfo string          `json:"device_info,omitempty"`
	User       handoff.Profile `json:"user"`
}

// AuditEventResponse is one row of GET /v1/audit.
type AuditEventResponse struct {
	ID          string         `json:"id"`
	ActorUserID string         `json:"actor_user_id,omitempty"`
	Action      string         `json:"action"`
	Description string         `json:"description"`
	IPAddress   string         `json:"ip_address,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// routes builds the HTTP handler tree.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.promReg != nil {
		mux.Handle("GET "+g.config.Metrics.Path, promhttp.HandlerFor(g.promReg, promhttp.HandlerOpts{}))
	}

	// Authorizing and issuing take a JWT; session tokens are for the browser
	// that received them.
	jwtAuth := auth.HTTPAuthMiddleware(g.store, g.verifier, nil)
	anyAuth := auth.HTTPAuthMiddleware(g.store, g.verifier, g.service)
	adminOnly := auth.RequireAdminHTTP()

	channelLimit := newRateLimiter(g.config.RateLimit.ChannelPerMinute)
	redeemLimit := newRateLimiter(g.config.RateLimit.RedeemPerMinute).withOnReject(func(r *http.Request) {
		g.service.RejectRedemption(r.Context(), handoff.ErrRateLimited, handoff.RedeemOptions{IPAddress: clientIP(r)})
	})

	g.handle(mux, "GET /v1/login/channel", channelLimit.middleware(http.HandlerFunc(g.handleLoginChannel)))
	g.handle(mux, "POST /v1/channels/{key}/authorize", jwtAuth(http.HandlerFunc(g.handleAuthorizeChannel)))
	g.handle(mux, "POST /v1/service-tokens", jwtAuth(http.HandlerFunc(g.handleIssueServiceToken)))
	g.handle(mux, "POST /v1/service-tokens/redeem", redeemLimit.middleware(http.HandlerFunc(g.handleRedeemServiceToken)))
	g.handle(mux, "GET /v1/session", http.HandlerFunc(g.handleGetSession))
	g.handle(mux, "DELETE /v1/session", http.HandlerFunc(g.handleDeleteSession))
	g.handle(mux, "GET /v1/audit", anyAuth(adminOnly(http.HandlerFunc(g.handleListAudit))))

	return mux
}

// handle registers h under pattern, counting responses per route.
func (g *Gateway) handle(mux *http.ServeMux, pattern string, h http.Handler) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		g.metrics.Request(pattern, strconv.Itoa(rec.status))
	}))
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Flush lets SSE handlers stream through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// handleAuthorizeChannel grants the caller's identity to a waiting login channel.
func (g *Gateway) handleAuthorizeChannel(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeChannelRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		sendJSONError(w, http.StatusBadRequest, handoff.OutcomeInvalidRequest)
		return
	}

	grant, err := g.service.AuthorizeChannel(r.Context(), callerFrom(r), handoff.AuthorizeRequest{
		ChannelKey: r.PathValue("key"),
		DeviceInfo: req.DeviceInfo,
	})
	if err != nil {
		g.sendOutcomeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AuthorizeChannelResponse{
		Delivered:      grant.Delivered,
		SessionCreated: grant.SessionCreated,
		SessionID:      grant.SessionID,
		ExpiresAt:      grant.ExpiresAt,
	})
}

// handleIssueServiceToken mints a single-use token for the caller.
func (g *Gateway) handleIssueServiceToken(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		sendJSONError(w, http.StatusBadRequest, handoff.OutcomeInvalidRequest)
		return
	}

	issued, err := g.service.IssueServiceToken(r.Context(), callerFrom(r), req.Scope)
	if err != nil {
		g.sendOutcomeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

// handleRedeemServiceToken consumes a token on behalf of a third-party service.
func (g *Gateway) handleRedeemServiceToken(w http.ResponseWriter, r *http.Request) {
	var req RedeemTokenRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		reason := fmt.Errorf("%w: malformed request body", handoff.ErrInvalidToken)
		g.service.RejectRedemption(r.Context(), reason, handoff.RedeemOptions{IPAddress: clientIP(r)})
		g.sendOutcomeError(w, reason)
		return
	}

	claims, err := g.service.RedeemServiceToken(r.Context(), req.Token, handoff.RedeemOptions{
		ScopeID:   req.Scope,
		IPAddress: clientIP(r),
	})
	if err != nil {
		g.sendOutcomeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RedeemTokenResponse{Claims: claims})
}

// handleGetSession describes the session named by the bearer token.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	token, errMsg := auth.ExtractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		sendJSONError(w, http.StatusUnauthorized, handoff.OutcomeUnauthorized)
		return
	}

	info, err := g.service.ValidateSession(r.Context(), token)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{
		SessionID:  info.Session.ID,
		ExpiresAt:  info.Session.ExpiresAt,
		CreatedAt:  info.Session.CreatedAt,
		DeviceInfo: info.Session.DeviceInfo,
		User:       info.User,
	})
}

// handleDeleteSession revokes the session named by the bearer token.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	token, errMsg := auth.ExtractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		sendJSONError(w, http.StatusUnauthorized, handoff.OutcomeUnauthorized)
		return
	}

	if err := g.service.RevokeSession(r.Context(), token, clientIP(r)); err != nil {
		g.sendSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListAudit returns audit events matching the query filters.
// Query parameters: since, until (RFC 3339), actor, action, limit.
func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, handoff.OutcomeInvalidRequest)
		return
	}

	events, err := g.store.ListAuditEvents(r.Context(), filter)
	if err != nil {
		g.logger.Error("listing audit events", "error", err)
		sendJSONError(w, http.StatusServiceUnavailable, handoff.OutcomeUnavailable)
		return
	}

	out := make([]AuditEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, AuditEventResponse{
			ID:          e.ID,
			ActorUserID: e.ActorUserID,
			Action:      string(e.Action),
			Description: e.Description,
			IPAddress:   e.IPAddress,
			CreatedAt:   e.CreatedAt,
			Detail:      e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// parseAuditFilter builds an AuditFilter from query parameters.
func parseAuditFilter(r *http.Request) (store.AuditFilter, error) {
	q := r.URL.Query()
	var f store.AuditFilter

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		if v := q.Get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, err
			}
			*p.dst = &t
		}
	}
	if v := q.Get("actor"); v != "" {
		f.ActorUserID = &v
	}
	if v := q.Get("action"); v != "" {
		action := store.AuditAction(v)
		if !slices.Contains(store.ValidAuditActions, action) {
			return f, errors.New("unknown audit action")
		}
		f.Action = &action
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("invalid limit")
		}
		f.Limit = n
	}
	return f, nil
}

// callerFrom builds a handoff caller from the authenticated request.
func callerFrom(r *http.Request) handoff.Caller {
	caller := handoff.Caller{IPAddress: clientIP(r)}
	if a := auth.FromContext(r.Context()); a != nil {
		caller.UserID = a.UserID
	}
	return caller
}

// clientIP returns the remote host of the connection.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusFor maps a handoff outcome to its HTTP status.
func statusFor(outcome string) int {
	switch outcome {
	case handoff.OutcomeSuccess:
		return http.StatusOK
	case handoff.OutcomeExpired:
		return http.StatusGone
	case handoff.OutcomeAlreadyUsed:
		return http.StatusConflict
	case handoff.OutcomeNotFound:
		return http.StatusNotFound
	case handoff.OutcomeInvalidRequest:
		return http.StatusBadRequest
	case handoff.OutcomeUnauthorized:
		return http.StatusUnauthorized
	case handoff.OutcomeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

// sendOutcomeError writes the closed error code for err.
func (g *Gateway) sendOutcomeError(w http.ResponseWriter, err error) {
	outcome := handoff.Outcome(err)
	if outcome == handoff.OutcomeUnavailable {
		g.logger.Error("request failed", "error", err)
	}
	sendJSONError(w, statusFor(outcome), outcome)
}

// sendSessionError answers 401 for any session the caller cannot use.
func (g *Gateway) sendSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrSessionNotFound) {
		sendJSONError(w, http.StatusUnauthorized, handoff.OutcomeUnauthorized)
		return
	}
	g.sendOutcomeError(w, err)
}

// decodeJSON reads a size-limited JSON body into v. An empty body is
// accepted only when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
