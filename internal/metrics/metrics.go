// ABOUTME: Prometheus instruments for handoffs, redemptions, sessions and audit health
// ABOUTME: A nil *Metrics is valid and records nothing, so components can run without it

package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "handoff"

// Metrics holds every instrument the gateway records.
type Metrics struct {
	Handoffs            *prometheus.CounterVec
	Redemptions         *prometheus.CounterVec
	ServiceTokensIssued prometheus.Counter
	SessionsIssued      prometheus.Counter
	SessionsRevoked     prometheus.Counter
	AuditFailures       prometheus.Counter
	CleanupDeleted      *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec

	reg prometheus.Registerer
}

// New creates the instruments and registers them with reg. A registration
// failure is logged, not fatal. Pass nil reg to create unregistered instruments.
func New(reg prometheus.Registerer, logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "metrics")

	m := &Metrics{
		Handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_authorizations_total",
			Help:      "Channel handoff attempts by outcome.",
		}, []string{"outcome"}),
		Redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_token_redemptions_total",
			Help:      "Service token redemption attempts by outcome.",
		}, []string{"outcome"}),
		ServiceTokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_tokens_issued_total",
			Help:      "Service tokens issued.",
		}),
		SessionsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_issued_total",
			Help:      "Sessions minted by channel handoff.",
		}),
		SessionsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_revoked_total",
			Help:      "Sessions revoked by their holder.",
		}),
		AuditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit events that could not be persisted.",
		}),
		CleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_deleted_total",
			Help:      "Rows removed by the maintenance loop, by kind.",
		}, []string{"kind"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route and status code.",
		}, []string{"route", "code"}),
		reg: reg,
	}

	if reg == nil {
		return m
	}

	for name, c := range map[string]prometheus.Collector{
		"channel_authorizations_total":    m.Handoffs,
		"service_token_redemptions_total": m.Redemptions,
		"service_tokens_issued_total":     m.ServiceTokensIssued,
		"sessions_issued_total":           m.SessionsIssued,
		"sessions_revoked_total":          m.SessionsRevoked,
		"audit_write_failures_total":      m.AuditFailures,
		"cleanup_deleted_total":           m.CleanupDeleted,
		"http_requests_total":             m.HTTPRequests,
	} {
		if err := reg.Register(c); err != nil {
			logger.Warn("failed to register metric", "name", name, "error", err)
		}
	}

	return m
}

// RegisterOpenChannels exports fn as the open login channel gauge.
func (m *Metrics) RegisterOpenChannels(fn func() int) {
	if m == nil || m.reg == nil {
		return
	}
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_login_channels",
		Help:      "Login channels currently registered on this node.",
	}, func() float64 { return float64(fn()) })
	// A second registration (tests, restarts within a process) keeps the first.
	_ = m.reg.Register(g)
}

// Handoff records a channel handoff outcome.
func (m *Metrics) Handoff(outcome string) {
	if m == nil {
		return
	}
	m.Handoffs.WithLabelValues(outcome).Inc()
}

// Redemption records a redemption outcome.
func (m *Metrics) Redemption(outcome string) {
	if m == nil {
		return
	}
	m.Redemptions.WithLabelValues(outcome).Inc()
}

// TokenIssued counts an issued service token.
func (m *Metrics) TokenIssued() {
	if m == nil {
		return
	}
	m.ServiceTokensIssued.Inc()
}

// SessionIssued counts a minted session.
func (m *Metrics) SessionIssued() {
	if m == nil {
		return
	}
	m.SessionsIssued.Inc()
}

// SessionRevoked counts a revoked session.
func (m *Metrics) SessionRevoked() {
	if m == nil {
		return
	}
	m.SessionsRevoked.Inc()
}

// AuditFailure counts a dropped audit event.
func (m *Metrics) AuditFailure() {
	if m == nil {
		return
	}
	m.AuditFailures.Inc()
}

// Cleaned records rows removed by the maintenance loop.
func (m *Metrics) Cleaned(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.CleanupDeleted.WithLabelValues(kind).Add(float64(n))
}

// Request records one HTTP API response.
func (m *Metrics) Request(route, code string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, code).Inc()
}
