// ABOUTME: Best-effort audit emitter in front of the append-only audit store
// ABOUTME: A failed write is logged and counted, never returned to the operation being audited

package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/handoff-gateway/internal/metrics"
	"github.com/2389/handoff-gateway/internal/store"
)

// DefaultWriteTimeout bounds a single audit write.
const DefaultWriteTimeout = 2 * time.Second

// Emitter writes audit events.
type Emitter struct {
	store        store.AuditStore
	writeTimeout time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewEmitter creates an Emitter. Pass nil logger for default, nil metrics to skip counting.
func NewEmitter(s store.AuditStore, m *metrics.Metrics, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		store:        s,
		writeTimeout: DefaultWriteTimeout,
		metrics:      m,
		logger:       logger.With("component", "audit"),
	}
}

// WithWriteTimeout returns e with a different per-write bound.
func (e *Emitter) WithWriteTimeout(d time.Duration) *Emitter {
	cp := *e
	cp.writeTimeout = d
	return &cp
}

// Emit appends ev. The write outlives cancellation of ctx (a client hanging
// up must not erase the record of what it did) but is bounded by the write
// timeout.
func (e *Emitter) Emit(ctx context.Context, ev store.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.writeTimeout)
	defer cancel()

	if err := e.store.AppendAuditEvent(ctx, &ev); err != nil {
		e.metrics.AuditFailure()
		e.logger.Error("failed to write audit event",
			"action", ev.Action,
			"actor", ev.ActorUserID,
			"description", ev.Description,
			"error", err,
		)
		return
	}

	e.logger.Debug("audit event written", "id", ev.ID, "action", ev.Action)
}
