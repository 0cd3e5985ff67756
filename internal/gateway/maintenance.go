// ABOUTME: Background cleanup of expired sessions and spent service tokens
// ABOUTME: Runs on maintenance.cleanup_interval until the gateway stops

package gateway

import (
	"context"
	"time"
)

// runMaintenance purges expired rows every cleanup interval until ctx ends.
// A zero interval disables the loop.
func (g *Gateway) runMaintenance(ctx context.Context) {
	interval := g.config.Maintenance.CleanupInterval
	if interval <= 0 {
		g.logger.Info("maintenance loop disabled")
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.cleanup(ctx)
		}
	}
}

// cleanup runs one maintenance pass. Failures are logged and retried next tick.
func (g *Gateway) cleanup(ctx context.Context) {
	sessions, err := g.store.DeleteExpiredSessions(ctx)
	if err != nil {
		g.logger.Warn("cleaning expired sessions", "error", err)
	} else {
		g.metrics.Cleaned("sessions", sessions)
	}

	before := time.Now().Add(-g.config.Maintenance.TokenRetention)
	tokens, err := g.store.DeleteExpiredServiceTokens(ctx, before)
	if err != nil {
		g.logger.Warn("cleaning expired service tokens", "error", err)
	} else {
		g.metrics.Cleaned("service_tokens", tokens)
	}

	if sessions > 0 || tokens > 0 {
		g.logger.Info("maintenance pass", "sessions_deleted", sessions, "service_tokens_deleted", tokens)
	}
}
