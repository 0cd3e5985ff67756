// ABOUTME: Per-client-IP token bucket limiter for the anonymous endpoints
// ABOUTME: Idle clients are forgotten after a window so the map stays bounded

package gateway

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/handoff-gateway/internal/handoff"
)

// rateLimiter enforces per-client throttling.
type rateLimiter struct {
	limit   rate.Limit
	burst   int
	window  time.Duration
	now     func() time.Time
	mu      sync.Mutex
	clients map[string]*clientLimiter

	// onReject, when set, observes each request turned away.
	onReject func(*http.Request)
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newRateLimiter creates a limiter for the provided requests-per-minute budget.
// A non-positive budget disables limiting and returns nil.
func newRateLimiter(requestsPerMinute int) *rateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
		window:  5 * time.Minute,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

// withOnReject sets a hook run for every rejected request. Safe on a nil
// (disabled) limiter.
func (r *rateLimiter) withOnReject(fn func(*http.Request)) *rateLimiter {
	if r != nil {
		r.onReject = fn
	}
	return r
}

// middleware rejects requests over budget with 429 rate_limited.
func (r *rateLimiter) middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.allow(clientIP(req)) {
			if r.onReject != nil {
				r.onReject(req)
			}
			w.Header().Set("Retry-After", "60")
			sendJSONError(w, http.StatusTooManyRequests, handoff.OutcomeRateLimited)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *rateLimiter) allow(key string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.clients[key]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst), lastSeen: now}
		r.clients[key] = entry
		r.cleanupLocked(now)
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	for key, entry := range r.clients {
		if now.Sub(entry.lastSeen) > r.window {
			delete(r.clients, key)
		}
	}
}
