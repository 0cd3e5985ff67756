// ABOUTME: Process-local Registry backed by jellydator/ttlcache
// ABOUTME: Entries expire with their connection; evicted handles are closed so their streams end

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryConfig configures a MemoryRegistry.
type MemoryConfig struct {
	// ChannelTTL caps how long any handle stays registered.
	ChannelTTL time.Duration
	// DeliveryTimeout bounds a single Push.
	DeliveryTimeout time.Duration
	Logger          *slog.Logger
	// Now overrides time.Now, for tests.
	Now func() time.Time
}

// MemoryRegistry is a concurrency-safe key → handle map.
type MemoryRegistry struct {
	// mu serializes writers so replace and compare-and-delete are atomic.
	// Readers go straight to the cache.
	mu    sync.Mutex
	cache *ttlcache.Cache[string, *Conn]

	ttl             time.Duration
	deliveryTimeout time.Duration
	now             func() time.Time
	logger          *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates a registry and starts its expiry loop.
// Call Close to stop it.
func NewMemoryRegistry(cfg MemoryConfig) *MemoryRegistry {
	if cfg.ChannelTTL <= 0 {
		cfg.ChannelTTL = DefaultChannelTTL
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[string, *Conn](cfg.ChannelTTL),
		ttlcache.WithDisableTouchOnHit[string, *Conn](),
	)

	r := &MemoryRegistry{
		cache:           cache,
		ttl:             cfg.ChannelTTL,
		deliveryTimeout: cfg.DeliveryTimeout,
		now:             cfg.Now,
		logger:          cfg.Logger.With("component", "registry"),
	}

	// Whatever the reason an entry leaves the cache, its connection is done.
	// Must not call back into the cache from here.
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Conn]) {
		item.Value().Close()
		if reason == ttlcache.EvictionReasonExpired {
			r.logger.Debug("channel expired", "conn_id", item.Value().ID())
		}
	})

	go cache.Start()

	return r
}

// Register upserts key → c. A previous, different handle for key is closed.
func (r *MemoryRegistry) Register(_ context.Context, key string, c *Conn) error {
	if r.closed.Load() {
		return ErrClosed
	}

	ttl := c.ExpiresAt().Sub(r.now())
	if ttl <= 0 {
		return fmt.Errorf("%w: handle already expired", ErrChannelNotFound)
	}
	if ttl > r.ttl {
		ttl = r.ttl
	}

	r.mu.Lock()
	// Close sets the flag under mu, so no entry lands after its DeleteAll.
	if r.closed.Load() {
		r.mu.Unlock()
		return ErrClosed
	}
	var previous *Conn
	if item := r.cache.Get(key); item != nil {
		previous = item.Value()
	}
	r.cache.Set(key, c, ttl)
	r.mu.Unlock()

	if previous != nil && previous != c {
		previous.Close()
		r.logger.Debug("channel handle replaced", "old_conn_id", previous.ID(), "conn_id", c.ID())
	} else {
		r.logger.Debug("channel registered", "conn_id", c.ID(), "ttl", ttl)
	}
	return nil
}

// Lookup returns the live handle for key.
func (r *MemoryRegistry) Lookup(key string) (*Conn, error) {
	item := r.cache.Get(key)
	if item == nil {
		return nil, ErrChannelNotFound
	}
	c := item.Value()
	// The cache sweeps lazily; staleness is decided here.
	if c.Expired(r.now()) || c.Closed() {
		return nil, ErrChannelNotFound
	}
	return c, nil
}

// Unregister removes key and closes its handle.
func (r *MemoryRegistry) Unregister(_ context.Context, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Delete(key)
}

// UnregisterHandle removes key only while c is still registered under it.
func (r *MemoryRegistry) UnregisterHandle(_ context.Context, key string, c *Conn) {
	r.unregisterHandle(key, c)
}

// unregisterHandle reports whether it removed the entry.
func (r *MemoryRegistry) unregisterHandle(key string, c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	item := r.cache.Get(key)
	if item == nil || item.Value() != c {
		return false
	}
	r.cache.Delete(key)
	return true
}

// Push delivers msg to key's handle within the delivery timeout.
func (r *MemoryRegistry) Push(ctx context.Context, key string, msg Message) error {
	if r.closed.Load() {
		return fmt.Errorf("%w: %w", ErrChannelNotFound, ErrClosed)
	}

	c, err := r.Lookup(key)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.deliveryTimeout)
	defer cancel()

	if err := c.Deliver(ctx, msg); err != nil {
		r.logger.Debug("delivery failed", "conn_id", c.ID(), "error", err)
		return fmt.Errorf("%w: %w", ErrChannelNotFound, err)
	}
	return nil
}

// Keys returns the locally registered keys.
func (r *MemoryRegistry) Keys() []string {
	return r.cache.Keys()
}

// Len reports the number of registered handles.
func (r *MemoryRegistry) Len() int {
	return r.cache.Len()
}

// Close closes every handle and stops the expiry loop.
func (r *MemoryRegistry) Close() error {
	r.closeOnce.Do(func() {
		r.cache.Stop()

		r.mu.Lock()
		r.closed.Store(true)
		n := r.cache.Len()
		r.cache.DeleteAll()
		r.mu.Unlock()

		r.logger.Info("registry closed", "drained", n)
	})
	return nil
}
