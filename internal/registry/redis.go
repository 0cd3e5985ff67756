// ABOUTME: Cross-process Registry: handles live in a local MemoryRegistry, ownership lives in Redis
// ABOUTME: Pushes for keys owned by another node are relayed over that node's pub/sub channel

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key and channel the registry touches.
const DefaultRedisPrefix = "handoff:"

// releaseScript deletes an ownership key only if this node still owns it.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisConfig configures a RedisRegistry.
type RedisConfig struct {
	Client redis.UniversalClient
	// Prefix namespaces keys; defaults to DefaultRedisPrefix.
	Prefix string
	// NodeID identifies this process; defaults to a random UUID.
	NodeID          string
	ChannelTTL      time.Duration
	DeliveryTimeout time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

// relayRequest asks the owning node to deliver a message. An Evict request
// tells a former owner to drop its handle for Key and expects no reply.
type relayRequest struct {
	ID      string  `json:"id"`
	Key     string  `json:"key"`
	Message Message `json:"message"`
	ReplyTo string  `json:"reply_to,omitempty"`
	Evict   bool    `json:"evict,omitempty"`
}

// relayReply answers a relayRequest.
type relayReply struct {
	ID        string `json:"id"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// RedisRegistry lets any node push to a channel held open by any other node.
type RedisRegistry struct {
	local  *MemoryRegistry
	client redis.UniversalClient
	prefix string
	nodeID string

	deliveryTimeout time.Duration
	logger          *slog.Logger

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]chan relayReply

	closeOnce sync.Once
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry subscribes this node's relay channels and starts the
// listener. The subscription is confirmed before returning.
func NewRedisRegistry(ctx context.Context, cfg RedisConfig) (*RedisRegistry, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRedisPrefix
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &RedisRegistry{
		local: NewMemoryRegistry(MemoryConfig{
			ChannelTTL:      cfg.ChannelTTL,
			DeliveryTimeout: cfg.DeliveryTimeout,
			Logger:          cfg.Logger,
			Now:             cfg.Now,
		}),
		client:          cfg.Client,
		prefix:          cfg.Prefix,
		nodeID:          cfg.NodeID,
		deliveryTimeout: cfg.DeliveryTimeout,
		logger:          cfg.Logger.With("component", "registry", "node_id", cfg.NodeID),
		pending:         make(map[string]chan relayReply),
	}

	r.pubsub = r.client.Subscribe(ctx, r.requestChannel(r.nodeID), r.replyChannel(r.nodeID))
	// Wait for the subscription so relays sent right after construction are not lost.
	if _, err := r.pubsub.Receive(ctx); err != nil {
		_ = r.pubsub.Close()
		_ = r.local.Close()
		return nil, fmt.Errorf("subscribing relay channels: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go r.listen(listenCtx)

	r.logger.Info("redis registry started")
	return r, nil
}

// NodeID returns this node's identifier.
func (r *RedisRegistry) NodeID() string { return r.nodeID }

func (r *RedisRegistry) ownerKey(key string) string { return r.prefix + "channel:" + key }
func (r *RedisRegistry) requestChannel(nodeID string) string {
	return r.prefix + "node:" + nodeID + ":push"
}
func (r *RedisRegistry) replyChannel(nodeID string) string {
	return r.prefix + "node:" + nodeID + ":reply"
}

// Register holds c locally and records this node as the owner of key. A
// previous owner on another node is told to drop its handle.
func (r *RedisRegistry) Register(ctx context.Context, key string, c *Conn) error {
	if err := r.local.Register(ctx, key, c); err != nil {
		return err
	}

	ttl := c.ExpiresAt().Sub(r.local.now())
	if ttl > r.local.ttl {
		ttl = r.local.ttl
	}
	prev, err := r.client.SetArgs(ctx, r.ownerKey(key), r.nodeID, redis.SetArgs{TTL: ttl, Get: true}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.local.UnregisterHandle(ctx, key, c)
		return fmt.Errorf("recording channel owner: %w", err)
	}
	if prev != "" && prev != r.nodeID {
		r.evict(ctx, prev, key)
	}
	return nil
}

// evict tells owner that key has moved. Delivery is best effort: Push checks
// ownership before using a local handle, so a missed eviction only delays
// the stale stream's end until its TTL.
func (r *RedisRegistry) evict(ctx context.Context, owner, key string) {
	payload, err := json.Marshal(relayRequest{ID: uuid.New().String(), Key: key, Evict: true})
	if err != nil {
		r.logger.Error("encoding eviction", "error", err)
		return
	}
	if err := r.client.Publish(ctx, r.requestChannel(owner), payload).Err(); err != nil {
		r.logger.Warn("failed to publish eviction", "owner", owner, "error", err)
	}
}

// dropStale closes the local handle for key, if any, without touching the
// ownership record, which belongs to another node.
func (r *RedisRegistry) dropStale(key string) {
	if c, err := r.local.Lookup(key); err == nil && r.local.unregisterHandle(key, c) {
		r.logger.Info("dropped channel owned by another node")
	}
}

// Lookup returns a handle held by this node.
func (r *RedisRegistry) Lookup(key string) (*Conn, error) {
	return r.local.Lookup(key)
}

// Unregister drops key locally and releases ownership if this node holds it.
func (r *RedisRegistry) Unregister(ctx context.Context, key string) {
	r.local.Unregister(ctx, key)
	r.release(ctx, key)
}

// UnregisterHandle drops key only while c is its handle.
func (r *RedisRegistry) UnregisterHandle(ctx context.Context, key string, c *Conn) {
	if r.local.unregisterHandle(key, c) {
		r.release(ctx, key)
	}
}

func (r *RedisRegistry) release(ctx context.Context, key string) {
	if err := releaseScript.Run(ctx, r.client, []string{r.ownerKey(key)}, r.nodeID).Err(); err != nil {
		r.logger.Warn("failed to release channel ownership", "error", err)
	}
}

// Push delivers to the handle held by key's current owner: locally when that
// is this node, otherwise by relay. A local handle for a key owned elsewhere
// has been replaced and is dropped.
func (r *RedisRegistry) Push(ctx context.Context, key string, msg Message) error {
	owner, err := r.client.Get(ctx, r.ownerKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrChannelNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: reading owner: %w", ErrChannelNotFound, err)
	}
	if owner == r.nodeID {
		return r.local.Push(ctx, key, msg)
	}

	r.dropStale(key)
	return r.relay(ctx, owner, key, msg)
}

// relay publishes a request to owner and waits for its reply.
func (r *RedisRegistry) relay(ctx context.Context, owner, key string, msg Message) error {
	req := relayRequest{
		ID:      uuid.New().String(),
		Key:     key,
		Message: msg,
		ReplyTo: r.replyChannel(r.nodeID),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: encoding relay: %w", ErrChannelNotFound, err)
	}

	replyCh := make(chan relayReply, 1)
	r.pendingMu.Lock()
	r.pending[req.ID] = replyCh
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, req.ID)
		r.pendingMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, r.deliveryTimeout)
	defer cancel()

	receivers, err := r.client.Publish(ctx, r.requestChannel(owner), payload).Result()
	if err != nil {
		return fmt.Errorf("%w: publishing relay: %w", ErrChannelNotFound, err)
	}
	if receivers == 0 {
		r.logger.Debug("channel owner not listening", "owner", owner)
		return ErrChannelNotFound
	}

	select {
	case reply := <-replyCh:
		if reply.Delivered {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrChannelNotFound, reply.Error)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrChannelNotFound, ctx.Err())
	}
}

// listen dispatches relay requests and replies until Close.
func (r *RedisRegistry) listen(ctx context.Context) {
	defer r.wg.Done()

	requests := r.requestChannel(r.nodeID)
	for msg := range r.pubsub.Channel() {
		switch msg.Channel {
		case requests:
			var req relayRequest
			if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
				r.logger.Warn("dropping malformed relay request", "error", err)
				continue
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				if req.Evict {
					r.answerEvict(ctx, req.Key)
					return
				}
				r.answer(ctx, req)
			}()
		default:
			var reply relayReply
			if err := json.Unmarshal([]byte(msg.Payload), &reply); err != nil {
				r.logger.Warn("dropping malformed relay reply", "error", err)
				continue
			}
			r.pendingMu.Lock()
			ch, ok := r.pending[reply.ID]
			r.pendingMu.Unlock()
			if ok {
				select {
				case ch <- reply:
				default:
				}
			}
		}
	}
}

// answer delivers a relayed message locally and publishes the outcome.
func (r *RedisRegistry) answer(ctx context.Context, req relayRequest) {
	reply := relayReply{ID: req.ID, Delivered: true}
	if err := r.local.Push(ctx, req.Key, req.Message); err != nil {
		reply.Delivered = false
		reply.Error = err.Error()
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		r.logger.Error("encoding relay reply", "error", err)
		return
	}
	if err := r.client.Publish(ctx, req.ReplyTo, payload).Err(); err != nil {
		r.logger.Warn("failed to publish relay reply", "error", err)
	}
}

// answerEvict drops the local handle for key unless this node has since
// reclaimed ownership.
func (r *RedisRegistry) answerEvict(ctx context.Context, key string) {
	owner, err := r.client.Get(ctx, r.ownerKey(key)).Result()
	if err == nil && owner == r.nodeID {
		return
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Warn("failed to check owner for eviction", "error", err)
		return
	}
	r.dropStale(key)
}

// Len reports handles held by this node.
func (r *RedisRegistry) Len() int {
	return r.local.Len()
}

// Close releases ownership of every local key, stops the listener, and
// closes the local handles.
func (r *RedisRegistry) Close() error {
	var err error
	r.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.deliveryTimeout)
		defer cancel()
		for _, key := range r.local.Keys() {
			r.release(ctx, key)
		}

		r.cancel()
		err = r.pubsub.Close()
		r.wg.Wait()
		_ = r.local.Close()
		r.logger.Info("redis registry closed")
	})
	return err
}
