// ABOUTME: Conn is the push handle for one live login-channel connection
// ABOUTME: A buffered queue with bounded Deliver; delivery after Close fails instead of panicking

package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// connBufferSize is the per-connection queue length. A login channel only
// ever expects a handful of messages.
const connBufferSize = 8

// Message is one event pushed to a waiting client.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals data into a Message for event.
func NewMessage(event string, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Event: event, Data: raw}, nil
}

// Conn is an addressable push endpoint for one connection.
type Conn struct {
	id        string
	createdAt time.Time
	expiresAt time.Time

	mu     sync.RWMutex
	closed bool
	ch     chan Message

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn creates an open handle that stops being addressable at expiresAt.
func NewConn(createdAt, expiresAt time.Time) *Conn {
	return &Conn{
		id:        uuid.New().String(),
		createdAt: createdAt,
		expiresAt: expiresAt,
		ch:        make(chan Message, connBufferSize),
		done:      make(chan struct{}),
	}
}

// ID identifies this handle, distinct from the channel key it is registered under.
func (c *Conn) ID() string { return c.id }

// CreatedAt returns when the connection was opened.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// ExpiresAt returns when the handle goes stale.
func (c *Conn) ExpiresAt() time.Time { return c.expiresAt }

// Expired reports whether the handle is stale at now.
func (c *Conn) Expired(now time.Time) bool {
	return !now.Before(c.expiresAt)
}

// Messages is the receive side, read by the connection's writer loop.
// It is closed after Close.
func (c *Conn) Messages() <-chan Message { return c.ch }

// Done is closed when the handle is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Deliver queues msg, waiting at most until ctx is done. It returns
// ErrHandleClosed if the connection closes first.
func (c *Conn) Deliver(ctx context.Context, msg Message) error {
	// Hold read lock during send so Close cannot close the channel under us
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed || c.Closed() {
		return ErrHandleClosed
	}

	select {
	case c.ch <- msg:
		return nil
	case <-c.done:
		return ErrHandleClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the handle closed and releases any blocked Deliver. Safe to
// call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		c.closed = true
		close(c.ch)
		c.mu.Unlock()
	})
}
