// ABOUTME: Registry maps ephemeral channel keys to live push handles
// ABOUTME: Shared interface and errors for the in-memory and Redis-backed implementations

package registry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrChannelNotFound means no live handle is registered for the key:
	// never registered, unregistered, stale, or closed mid-delivery.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrClosed is returned by Register after the registry was closed.
	ErrClosed = errors.New("registry closed")

	// ErrHandleClosed is returned by Conn.Deliver once the connection closed.
	ErrHandleClosed = errors.New("connection closed")
)

// Defaults used when a config leaves a field zero.
const (
	DefaultChannelTTL      = 5 * time.Minute
	DefaultDeliveryTimeout = 2 * time.Second
)

// Registry is the capability set the handoff service needs from a channel map.
type Registry interface {
	// Register upserts key → c, replacing and closing any previous handle.
	Register(ctx context.Context, key string, c *Conn) error

	// Lookup returns the live handle for key without removing it.
	Lookup(key string) (*Conn, error)

	// Unregister removes key. Missing keys are not an error.
	Unregister(ctx context.Context, key string)

	// UnregisterHandle removes key only while c is still its handle.
	UnregisterHandle(ctx context.Context, key string, c *Conn)

	// Push delivers msg to the handle for key within the delivery timeout.
	// Any failure is ErrChannelNotFound, wrapping the cause.
	Push(ctx context.Context, key string, msg Message) error

	// Len reports how many handles are registered locally.
	Len() int

	// Close closes every handle and stops background work.
	Close() error
}
