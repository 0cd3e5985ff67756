// ABOUTME: Tests for MemoryRegistry
// ABOUTME: Covers replace-on-register, stale handles, compare-and-delete and push racing unregister

package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T) *MemoryRegistry {
	t.Helper()
	r := NewMemoryRegistry(MemoryConfig{
		ChannelTTL:      time.Minute,
		DeliveryTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(func() { r.Close() })
	return r
}

func TestMemoryRegistry_RegisterLookupPush(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	c := newTestConn()

	require.NoError(t, r.Register(ctx, "key-1", c))

	got, err := r.Lookup("key-1")
	require.NoError(t, err)
	assert.Same(t, c, got)

	// Lookup does not remove
	_, err = r.Lookup("key-1")
	require.NoError(t, err)

	require.NoError(t, r.Push(ctx, "key-1", Message{Event: "session"}))
	assert.Equal(t, "session", (<-c.Messages()).Event)
	assert.Equal(t, 1, r.Len())
}

func TestMemoryRegistry_LookupMissing(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Lookup("nope")
	assert.ErrorIs(t, err, ErrChannelNotFound)

	err = r.Push(context.Background(), "nope", Message{Event: "x"})
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestMemoryRegistry_PushAfterUnregister(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	c := newTestConn()

	require.NoError(t, r.Register(ctx, "key-1", c))
	r.Unregister(ctx, "key-1")
	r.Unregister(ctx, "key-1") // already gone is fine

	err := r.Push(ctx, "key-1", Message{Event: "session"})
	assert.ErrorIs(t, err, ErrChannelNotFound)

	assert.Eventually(t, c.Closed, time.Second, 5*time.Millisecond)
	for msg := range c.Messages() {
		t.Fatalf("unexpected delivery after unregister: %+v", msg)
	}
}

func TestMemoryRegistry_ReplaceReachesNewest(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	first := newTestConn()
	second := newTestConn()

	require.NoError(t, r.Register(ctx, "key-1", first))
	require.NoError(t, r.Register(ctx, "key-1", second))

	require.NoError(t, r.Push(ctx, "key-1", Message{Event: "session"}))

	assert.Equal(t, "session", (<-second.Messages()).Event)
	assert.True(t, first.Closed())
	assert.Equal(t, 1, r.Len())
}

func TestMemoryRegistry_UnregisterHandleKeepsSuccessor(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	first := newTestConn()
	second := newTestConn()

	require.NoError(t, r.Register(ctx, "key-1", first))
	require.NoError(t, r.Register(ctx, "key-1", second))

	// The replaced connection closes late.
	r.UnregisterHandle(ctx, "key-1", first)

	got, err := r.Lookup("key-1")
	require.NoError(t, err)
	assert.Same(t, second, got)

	r.UnregisterHandle(ctx, "key-1", second)
	_, err = r.Lookup("key-1")
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestMemoryRegistry_StaleIsNotFound(t *testing.T) {
	clock := &testClock{now: time.Now()}
	r := NewMemoryRegistry(MemoryConfig{ChannelTTL: time.Hour, Now: clock.Now})
	defer r.Close()
	ctx := context.Background()

	c := NewConn(clock.Now(), clock.Now().Add(time.Minute))
	require.NoError(t, r.Register(ctx, "key-1", c))

	clock.Advance(time.Minute)

	_, err := r.Lookup("key-1")
	assert.ErrorIs(t, err, ErrChannelNotFound)
	assert.ErrorIs(t, r.Push(ctx, "key-1", Message{Event: "x"}), ErrChannelNotFound)
}

func TestMemoryRegistry_RegisterExpiredHandle(t *testing.T) {
	r := newTestRegistry(t)
	now := time.Now()

	err := r.Register(context.Background(), "key-1", NewConn(now.Add(-time.Hour), now.Add(-time.Minute)))
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestMemoryRegistry_CacheExpiryClosesHandle(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{ChannelTTL: 20 * time.Millisecond})
	defer r.Close()

	c := newTestConn()
	require.NoError(t, r.Register(context.Background(), "key-1", c))

	assert.Eventually(t, c.Closed, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryRegistry_PushTimesOutOnSlowReader(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	c := newTestConn()
	require.NoError(t, r.Register(ctx, "key-1", c))

	for range connBufferSize {
		require.NoError(t, r.Push(ctx, "key-1", Message{Event: "fill"}))
	}

	start := time.Now()
	err := r.Push(ctx, "key-1", Message{Event: "overflow"})
	assert.ErrorIs(t, err, ErrChannelNotFound)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMemoryRegistry_PushRacingUnregister(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for i := range 100 {
		c := newTestConn()
		key := "key-race"
		require.NoError(t, r.Register(ctx, key, c))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := r.Push(ctx, key, Message{Event: "session"})
			if err != nil && !errors.Is(err, ErrChannelNotFound) {
				t.Errorf("iteration %d: unexpected error %v", i, err)
			}
		}()
		go func() {
			defer wg.Done()
			r.UnregisterHandle(ctx, key, c)
		}()
		wg.Wait()
	}
}

func TestMemoryRegistry_Close(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	ctx := context.Background()
	a := newTestConn()
	b := newTestConn()
	require.NoError(t, r.Register(ctx, "a", a))
	require.NoError(t, r.Register(ctx, "b", b))

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.Eventually(t, func() bool { return a.Closed() && b.Closed() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, r.Register(ctx, "c", newTestConn()), ErrClosed)
	assert.ErrorIs(t, r.Push(ctx, "a", Message{Event: "x"}), ErrChannelNotFound)
	assert.Zero(t, r.Len())
}

func TestMemoryRegistry_RegisterRacingClose(t *testing.T) {
	for i := range 50 {
		r := NewMemoryRegistry(MemoryConfig{})
		ctx := context.Background()

		var (
			mu         sync.Mutex
			registered []*Conn
			wg         sync.WaitGroup
		)
		for j := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c := newTestConn()
				err := r.Register(ctx, fmt.Sprintf("key-%d", j), c)
				switch {
				case err == nil:
					mu.Lock()
					registered = append(registered, c)
					mu.Unlock()
				case !errors.Is(err, ErrClosed):
					t.Errorf("iteration %d: unexpected error %v", i, err)
				}
			}()
		}
		require.NoError(t, r.Close())
		wg.Wait()

		// Every accepted handle was swept by Close; nothing landed after it.
		assert.Zero(t, r.Len(), "iteration %d", i)
		assert.Eventually(t, func() bool {
			for _, c := range registered {
				if !c.Closed() {
					return false
				}
			}
			return true
		}, time.Second, 5*time.Millisecond)
	}
}
