// ABOUTME: Tests for MockStore
// ABOUTME: Checks the in-memory store matches SQLiteStore on the outcomes callers depend on

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_ConsumeOutcomes(t *testing.T) {
	clock := newTestClock()
	m := NewMockStore()
	m.Now = clock.Now
	ctx := context.Background()
	createTestUser(t, m, "u1")

	_, token, err := m.IssueServiceToken(ctx, "u1", "billing", time.Minute)
	require.NoError(t, err)

	_, err = m.ConsumeServiceToken(ctx, token)
	require.NoError(t, err)
	_, err = m.ConsumeServiceToken(ctx, token)
	assert.ErrorIs(t, err, ErrTokenUsed)

	clock.Advance(time.Hour)
	_, err = m.ConsumeServiceToken(ctx, token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = m.ConsumeServiceToken(ctx, "nope")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestMockStore_ConcurrentConsume(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	_, token, err := m.IssueServiceToken(ctx, "u1", "billing", time.Minute)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.ConsumeServiceToken(ctx, token); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestMockStore_InjectedError(t *testing.T) {
	m := NewMockStore()
	boom := errors.New("disk on fire")
	m.SetErr(boom)

	_, _, err := m.IssueServiceToken(context.Background(), "u1", "billing", time.Minute)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, m.Ping(context.Background()), boom)
}

func TestMockStore_Sessions(t *testing.T) {
	clock := newTestClock()
	m := NewMockStore()
	m.Now = clock.Now
	ctx := context.Background()

	require.NoError(t, m.CreateSession(ctx, newTestSession("s1", "u1", clock.Now(), time.Minute), "tok"))
	_, err := m.GetSessionByToken(ctx, "tok")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = m.GetSessionByToken(ctx, "tok")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	n, err := m.DeleteExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMockStore_AuditFilter(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	require.NoError(t, m.AppendAuditEvent(ctx, &AuditEvent{ActorUserID: "u1", Action: AuditChannelAuthorize}))
	require.NoError(t, m.AppendAuditEvent(ctx, &AuditEvent{ActorUserID: "u2", Action: AuditServiceTokenIssue}))

	events, err := m.ListAuditEvents(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "u2", events[0].ActorUserID)

	action := AuditChannelAuthorize
	events, err = m.ListAuditEvents(ctx, AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, events, 1)
}
