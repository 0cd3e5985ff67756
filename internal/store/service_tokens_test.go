// ABOUTME: Tests for service token issue and single-use consume
// ABOUTME: Covers used/expired/missing classification and concurrent redeemers

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

func TestServiceToken_IssueAndConsume(t *testing.T) {
	clock := newTestClock()
	store := setupTestStore(t, WithClock(clock.Now))
	ctx := context.Background()
	user := createTestUser(t, store, "u1")

	st, token, err := store.IssueServiceToken(ctx, user.ID, "billing", 5*time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NotEmpty(t, st.ID)
	assert.Equal(t, clock.Now().Add(5*time.Minute), st.ExpiresAt)
	assert.Nil(t, st.UsedAt)

	got, err := store.ConsumeServiceToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, st.ID, got.ID)
	assert.Equal(t, user.ID, got.UserID)
	assert.Equal(t, "billing", got.ScopeID)
	require.NotNil(t, got.UsedAt)
	assert.True(t, got.UsedAt.Equal(clock.Now()))

	_, err = store.ConsumeServiceToken(ctx, token)
	assert.ErrorIs(t, err, ErrTokenUsed)
}

func TestServiceToken_NotStoredInClear(t *testing.T) {
	store := setupTestStore(t, WithTokenPepper([]byte("pepper")))
	ctx := context.Background()
	user := createTestUser(t, store, "u1")

	_, token, err := store.IssueServiceToken(ctx, user.ID, "billing", time.Minute)
	require.NoError(t, err)

	var n int
	err = store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM service_tokens WHERE token_hash = ?`, token).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestServiceToken_Expired(t *testing.T) {
	clock := newTestClock()
	store := setupTestStore(t, WithClock(clock.Now))
	ctx := context.Background()
	user := createTestUser(t, store, "u1")

	_, token, err := store.IssueServiceToken(ctx, user.ID, "billing", time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)

	_, err = store.ConsumeServiceToken(ctx, token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	// Still unused after the failed attempt.
	st, err := store.GetServiceToken(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, st.UsedAt)
}

func TestServiceToken_ExpiresExactlyAtDeadline(t *testing.T) {
	clock := newTestClock()
	store := setupTestStore(t, WithClock(clock.Now))
	ctx := context.Background()
	user := createTestUser(t, store, "u1")

	_, token, err := store.IssueServiceToken(ctx, user.ID, "billing", time.Second)
	require.NoError(t, err)

	clock.Advance(time.Second)

	_, err = store.ConsumeServiceToken(ctx, token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestServiceToken_UsedThenExpiredReportsExpired(t *testing.T) {
	clock := newTestClock()
	store := setupTestStore(t, WithClock(clock.Now))
	ctx := context.Background()
	user := createTestUser(t, store, "u1")

	_, token, err := store.IssueServiceToken(ctx, user.ID, "billing", time.Minute)
	require.NoError(t, err)
	_, err = store.ConsumeServiceToken(ctx, token)
	require.NoError(t, err)

	clock.Advance(time.Hour)

	_, err = store.ConsumeServiceToken(ctx, token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestServiceToken_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.ConsumeServiceToken(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	_, err = store.GetServiceToken(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestServiceToken_PepperChangesLookup(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	a, err := NewSQLiteStore(dir+"/test.db", WithTokenPepper([]byte("one")))
	require.NoError(t, err)
	user := createTestUser(t, a, "u1")
	_, token, err := a.IssueServiceToken(ctx, user.ID, "billing", time.Minute)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := NewSQLiteStore(dir+"/test.db", WithTokenPepper([]byte("two")))
	require.NoError(t, err)
	defer b.Close()

	_, err = b.ConsumeServiceToken(ctx, token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestServiceToken_RejectsNonPositiveTTL(t *testing.T) {
	store := setupTestStore(t)
	user := createTestUser(t, store, "u1")

	_, _, err := store.IssueServiceToken(context.Background(), user.ID, "billing", 0)
	assert.Error(t, err)
}

func TestServiceToken_ConcurrentConsume(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, store, "u1")

	_, token, err := store.IssueServiceToken(ctx, user.ID, "billing", 5*time.Minute)
	require.NoError(t, err)

	const redeemers = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		used      int
		other     []error
	)
	start := make(chan struct{})

	for range redeemers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := store.ConsumeServiceToken(ctx, token)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrTokenUsed):
				used++
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, 1, successes)
	assert.Equal(t, redeemers-1, used)
}

func TestServiceToken_ConcurrentConsumeAcrossHandles(t *testing.T) {
	// Two store handles on one file stand in for two server processes.
	dbPath := t.TempDir() + "/shared.db"
	ctx := context.Background()

	a, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer b.Close()

	user := createTestUser(t, a, "u1")
	_, token, err := a.IssueServiceToken(ctx, user.ID, "billing", time.Minute)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := range 20 {
		s := a
		if i%2 == 1 {
			s = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeServiceToken(ctx, token)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes int
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, ErrTokenUsed)
	}
	assert.Equal(t, 1, successes)
}

func TestServiceToken_DeleteExpired(t *testing.T) {
	clock := newTestClock()
	store := setupTestStore(t, WithClock(clock.Now))
	ctx := context.Background()
	user := createTestUser(t, store, "u1")

	_, short, err := store.IssueServiceToken(ctx, user.ID, "billing", time.Minute)
	require.NoError(t, err)
	_, used, err := store.IssueServiceToken(ctx, user.ID, "billing", time.Hour)
	require.NoError(t, err)
	_, live, err := store.IssueServiceToken(ctx, user.ID, "billing", time.Hour)
	require.NoError(t, err)
	_, err = store.ConsumeServiceToken(ctx, used)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	n, err := store.DeleteExpiredServiceTokens(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = store.GetServiceToken(ctx, short)
	assert.ErrorIs(t, err, ErrTokenNotFound)
	_, err = store.GetServiceToken(ctx, used)
	assert.ErrorIs(t, err, ErrTokenNotFound)
	_, err = store.GetServiceToken(ctx, live)
	assert.NoError(t, err)
}
