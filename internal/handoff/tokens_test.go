// ABOUTME: Tests for service token issue and redemption
// ABOUTME: Covers single use, expiry, concurrent redeemers, scope binding and audit of every attempt

package handoff

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/handoff-gateway/internal/audit"
	"github.com/2389/handoff-gateway/internal/registry"
	"github.com/2389/handoff-gateway/internal/session"
	"github.com/2389/handoff-gateway/internal/store"
)

func TestIssueServiceToken(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.createUser(t, "alice")

	issued, err := env.svc.IssueServiceToken(context.Background(), Caller{UserID: "alice", IPAddress: "10.0.0.3"}, "wiki")
	require.NoError(t, err)
	assert.Len(t, issued.Token, 43)
	assert.Equal(t, "wiki", issued.ScopeID)
	assert.Equal(t, env.clock.Now().Add(DefaultTokenTTL), issued.ExpiresAt)

	events := env.auditEvents(t, store.AuditServiceTokenIssue)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].ActorUserID)
	assert.Equal(t, "wiki", events[0].Detail["scope"])
	assert.Equal(t, OutcomeSuccess, events[0].Detail["outcome"])
	assert.NotContains(t, events[0].Description, issued.Token)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ServiceTokensIssued))
}

func TestIssueServiceToken_Rejections(t *testing.T) {
	env := newTestEnv(t, Config{AllowedScopes: []string{"wiki", "chat"}})
	ctx := context.Background()
	env.createUser(t, "alice")
	env.createUser(t, "bob")
	require.NoError(t, env.store.SetUserDisabled(ctx, "bob", true))

	_, err := env.svc.IssueServiceToken(ctx, Caller{UserID: "alice"}, "billing")
	assert.ErrorIs(t, err, ErrInvalidScope)

	_, err = env.svc.IssueServiceToken(ctx, Caller{UserID: "alice"}, "")
	assert.ErrorIs(t, err, ErrInvalidScope)

	_, err = env.svc.IssueServiceToken(ctx, Caller{UserID: "bob"}, "wiki")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = env.svc.IssueServiceToken(ctx, Caller{}, "wiki")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	assert.Len(t, env.auditEvents(t, store.AuditServiceTokenIssue), 4)
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.ServiceTokensIssued))
}

func TestRedeemServiceToken_SingleUse(t *testing.T) {
	env := newTestEnv(t, Config{TokenTTL: 300 * time.Second})
	ctx := context.Background()
	alice := env.createUser(t, "alice")

	issued, err := env.svc.IssueServiceToken(ctx, Caller{UserID: "alice"}, "wiki")
	require.NoError(t, err)

	claims, err := env.svc.RedeemServiceToken(ctx, issued.Token, RedeemOptions{IPAddress: "10.0.0.9"})
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, alice.DisplayName, claims.Name)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "member", claims.Role)
	assert.Equal(t, alice.PhotoURL, claims.Picture)
	assert.Equal(t, "wiki", claims.Scope)
	assert.True(t, claims.IssuedAt.Equal(env.clock.Now()))

	_, err = env.svc.RedeemServiceToken(ctx, issued.Token, RedeemOptions{})
	assert.ErrorIs(t, err, store.ErrTokenUsed)

	// Redemption never mints a session.
	sessions, err := env.store.ListSessionsByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	events := env.auditEvents(t, store.AuditServiceTokenRedeem)
	require.Len(t, events, 2)
	assert.Equal(t, OutcomeAlreadyUsed, events[0].Detail["outcome"])
	assert.Equal(t, OutcomeSuccess, events[1].Detail["outcome"])
	assert.Equal(t, "alice", events[1].ActorUserID)
	assert.Equal(t, "10.0.0.9", events[1].IPAddress)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Redemptions.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Redemptions.WithLabelValues(OutcomeAlreadyUsed)))
}

func TestRedeemServiceToken_Expired(t *testing.T) {
	env := newTestEnv(t, Config{TokenTTL: time.Second})
	ctx := context.Background()
	env.createUser(t, "alice")

	issued, err := env.svc.IssueServiceToken(ctx, Caller{UserID: "alice"}, "wiki")
	require.NoError(t, err)

	env.clock.Advance(2 * time.Second)

	_, err = env.svc.RedeemServiceToken(ctx, issued.Token, RedeemOptions{})
	assert.ErrorIs(t, err, store.ErrTokenExpired)
	assert.Equal(t, OutcomeExpired, Outcome(err))

	events := env.auditEvents(t, store.AuditServiceTokenRedeem)
	require.Len(t, events, 1)
	assert.Equal(t, OutcomeExpired, events[0].Detail["outcome"])
}

func TestRedeemServiceToken_Concurrent(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.createUser(t, "alice")

	issued, err := env.svc.IssueServiceToken(ctx, Caller{UserID: "alice"}, "wiki")
	require.NoError(t, err)

	const n = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = map[string]int{}
		claims  []*Claims
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c, err := env.svc.RedeemServiceToken(ctx, issued.Token, RedeemOptions{})
			mu.Lock()
			defer mu.Unlock()
			results[Outcome(err)]++
			if c != nil {
				claims = append(claims, c)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, results[OutcomeSuccess])
	assert.Equal(t, n-1, results[OutcomeAlreadyUsed])
	assert.Len(t, claims, 1)

	events, err := env.store.ListAuditEvents(ctx, store.AuditFilter{Limit: 1000})
	require.NoError(t, err)
	redeems := 0
	for _, e := range events {
		if e.Action == store.AuditServiceTokenRedeem {
			redeems++
		}
	}
	assert.Equal(t, n, redeems)
}

func TestRedeemServiceToken_ScopeMismatchBurnsToken(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.createUser(t, "alice")

	issued, err := env.svc.IssueServiceToken(ctx, Caller{UserID: "alice"}, "wiki")
	require.NoError(t, err)

	_, err = env.svc.RedeemServiceToken(ctx, issued.Token, RedeemOptions{ScopeID: "chat"})
	assert.ErrorIs(t, err, store.ErrTokenNotFound)

	_, err = env.svc.RedeemServiceToken(ctx, issued.Token, RedeemOptions{ScopeID: "wiki"})
	assert.ErrorIs(t, err, store.ErrTokenUsed)

	events := env.auditEvents(t, store.AuditServiceTokenRedeem)
	require.Len(t, events, 2)
	assert.Equal(t, OutcomeNotFound, events[1].Detail["outcome"])
	assert.Equal(t, "chat", events[1].Detail["requested_scope"])
	assert.Contains(t, events[1].Description, "scope mismatch")
}

func TestRedeemServiceToken_MatchingScope(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.createUser(t, "alice")

	issued, err := env.svc.IssueServiceToken(ctx, Caller{UserID: "alice"}, "wiki")
	require.NoError(t, err)

	claims, err := env.svc.RedeemServiceToken(ctx, issued.Token, RedeemOptions{ScopeID: "wiki"})
	require.NoError(t, err)
	assert.Equal(t, "wiki", claims.Scope)
}

func TestRedeemServiceToken_OwnerDisabled(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.createUser(t, "alice")

	issued, err := env.svc.IssueServiceToken(ctx, Caller{UserID: "alice"}, "wiki")
	require.NoError(t, err)
	require.NoError(t, env.store.SetUserDisabled(ctx, "alice", true))

	_, err = env.svc.RedeemServiceToken(ctx, issued.Token, RedeemOptions{})
	assert.ErrorIs(t, err, store.ErrTokenNotFound)
}

func TestRedeemServiceToken_Malformed(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	for _, tok := range []string{"", "short", "contains spaces and is long", "has/slashes/in/it/ok"} {
		_, err := env.svc.RedeemServiceToken(ctx, tok, RedeemOptions{})
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", tok)
	}

	_, err := env.svc.RedeemServiceToken(ctx, "wellFormedButUnknownToken", RedeemOptions{ScopeID: "Bad Scope"})
	assert.ErrorIs(t, err, ErrInvalidScope)

	_, err = env.svc.RedeemServiceToken(ctx, "wellFormedButUnknownToken", RedeemOptions{})
	assert.ErrorIs(t, err, store.ErrTokenNotFound)

	assert.Len(t, env.auditEvents(t, store.AuditServiceTokenRedeem), 6)
}

func TestRejectRedemption(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.svc.RejectRedemption(ctx, ErrRateLimited, RedeemOptions{IPAddress: "203.0.113.7", ScopeID: "billing"})

	events := env.auditEvents(t, store.AuditServiceTokenRedeem)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].ActorUserID)
	assert.Equal(t, "203.0.113.7", events[0].IPAddress)
	assert.Equal(t, OutcomeRateLimited, events[0].Detail["outcome"])
	assert.Equal(t, "billing", events[0].Detail["requested_scope"])
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Redemptions.WithLabelValues(OutcomeRateLimited)))
}

func newMockService(t *testing.T) (*Service, *store.MockStore) {
	t.Helper()
	ms := store.NewMockStore()
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	t.Cleanup(func() { reg.Close() })

	svc, err := New(Deps{
		Users:    ms,
		Tokens:   ms,
		Sessions: session.New(ms, session.Config{}, nil),
		Registry: reg,
		Audit:    audit.NewEmitter(ms, nil, nil),
	}, Config{})
	require.NoError(t, err)
	require.NoError(t, ms.CreateUser(context.Background(), &store.User{ID: "alice", Email: "alice@example.com", Role: store.RoleMember}))
	return svc, ms
}

func TestRedeemServiceToken_StoreUnavailable(t *testing.T) {
	svc, ms := newMockService(t)
	ctx := context.Background()

	issued, err := svc.IssueServiceToken(ctx, Caller{UserID: "alice"}, "wiki")
	require.NoError(t, err)

	ms.SetErr(errors.New("connection refused"))
	_, err = svc.RedeemServiceToken(ctx, issued.Token, RedeemOptions{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, store.ErrTokenUsed)

	// Once the store is back the token is still good.
	ms.SetErr(nil)
	_, err = svc.RedeemServiceToken(ctx, issued.Token, RedeemOptions{})
	require.NoError(t, err)
}

func TestRedeemServiceToken_AuditFailureDoesNotChangeResult(t *testing.T) {
	svc, ms := newMockService(t)
	ctx := context.Background()

	issued, err := svc.IssueServiceToken(ctx, Caller{UserID: "alice"}, "wiki")
	require.NoError(t, err)

	ms.AuditErr = errors.New("audit table locked")
	claims, err := svc.RedeemServiceToken(ctx, issued.Token, RedeemOptions{})
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
}
