// ABOUTME: Tests for audit event store operations
// ABOUTME: Covers Append and List with filtering for the audit_events table

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore_Append(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	event := &AuditEvent{
		ActorUserID: "u1",
		Action:      AuditChannelAuthorize,
		Description: "authorized login channel",
		IPAddress:   "203.0.113.7",
		Detail:      map[string]any{"delivered": true},
	}

	require.NoError(t, store.AppendAuditEvent(ctx, event))

	// Should have generated ID and timestamp
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.CreatedAt.IsZero())

	events, err := store.ListAuditEvents(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "u1", events[0].ActorUserID)
	assert.Equal(t, "203.0.113.7", events[0].IPAddress)
	assert.Equal(t, true, events[0].Detail["delivered"])
}

func TestAuditStore_AnonymousActor(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendAuditEvent(ctx, &AuditEvent{
		Action:      AuditServiceTokenRedeem,
		Description: "redeem failed: not_found",
	}))

	events, err := store.ListAuditEvents(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].ActorUserID)
	assert.Nil(t, events[0].Detail)
}

func TestAuditStore_RejectsUnknownAction(t *testing.T) {
	store := setupTestStore(t)

	err := store.AppendAuditEvent(context.Background(), &AuditEvent{Action: "format_disk", Description: "x"})
	assert.Error(t, err)
}

func TestAuditStore_List_NewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, action := range ValidAuditActions {
		require.NoError(t, store.AppendAuditEvent(ctx, &AuditEvent{
			ActorUserID: "u1",
			Action:      action,
			Description: string(action),
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}

	events, err := store.ListAuditEvents(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, len(ValidAuditActions))
	assert.Equal(t, AuditSessionRevoke, events[0].Action)
}

func TestAuditStore_List_Filters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	add := func(actor string, action AuditAction, offset time.Duration) {
		require.NoError(t, store.AppendAuditEvent(ctx, &AuditEvent{
			ActorUserID: actor,
			Action:      action,
			Description: "test",
			CreatedAt:   base.Add(offset),
		}))
	}
	add("u1", AuditChannelAuthorize, 0)
	add("u2", AuditChannelAuthorize, time.Minute)
	add("u1", AuditServiceTokenIssue, 2*time.Minute)
	add("", AuditServiceTokenRedeem, 3*time.Minute)

	actor := "u1"
	events, err := store.ListAuditEvents(ctx, AuditFilter{ActorUserID: &actor})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	action := AuditChannelAuthorize
	events, err = store.ListAuditEvents(ctx, AuditFilter{Action: &action})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	since := base.Add(time.Minute)
	until := base.Add(2 * time.Minute)
	events, err = store.ListAuditEvents(ctx, AuditFilter{Since: &since, Until: &until})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, AuditServiceTokenIssue, events[0].Action)

	events, err = store.ListAuditEvents(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, AuditServiceTokenRedeem, events[0].Action)
}
