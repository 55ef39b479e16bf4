package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

func TestAuditEventStore_AppendAndQuery(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewAuditEventStore(pool)
	ctx := context.Background()

	events := []*domain.AuditEvent{
		{ID: "e1", EntityType: domain.EntityCycle, EntityID: "c1", Action: "submit_leg1", FromState: "idle", ToState: "leg1_pending", Success: true, CreatedAt: ts(0)},
		{ID: "e2", EntityType: domain.EntityCycle, EntityID: "c1", Action: "fill_leg1", FromState: "leg1_pending", ToState: "leg1_filled", Success: false, Error: "version conflict", CreatedAt: ts(time.Second)},
		{ID: "e3", EntityType: domain.EntityOrder, EntityID: "o1", Action: "submit", Success: true, Details: []byte(`{"nonce":7}`), CreatedAt: ts(2 * time.Second)},
	}
	for _, e := range events {
		require.NoError(t, store.Append(ctx, e))
	}
	assert.ErrorIs(t, store.Append(ctx, events[0]), storage.ErrDuplicateKey)

	cycleEvents, err := store.Query(ctx, domain.AuditQuery{EntityType: domain.EntityCycle, EntityID: "c1"})
	require.NoError(t, err)
	require.Len(t, cycleEvents, 2)
	assert.Equal(t, "e1", cycleEvents[0].ID)
	assert.False(t, cycleEvents[1].Success)
	assert.Equal(t, "version conflict", cycleEvents[1].Error)

	windowed, err := store.Query(ctx, domain.AuditQuery{Start: ts(time.Second), End: ts(2 * time.Second), Limit: 1})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, "e2", windowed[0].ID)

	order, err := store.Query(ctx, domain.AuditQuery{EntityID: "o1"})
	require.NoError(t, err)
	require.Len(t, order, 1)
	assert.JSONEq(t, `{"nonce":7}`, string(order[0].Details))
}

func TestAuditEventStore_AppendOnly(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewAuditEventStore(pool)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, &domain.AuditEvent{
		ID: "e1", EntityType: domain.EntityNonce, EntityID: "wallet-1", Action: "issue", Success: true, CreatedAt: ts(0),
	}))

	_, err := pool.Exec(ctx, `UPDATE audit_events SET action = 'tampered' WHERE id = 'e1'`)
	assert.True(t, isInvariantError(err))

	_, err = pool.Exec(ctx, `DELETE FROM audit_events WHERE id = 'e1'`)
	assert.True(t, isInvariantError(err))
}
