package clickhouse

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
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewAuditEventStore(conn)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	events := []*domain.AuditEvent{
		{ID: "e1", EntityType: domain.EntityCycle, EntityID: "c1", Action: "submit_leg1", FromState: "idle", ToState: "leg1_pending", Success: true, CreatedAt: base},
		{ID: "e2", EntityType: domain.EntityCycle, EntityID: "c1", Action: "fill_leg1", Success: false, Error: "version conflict", CreatedAt: base.Add(time.Second)},
		{ID: "e3", EntityType: domain.EntityDeadLetter, EntityID: "dl-1", Action: "capture", Success: true, Details: []byte(`{"op":"submit_order"}`), CreatedAt: base.Add(2 * time.Second)},
	}
	require.NoError(t, store.AppendBulk(ctx, events))

	err := store.Append(ctx, events[0])
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	got, err := store.Query(ctx, domain.AuditQuery{EntityType: domain.EntityCycle})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.True(t, got[0].Success)
	assert.False(t, got[1].Success)
	assert.Equal(t, "version conflict", got[1].Error)

	windowed, err := store.Query(ctx, domain.AuditQuery{Start: base.Add(2 * time.Second)})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.JSONEq(t, `{"op":"submit_order"}`, string(windowed[0].Details))
	assert.True(t, base.Add(2*time.Second).Equal(windowed[0].CreatedAt))
}

func TestAuditEventStore_RejectsDuplicateInBatch(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewAuditEventStore(conn)
	ctx := context.Background()

	e := &domain.AuditEvent{ID: "dup", EntityType: domain.EntityOrder, Action: "submit", CreatedAt: time.Now()}
	err := store.AppendBulk(ctx, []*domain.AuditEvent{e, e})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}
