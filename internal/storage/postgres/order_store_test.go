package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

func newTestOrder(id, cycleID string, leg int) *domain.Order {
	return &domain.Order{
		ClientOrderID:  id,
		CycleID:        cycleID,
		Leg:            leg,
		Venue:          "polymarket",
		Identity:       "wallet-1",
		Token:          "YES",
		Side:           domain.SideBuy,
		Price:          decimal.RequireFromString("0.55"),
		Size:           decimal.RequireFromString("10"),
		Status:         domain.OrderPending,
		Nonce:          1700000000000,
		IdempotencyKey: "key-" + id,
		CreatedAt:      ts(0),
		UpdatedAt:      ts(0),
	}
}

func TestOrderStore_InsertAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewOrderStore(pool)
	ctx := context.Background()

	o := newTestOrder("ord-1", "cycle-1", 1)
	require.NoError(t, store.Insert(ctx, o))

	got, err := store.GetByClientID(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "cycle-1", got.CycleID)
	assert.Equal(t, 1, got.Leg)
	assert.True(t, o.Price.Equal(got.Price))
	assert.True(t, got.FilledSize.IsZero())
	assert.Nil(t, got.ExchangeOrderID)

	assert.ErrorIs(t, store.Insert(ctx, o), storage.ErrDuplicateKey)

	_, err = store.GetByClientID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOrderStore_OneLiveOrderPerLeg(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewOrderStore(pool)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newTestOrder("ord-a", "cycle-1", 1)))

	err := store.Insert(ctx, newTestOrder("ord-b", "cycle-1", 1))
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	// Other leg is independent.
	require.NoError(t, store.Insert(ctx, newTestOrder("ord-c", "cycle-1", 2)))

	// Once the first order is terminal, the leg can be retried.
	done := newTestOrder("ord-a", "cycle-1", 1)
	done.Status = domain.OrderFailed
	done.LastError = "rejected"
	done.UpdatedAt = ts(time.Second)
	require.NoError(t, store.Update(ctx, done))
	require.NoError(t, store.Insert(ctx, newTestOrder("ord-b", "cycle-1", 1)))

	// Standalone orders are not constrained.
	require.NoError(t, store.Insert(ctx, newTestOrder("solo-1", "", 0)))
	require.NoError(t, store.Insert(ctx, newTestOrder("solo-2", "", 0)))

	orders, err := store.GetByCycle(ctx, "cycle-1")
	require.NoError(t, err)
	assert.Len(t, orders, 3)
}

func TestOrderStore_UpdateTerminal(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewOrderStore(pool)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, newTestOrder("ord-1", "", 0)))

	filled := newTestOrder("ord-1", "", 0)
	filled.Status = domain.OrderFilled
	filled.FilledSize = decimal.RequireFromString("10")
	filled.ExchangeOrderID = ptr("ex-99")
	filled.UpdatedAt = ts(time.Second)
	require.NoError(t, store.Update(ctx, filled))

	got, err := store.GetByClientID(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, got.Status)
	require.NotNil(t, got.ExchangeOrderID)
	assert.Equal(t, "ex-99", *got.ExchangeOrderID)

	filled.Status = domain.OrderCancelled
	assert.ErrorIs(t, store.Update(ctx, filled), storage.ErrTerminal)
	assert.ErrorIs(t, store.Update(ctx, newTestOrder("missing", "", 0)), storage.ErrNotFound)
}

func TestOrderStore_ListLive(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewOrderStore(pool)
	ctx := context.Background()

	old := newTestOrder("old", "", 0)
	require.NoError(t, store.Insert(ctx, old))
	recent := newTestOrder("recent", "", 0)
	recent.CreatedAt = ts(time.Hour)
	require.NoError(t, store.Insert(ctx, recent))

	live, err := store.ListLive(ctx, ts(time.Minute))
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "old", live[0].ClientOrderID)
}
