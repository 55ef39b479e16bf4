package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

func newTestCycle(id string) *domain.Cycle {
	return &domain.Cycle{
		ID:        id,
		Strategy:  "dump-hedge",
		Market:    "btc-updown-15m",
		State:     domain.CycleIdle,
		Version:   0,
		CreatedAt: ts(0),
		UpdatedAt: ts(0),
	}
}

func TestCycleStore_InsertAndGetByID(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewCycleStore(pool)
	ctx := context.Background()

	c := newTestCycle("cycle-001")
	require.NoError(t, store.Insert(ctx, c))

	got, err := store.GetByID(ctx, "cycle-001")
	require.NoError(t, err)
	assert.Equal(t, domain.CycleIdle, got.State)
	assert.Equal(t, int64(0), got.Version)
	assert.True(t, got.RealizedPnL.IsZero())
	assert.Nil(t, got.Leg1.FilledAt)

	err = store.Insert(ctx, c)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	_, err = store.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCycleStore_CompareAndSwap(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewCycleStore(pool)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, newTestCycle("cycle-cas")))

	next := newTestCycle("cycle-cas")
	next.State = domain.CycleLeg1Pending
	next.Version = 1
	next.Leg1 = domain.Leg{
		Side:       domain.SideBuy,
		Token:      "YES",
		EntryPrice: decimal.RequireFromString("0.42"),
		Shares:     decimal.RequireFromString("100"),
	}
	next.UpdatedAt = ts(1)
	require.NoError(t, store.CompareAndSwap(ctx, next, 0, domain.CycleIdle))

	got, err := store.GetByID(ctx, "cycle-cas")
	require.NoError(t, err)
	assert.Equal(t, domain.CycleLeg1Pending, got.State)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, decimal.RequireFromString("0.42").Equal(got.Leg1.EntryPrice))

	// Same version again loses.
	err = store.CompareAndSwap(ctx, next, 0, domain.CycleIdle)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	// Right version, wrong state loses too.
	stale := next.Clone()
	stale.Version = 2
	err = store.CompareAndSwap(ctx, stale, 1, domain.CycleIdle)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	missing := newTestCycle("nope")
	missing.Version = 1
	err = store.CompareAndSwap(ctx, missing, 0, domain.CycleIdle)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCycleStore_CompareAndSwapSingleWinner(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewCycleStore(pool)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, newTestCycle("cycle-race")))

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := newTestCycle("cycle-race")
			next.State = domain.CycleLeg1Pending
			next.Version = 1
			results <- store.CompareAndSwap(ctx, next, 0, domain.CycleIdle)
		}()
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, storage.ErrVersionConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
}

func TestCycleStore_ListByState(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewCycleStore(pool)
	ctx := context.Background()

	for i, id := range []string{"c1", "c2", "c3"} {
		c := newTestCycle(id)
		c.CreatedAt = ts(time.Duration(i) * time.Second)
		require.NoError(t, store.Insert(ctx, c))
	}
	next := newTestCycle("c2")
	next.State = domain.CycleAborted
	next.Version = 1
	require.NoError(t, store.CompareAndSwap(ctx, next, 0, domain.CycleIdle))

	idle, err := store.ListByState(ctx, domain.CycleIdle)
	require.NoError(t, err)
	require.Len(t, idle, 2)
	assert.Equal(t, "c1", idle[0].ID)
	assert.Equal(t, "c3", idle[1].ID)

	all, err := store.ListByState(ctx, domain.CycleIdle, domain.CycleAborted)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
