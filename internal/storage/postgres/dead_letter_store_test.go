package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

func newTestDeadLetter(id string, maxRetries int) *domain.DeadLetter {
	return &domain.DeadLetter{
		ID:            id,
		OperationType: "submit_order",
		Payload:       []byte(`{"token":"YES"}`),
		LastError:     "timeout",
		MaxRetries:    maxRetries,
		Status:        domain.DeadLetterPending,
		NextAttemptAt: ts(0),
		CreatedAt:     ts(0),
		UpdatedAt:     ts(0),
	}
}

func TestDeadLetterStore_RetryLifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewDeadLetterStore(pool)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, newTestDeadLetter("dl-1", 1)))

	claimed, err := store.ClaimDue(ctx, ts(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, domain.DeadLetterRetrying, claimed[0].Status)
	assert.JSONEq(t, `{"token":"YES"}`, string(claimed[0].Payload))

	d, err := store.RecordFailure(ctx, "dl-1", "still down", ts(time.Minute), ts(time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterPending, d.Status)
	assert.Equal(t, 1, d.RetryCount)

	// Not yet due.
	claimed, err = store.ClaimDue(ctx, ts(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = store.ClaimDue(ctx, ts(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	d, err = store.RecordFailure(ctx, "dl-1", "still down", ts(2*time.Minute), ts(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterFailed, d.Status)
	assert.Equal(t, 2, d.RetryCount)

	_, err = store.RecordFailure(ctx, "dl-1", "again", ts(3*time.Minute), ts(time.Minute))
	assert.ErrorIs(t, err, storage.ErrTerminal)
}

func TestDeadLetterStore_RetryBoundEnforcedBySchema(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewDeadLetterStore(pool)
	ctx := context.Background()

	d := newTestDeadLetter("dl-over", 2)
	d.RetryCount = 4
	assert.ErrorIs(t, store.Insert(ctx, d), storage.ErrInvariant)

	_, err := pool.Exec(ctx, `
		INSERT INTO dead_letters (id, operation_type, payload, retry_count, max_retries, status, next_attempt_at, created_at, updated_at)
		VALUES ('dl-raw', 'x', '{}', 3, 2, 'failed', now(), now(), now())
	`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `UPDATE dead_letters SET retry_count = 4 WHERE id = 'dl-raw'`)
	assert.True(t, isInvariantError(err))
}

func TestDeadLetterStore_ResolvedIsTerminal(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewDeadLetterStore(pool)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, newTestDeadLetter("dl-1", 3)))

	require.NoError(t, store.Resolve(ctx, "dl-1", "manual", ts(time.Second)))
	assert.ErrorIs(t, store.Resolve(ctx, "dl-1", "again", ts(time.Second)), storage.ErrTerminal)
	assert.ErrorIs(t, store.MarkFailed(ctx, "dl-1", "boom", ts(time.Second)), storage.ErrTerminal)

	// The trigger guards writes that bypass the store.
	_, err := pool.Exec(ctx, `UPDATE dead_letters SET status = 'pending' WHERE id = 'dl-1'`)
	assert.True(t, isInvariantError(err))

	d, err := store.GetByID(ctx, "dl-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterResolved, d.Status)
	require.NotNil(t, d.ResolvedAt)
}

func TestDeadLetterStore_ConcurrentClaimDisjoint(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewDeadLetterStore(pool)
	ctx := context.Background()

	const entries = 20
	for i := 0; i < entries; i++ {
		require.NoError(t, store.Insert(ctx, newTestDeadLetter(fmt.Sprintf("dl-%02d", i), 3)))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]int)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.ClaimDue(ctx, ts(time.Second), 5)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, d := range claimed {
				seen[d.ID]++
			}
		}()
	}
	wg.Wait()

	assert.NotEmpty(t, seen)
	for id, n := range seen {
		assert.Equal(t, 1, n, "entry %s claimed %d times", id, n)
	}
}

func TestDeadLetterStore_ReleaseStale(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewDeadLetterStore(pool)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, newTestDeadLetter("dl-1", 3)))

	_, err := store.ClaimDue(ctx, ts(time.Second), 1)
	require.NoError(t, err)

	n, err := store.ReleaseStale(ctx, ts(time.Second), ts(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = store.ReleaseStale(ctx, ts(10*time.Minute), ts(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := store.ListByStatus(ctx, domain.DeadLetterPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].RetryCount)
}
