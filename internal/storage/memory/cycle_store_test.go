package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

func TestCycleStore_CompareAndSwap(t *testing.T) {
	store := NewCycleStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	c := &domain.Cycle{ID: "c1", State: domain.CycleIdle, CreatedAt: now, UpdatedAt: now}
	if err := store.Insert(ctx, c); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Insert(ctx, c); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}

	next := c.Clone()
	next.State = domain.CycleLeg1Pending
	next.Version = 1
	next.CreatedAt = now.Add(time.Hour)
	if err := store.CompareAndSwap(ctx, next, 0, domain.CycleIdle); err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}

	got, err := store.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Version != 1 || got.State != domain.CycleLeg1Pending {
		t.Errorf("unexpected cycle: version=%d state=%s", got.Version, got.State)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt changed: got %v", got.CreatedAt)
	}

	if err := store.CompareAndSwap(ctx, next, 0, domain.CycleIdle); !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict, got %v", err)
	}

	bad := next.Clone()
	bad.Version = 5
	if err := store.CompareAndSwap(ctx, bad, 1, domain.CycleLeg1Pending); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for skipped version, got %v", err)
	}
}

func TestCycleStore_ConcurrentSwapSingleWinner(t *testing.T) {
	store := NewCycleStore()
	ctx := context.Background()
	if err := store.Insert(ctx, &domain.Cycle{ID: "c1", State: domain.CycleIdle}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.CompareAndSwap(ctx, &domain.Cycle{ID: "c1", State: domain.CycleAborted, Version: 1}, 0, domain.CycleIdle)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}

func TestCycleStore_ReturnsCopies(t *testing.T) {
	store := NewCycleStore()
	ctx := context.Background()
	_ = store.Insert(ctx, &domain.Cycle{ID: "c1", State: domain.CycleIdle})

	got, _ := store.GetByID(ctx, "c1")
	got.State = domain.CycleCompleted

	again, _ := store.GetByID(ctx, "c1")
	if again.State != domain.CycleIdle {
		t.Errorf("store mutated through returned pointer: %s", again.State)
	}
}
