package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

func TestDeadLetterStore_RetryBound(t *testing.T) {
	store := NewDeadLetterStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	d := &domain.DeadLetter{
		ID: "dl", OperationType: "submit_order", MaxRetries: 2,
		Status: domain.DeadLetterPending, NextAttemptAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Insert(ctx, d); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := store.ClaimDue(ctx, now, 10)
		if err != nil || len(claimed) != 1 {
			t.Fatalf("attempt %d: ClaimDue got %d entries, err=%v", attempt, len(claimed), err)
		}
		got, err := store.RecordFailure(ctx, "dl", "boom", now, now)
		if err != nil {
			t.Fatalf("attempt %d: RecordFailure failed: %v", attempt, err)
		}
		if got.RetryCount != attempt {
			t.Errorf("attempt %d: retry count %d", attempt, got.RetryCount)
		}
	}

	got, _ := store.GetByID(ctx, "dl")
	if got.Status != domain.DeadLetterFailed {
		t.Errorf("expected failed after max retries, got %s", got.Status)
	}
	if got.RetryCount > got.MaxRetries+1 {
		t.Errorf("retry count %d exceeds bound", got.RetryCount)
	}

	over := *d
	over.ID = "over"
	over.RetryCount = 4
	if err := store.Insert(ctx, &over); !errors.Is(err, storage.ErrInvariant) {
		t.Errorf("Expected ErrInvariant, got %v", err)
	}
}

func TestDeadLetterStore_ResolvedIsTerminal(t *testing.T) {
	store := NewDeadLetterStore()
	ctx := context.Background()
	now := time.Now()

	_ = store.Insert(ctx, &domain.DeadLetter{ID: "dl", OperationType: "op", MaxRetries: 1, Status: domain.DeadLetterFailed})
	if err := store.Resolve(ctx, "dl", "manual", now); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if err := store.Resolve(ctx, "dl", "again", now); !errors.Is(err, storage.ErrTerminal) {
		t.Errorf("Expected ErrTerminal on second resolve, got %v", err)
	}
	if err := store.MarkFailed(ctx, "dl", "x", now); !errors.Is(err, storage.ErrTerminal) {
		t.Errorf("Expected ErrTerminal on MarkFailed, got %v", err)
	}
	if _, err := store.RecordFailure(ctx, "dl", "x", now, now); !errors.Is(err, storage.ErrTerminal) {
		t.Errorf("Expected ErrTerminal on RecordFailure, got %v", err)
	}
}
