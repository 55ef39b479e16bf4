package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

// DeadLetterStore is an in-memory implementation of storage.DeadLetterStore.
// It enforces the same invariants as the SQL schema: resolved is terminal and
// retry_count never exceeds max_retries+1.
type DeadLetterStore struct {
	mu   sync.Mutex
	data map[string]*domain.DeadLetter
}

// NewDeadLetterStore creates a new in-memory dead letter store.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{
		data: make(map[string]*domain.DeadLetter),
	}
}

func cloneDeadLetter(d *domain.DeadLetter) *domain.DeadLetter {
	cp := *d
	if d.Payload != nil {
		cp.Payload = append([]byte(nil), d.Payload...)
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Insert adds a new entry.
func (s *DeadLetterStore) Insert(_ context.Context, d *domain.DeadLetter) error {
	if d == nil || d.ID == "" || d.OperationType == "" || !d.Status.IsValid() || d.MaxRetries < 0 {
		return storage.ErrInvalidInput
	}
	if d.RetryCount > d.MaxRetries+1 {
		return storage.ErrInvariant
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[d.ID]; exists {
		return storage.ErrDuplicateKey
	}
	s.data[d.ID] = cloneDeadLetter(d)
	return nil
}

// GetByID retrieves an entry. Returns ErrNotFound if not exists.
func (s *DeadLetterStore) GetByID(_ context.Context, id string) (*domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return cloneDeadLetter(d), nil
}

// ClaimDue moves up to limit due pending entries to retrying.
func (s *DeadLetterStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]*domain.DeadLetter, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.DeadLetter
	for _, d := range s.data {
		if d.Status == domain.DeadLetterPending && !d.NextAttemptAt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*domain.DeadLetter, 0, len(due))
	for _, d := range due {
		d.Status = domain.DeadLetterRetrying
		d.UpdatedAt = now
		claimed = append(claimed, cloneDeadLetter(d))
	}
	return claimed, nil
}

// RecordFailure counts a failed retry and reschedules or fails the entry.
func (s *DeadLetterStore) RecordFailure(_ context.Context, id, lastErr string, nextAttempt, at time.Time) (*domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	if d.Status != domain.DeadLetterRetrying {
		return nil, storage.ErrTerminal
	}
	if d.RetryCount+1 > d.MaxRetries+1 {
		return nil, storage.ErrInvariant
	}

	d.RetryCount++
	d.LastError = lastErr
	d.UpdatedAt = at
	if d.RetryCount > d.MaxRetries {
		d.Status = domain.DeadLetterFailed
	} else {
		d.Status = domain.DeadLetterPending
		d.NextAttemptAt = nextAttempt
	}
	return cloneDeadLetter(d), nil
}

// MarkFailed moves a non-resolved entry straight to failed.
func (s *DeadLetterStore) MarkFailed(_ context.Context, id, lastErr string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	if d.Status == domain.DeadLetterResolved {
		return storage.ErrTerminal
	}

	d.Status = domain.DeadLetterFailed
	d.LastError = lastErr
	d.UpdatedAt = at
	return nil
}

// Resolve moves a non-resolved entry to resolved.
func (s *DeadLetterStore) Resolve(_ context.Context, id, resolution string, at time.Time) error {
	if resolution == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	if d.Status == domain.DeadLetterResolved {
		return storage.ErrTerminal
	}

	d.Status = domain.DeadLetterResolved
	d.Resolution = resolution
	d.UpdatedAt = at
	t := at
	d.ResolvedAt = &t
	return nil
}

// ReleaseStale returns retrying entries last touched before cutoff to pending.
func (s *DeadLetterStore) ReleaseStale(_ context.Context, cutoff, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, d := range s.data {
		if d.Status == domain.DeadLetterRetrying && d.UpdatedAt.Before(cutoff) {
			d.Status = domain.DeadLetterPending
			d.NextAttemptAt = at
			d.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

// ListByStatus retrieves entries with the given status ordered by created_at ASC.
func (s *DeadLetterStore) ListByStatus(_ context.Context, status domain.DeadLetterStatus) ([]*domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*domain.DeadLetter
	for _, d := range s.data {
		if d.Status == status {
			result = append(result, cloneDeadLetter(d))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

var _ storage.DeadLetterStore = (*DeadLetterStore)(nil)
