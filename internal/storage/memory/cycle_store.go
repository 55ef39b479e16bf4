package memory

import (
	"context"
	"sort"
	"sync"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

// CycleStore is an in-memory implementation of storage.CycleStore.
type CycleStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Cycle // keyed by cycle id
}

// NewCycleStore creates a new in-memory cycle store.
func NewCycleStore() *CycleStore {
	return &CycleStore{
		data: make(map[string]*domain.Cycle),
	}
}

// Insert adds a new cycle. Returns ErrDuplicateKey if id exists.
func (s *CycleStore) Insert(_ context.Context, c *domain.Cycle) error {
	if c == nil || c.ID == "" || !c.State.IsValid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[c.ID]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[c.ID] = c.Clone()
	return nil
}

// GetByID retrieves a cycle. Returns ErrNotFound if not exists.
func (s *CycleStore) GetByID(_ context.Context, id string) (*domain.Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return c.Clone(), nil
}

// CompareAndSwap replaces the stored cycle if version and state still match.
func (s *CycleStore) CompareAndSwap(_ context.Context, next *domain.Cycle, expectedVersion int64, fromState domain.CycleState) error {
	if next == nil || next.ID == "" || next.Version != expectedVersion+1 || !next.State.IsValid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.data[next.ID]
	if !exists {
		return storage.ErrNotFound
	}
	if current.Version != expectedVersion || current.State != fromState {
		return storage.ErrVersionConflict
	}

	stored := next.Clone()
	stored.CreatedAt = current.CreatedAt
	s.data[next.ID] = stored
	return nil
}

// ListByState retrieves cycles in any of the given states, ordered by created_at ASC.
func (s *CycleStore) ListByState(_ context.Context, states ...domain.CycleState) ([]*domain.Cycle, error) {
	want := make(map[domain.CycleState]struct{}, len(states))
	for _, st := range states {
		want[st] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Cycle
	for _, c := range s.data {
		if _, ok := want[c.State]; ok {
			result = append(result, c.Clone())
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

var _ storage.CycleStore = (*CycleStore)(nil)
