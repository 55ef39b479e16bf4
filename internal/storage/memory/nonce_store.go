package memory

import (
	"context"
	"sync"
	"time"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

type allocationKey struct {
	identity string
	nonce    int64
}

// NonceStore is an in-memory implementation of storage.NonceStore.
// A single mutex makes issue-and-allocate one atomic step, as the SQL
// backend does with a single statement inside a transaction.
type NonceStore struct {
	mu          sync.Mutex
	state       map[string]*domain.NonceState
	allocations map[allocationKey]*domain.NonceAllocation
	highest     map[string]int64 // highest allocated nonce per identity
}

// NewNonceStore creates a new in-memory nonce store.
func NewNonceStore() *NonceStore {
	return &NonceStore{
		state:       make(map[string]*domain.NonceState),
		allocations: make(map[allocationKey]*domain.NonceAllocation),
		highest:     make(map[string]int64),
	}
}

// IssueNext atomically increments the counter and records the allocation.
func (s *NonceStore) IssueNext(_ context.Context, identity string, seed int64, at time.Time) (int64, error) {
	if identity == "" {
		return 0, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var next int64
	st, exists := s.state[identity]
	if exists {
		next = st.Current + 1
	} else {
		next = seed
	}

	key := allocationKey{identity: identity, nonce: next}
	if _, taken := s.allocations[key]; taken {
		return 0, storage.ErrDuplicateKey
	}

	s.state[identity] = &domain.NonceState{Identity: identity, Current: next, UpdatedAt: at}
	s.allocations[key] = &domain.NonceAllocation{
		Identity:  identity,
		Nonce:     next,
		Status:    domain.NonceIssued,
		IssuedAt:  at,
		UpdatedAt: at,
	}
	if next > s.highest[identity] {
		s.highest[identity] = next
	}
	return next, nil
}

// Current returns the identity's counter. Returns ErrNotFound if never issued.
func (s *NonceStore) Current(_ context.Context, identity string) (*domain.NonceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.state[identity]
	if !exists {
		return nil, storage.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

// Reset overwrites the counter. Returns ErrInvariant if value is below the
// highest allocated nonce.
func (s *NonceStore) Reset(_ context.Context, identity string, value int64, at time.Time) error {
	if identity == "" || value < 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.highest[identity]; ok && value < h {
		return storage.ErrInvariant
	}

	s.state[identity] = &domain.NonceState{Identity: identity, Current: value, UpdatedAt: at}
	return nil
}

// MarkAllocation moves an issued allocation to used or released.
func (s *NonceStore) MarkAllocation(_ context.Context, identity string, nonce int64, status domain.NonceAllocationStatus, orderID, reason string, at time.Time) error {
	if status != domain.NonceUsed && status != domain.NonceReleased {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.allocations[allocationKey{identity: identity, nonce: nonce}]
	if !exists {
		return storage.ErrNotFound
	}
	if a.Status != domain.NonceIssued {
		return storage.ErrTerminal
	}

	a.Status = status
	a.OrderID = orderID
	a.Reason = reason
	a.UpdatedAt = at
	return nil
}

// GetAllocation retrieves an allocation. Returns ErrNotFound if not exists.
func (s *NonceStore) GetAllocation(_ context.Context, identity string, nonce int64) (*domain.NonceAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.allocations[allocationKey{identity: identity, nonce: nonce}]
	if !exists {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

var _ storage.NonceStore = (*NonceStore)(nil)
