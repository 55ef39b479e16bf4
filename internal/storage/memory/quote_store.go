package memory

import (
	"context"
	"sync"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

type quoteKey struct {
	token string
	side  domain.Side
}

// QuoteStore is an in-memory implementation of storage.QuoteStore.
type QuoteStore struct {
	mu   sync.RWMutex
	data map[quoteKey]*domain.Quote
}

// NewQuoteStore creates a new in-memory quote store.
func NewQuoteStore() *QuoteStore {
	return &QuoteStore{
		data: make(map[quoteKey]*domain.Quote),
	}
}

// Upsert stores q unless a newer observation exists.
func (s *QuoteStore) Upsert(_ context.Context, q *domain.Quote) (bool, error) {
	if q == nil || q.Token == "" || !q.Side.IsValid() || q.ObservedAt.IsZero() {
		return false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := quoteKey{token: q.Token, side: q.Side}
	if current, exists := s.data[key]; exists && !current.ObservedAt.Before(q.ObservedAt) {
		return false, nil
	}

	cp := *q
	s.data[key] = &cp
	return true, nil
}

// Get retrieves the last observation. Returns ErrNotFound if not exists.
func (s *QuoteStore) Get(_ context.Context, token string, side domain.Side) (*domain.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, exists := s.data[quoteKey{token: token, side: side}]
	if !exists {
		return nil, storage.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

var _ storage.QuoteStore = (*QuoteStore)(nil)
