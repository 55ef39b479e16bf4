package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

// PositionStore is an in-memory implementation of storage.PositionStore.
type PositionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Position // keyed by token
}

// NewPositionStore creates a new in-memory position store.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		data: make(map[string]*domain.Position),
	}
}

// Get retrieves a position. Returns ErrNotFound if not exists.
func (s *PositionStore) Get(_ context.Context, token string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.data[token]
	if !exists {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ListOpen retrieves all open positions ordered by token.
func (s *PositionStore) ListOpen(_ context.Context) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Position
	for _, p := range s.data {
		if p.Status == domain.PositionOpen {
			cp := *p
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Token < result[j].Token
	})
	return result, nil
}

// ApplyFill atomically applies a fill, creating the position if needed.
func (s *PositionStore) ApplyFill(_ context.Context, token string, side domain.Side, shares, price decimal.Decimal, at time.Time) (*domain.Position, error) {
	if token == "" || !side.IsValid() || !shares.IsPositive() || price.IsNegative() {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := domain.Position{Token: token}
	if p, exists := s.data[token]; exists {
		current = *p
	}

	next := current.ApplyFill(side, shares, price, at)
	s.data[token] = &next

	cp := next
	return &cp, nil
}

// SetShares overwrites the share count, creating the position if needed.
func (s *PositionStore) SetShares(_ context.Context, token string, shares, priceHint decimal.Decimal, at time.Time) (*domain.Position, error) {
	if token == "" || shares.IsNegative() {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.data[token]
	if !exists {
		p = &domain.Position{Token: token, AvgEntryPrice: priceHint, OpenedAt: at}
		s.data[token] = p
	}

	p.Shares = shares
	p.UpdatedAt = at
	if shares.IsPositive() {
		p.Status = domain.PositionOpen
	} else {
		p.Status = domain.PositionClosed
	}

	cp := *p
	return &cp, nil
}

var _ storage.PositionStore = (*PositionStore)(nil)
