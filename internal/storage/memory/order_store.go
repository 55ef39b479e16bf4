package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

// OrderStore is an in-memory implementation of storage.OrderStore.
type OrderStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Order // keyed by client_order_id
}

// NewOrderStore creates a new in-memory order store.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		data: make(map[string]*domain.Order),
	}
}

func cloneOrder(o *domain.Order) *domain.Order {
	cp := *o
	if o.ExchangeOrderID != nil {
		id := *o.ExchangeOrderID
		cp.ExchangeOrderID = &id
	}
	return &cp
}

// Insert adds a new order. Returns ErrDuplicateKey if the client order id exists or
// another live order exists for the same cycle leg.
func (s *OrderStore) Insert(_ context.Context, o *domain.Order) error {
	if o == nil || o.ClientOrderID == "" || !o.Status.IsValid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[o.ClientOrderID]; exists {
		return storage.ErrDuplicateKey
	}
	if o.CycleID != "" && o.Status.IsLive() {
		for _, other := range s.data {
			if other.CycleID == o.CycleID && other.Leg == o.Leg && other.Status.IsLive() {
				return storage.ErrDuplicateKey
			}
		}
	}

	s.data[o.ClientOrderID] = cloneOrder(o)
	return nil
}

// GetByClientID retrieves an order. Returns ErrNotFound if not exists.
func (s *OrderStore) GetByClientID(_ context.Context, clientOrderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, exists := s.data[clientOrderID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return cloneOrder(o), nil
}

// GetByCycle retrieves all orders of a cycle, ordered by created_at ASC.
func (s *OrderStore) GetByCycle(_ context.Context, cycleID string) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Order
	for _, o := range s.data {
		if o.CycleID == cycleID {
			result = append(result, cloneOrder(o))
		}
	}
	sortOrders(result)
	return result, nil
}

// Update writes status, fill and exchange fields of a non-terminal order.
func (s *OrderStore) Update(_ context.Context, o *domain.Order) error {
	if o == nil || o.ClientOrderID == "" || !o.Status.IsValid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.data[o.ClientOrderID]
	if !exists {
		return storage.ErrNotFound
	}
	if current.Status.IsTerminal() {
		return storage.ErrTerminal
	}

	next := cloneOrder(current)
	next.Status = o.Status
	next.FilledSize = o.FilledSize
	next.LastError = o.LastError
	next.UpdatedAt = o.UpdatedAt
	if o.ExchangeOrderID != nil {
		id := *o.ExchangeOrderID
		next.ExchangeOrderID = &id
	}
	s.data[o.ClientOrderID] = next
	return nil
}

// ListLive retrieves non-terminal orders created at or before olderThan.
func (s *OrderStore) ListLive(_ context.Context, olderThan time.Time) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Order
	for _, o := range s.data {
		if o.Status.IsLive() && !o.CreatedAt.After(olderThan) {
			result = append(result, cloneOrder(o))
		}
	}
	sortOrders(result)
	return result, nil
}

func sortOrders(orders []*domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ClientOrderID < orders[j].ClientOrderID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

var _ storage.OrderStore = (*OrderStore)(nil)
