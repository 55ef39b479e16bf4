package memory

import (
	"context"
	"sync"
	"time"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

// IdempotencyStore is an in-memory implementation of storage.IdempotencyStore.
type IdempotencyStore struct {
	mu   sync.Mutex
	data map[string]*domain.IdempotencyRecord // keyed by idempotency key

	// unavailable simulates a persistence outage in tests.
	unavailable error
}

// NewIdempotencyStore creates a new in-memory idempotency store.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{
		data: make(map[string]*domain.IdempotencyRecord),
	}
}

// SetUnavailable makes every call fail with err until called with nil.
func (s *IdempotencyStore) SetUnavailable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = err
}

func cloneRecord(r *domain.IdempotencyRecord) *domain.IdempotencyRecord {
	cp := *r
	if r.Response != nil {
		cp.Response = append([]byte(nil), r.Response...)
	}
	return &cp
}

// Reserve atomically inserts rec unless a live record with the same key exists.
func (s *IdempotencyStore) Reserve(_ context.Context, rec *domain.IdempotencyRecord) (bool, *domain.IdempotencyRecord, error) {
	if rec == nil || rec.Key == "" || !rec.Status.IsValid() {
		return false, nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable != nil {
		return false, nil, s.unavailable
	}

	if existing, exists := s.data[rec.Key]; exists && !existing.Expired(rec.CreatedAt) {
		return false, cloneRecord(existing), nil
	}

	s.data[rec.Key] = cloneRecord(rec)
	return true, nil, nil
}

// Get retrieves a record. Returns ErrNotFound if not exists.
func (s *IdempotencyStore) Get(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable != nil {
		return nil, s.unavailable
	}

	r, exists := s.data[key]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return cloneRecord(r), nil
}

// Finish sets the final status and cached response of a pending record.
func (s *IdempotencyStore) Finish(_ context.Context, key string, status domain.IdempotencyStatus, orderID string, response []byte) error {
	if !status.IsValid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable != nil {
		return s.unavailable
	}

	r, exists := s.data[key]
	if !exists || r.Status != domain.IdempotencyPending {
		return storage.ErrNotFound
	}

	next := cloneRecord(r)
	next.Status = status
	if orderID != "" {
		next.OrderID = orderID
	}
	next.Response = append([]byte(nil), response...)
	s.data[key] = next
	return nil
}

// UpdateOutcome rewrites the outcome of a finished record owned by orderID.
func (s *IdempotencyStore) UpdateOutcome(_ context.Context, key, orderID string, status domain.IdempotencyStatus, response []byte) error {
	if orderID == "" || !status.IsValid() || status == domain.IdempotencyPending {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable != nil {
		return s.unavailable
	}

	r, exists := s.data[key]
	if !exists || r.Status == domain.IdempotencyPending || r.OrderID != orderID {
		return storage.ErrNotFound
	}

	next := cloneRecord(r)
	next.Status = status
	next.Response = append([]byte(nil), response...)
	s.data[key] = next
	return nil
}

// DeletePending removes a record that is still pending.
func (s *IdempotencyStore) DeletePending(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable != nil {
		return s.unavailable
	}

	r, exists := s.data[key]
	if !exists || r.Status != domain.IdempotencyPending {
		return storage.ErrNotFound
	}
	delete(s.data, key)
	return nil
}

// DeleteExpired removes records expired at now and returns how many.
func (s *IdempotencyStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable != nil {
		return 0, s.unavailable
	}

	var n int64
	for key, r := range s.data {
		if r.Expired(now) {
			delete(s.data, key)
			n++
		}
	}
	return n, nil
}

var _ storage.IdempotencyStore = (*IdempotencyStore)(nil)
