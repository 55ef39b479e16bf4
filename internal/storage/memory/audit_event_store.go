package memory

import (
	"context"
	"sort"
	"sync"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

// AuditEventStore is an in-memory implementation of storage.AuditEventStore.
type AuditEventStore struct {
	mu     sync.RWMutex
	events []*domain.AuditEvent
	ids    map[string]struct{}
}

// NewAuditEventStore creates a new in-memory audit event store.
func NewAuditEventStore() *AuditEventStore {
	return &AuditEventStore{
		ids: make(map[string]struct{}),
	}
}

// Append adds an event. Returns ErrDuplicateKey if id exists.
func (s *AuditEventStore) Append(_ context.Context, e *domain.AuditEvent) error {
	if e == nil || e.ID == "" || e.EntityType == "" || e.Action == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[e.ID]; exists {
		return storage.ErrDuplicateKey
	}

	cp := *e
	if e.Details != nil {
		cp.Details = append([]byte(nil), e.Details...)
	}
	s.ids[e.ID] = struct{}{}
	s.events = append(s.events, &cp)
	return nil
}

// Query retrieves events matching q ordered by created_at ASC.
func (s *AuditEventStore) Query(_ context.Context, q domain.AuditQuery) ([]*domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.AuditEvent
	for _, e := range s.events {
		if q.EntityType != "" && e.EntityType != q.EntityType {
			continue
		}
		if q.EntityID != "" && e.EntityID != q.EntityID {
			continue
		}
		if !q.Start.IsZero() && e.CreatedAt.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && e.CreatedAt.After(q.End) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	// Stable keeps append order for equal timestamps.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

var _ storage.AuditEventStore = (*AuditEventStore)(nil)
