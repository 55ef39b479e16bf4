package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

// ReconciliationStore is an in-memory implementation of storage.ReconciliationStore.
type ReconciliationStore struct {
	mu            sync.RWMutex
	runs          map[string]*domain.ReconciliationRun
	discrepancies map[string]*domain.Discrepancy
}

// NewReconciliationStore creates a new in-memory reconciliation store.
func NewReconciliationStore() *ReconciliationStore {
	return &ReconciliationStore{
		runs:          make(map[string]*domain.ReconciliationRun),
		discrepancies: make(map[string]*domain.Discrepancy),
	}
}

func cloneDiscrepancy(d *domain.Discrepancy) *domain.Discrepancy {
	cp := *d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// InsertRun records a reconciliation run.
func (s *ReconciliationStore) InsertRun(_ context.Context, r *domain.ReconciliationRun) error {
	if r == nil || r.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[r.ID]; exists {
		return storage.ErrDuplicateKey
	}
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

// ListRuns retrieves runs started within [start, end] ordered by started_at ASC.
func (s *ReconciliationStore) ListRuns(_ context.Context, start, end time.Time) ([]*domain.ReconciliationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ReconciliationRun
	for _, r := range s.runs {
		if r.StartedAt.Before(start) || r.StartedAt.After(end) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

// InsertDiscrepancy adds a discrepancy.
func (s *ReconciliationStore) InsertDiscrepancy(_ context.Context, d *domain.Discrepancy) error {
	if d == nil || d.ID == "" || d.Token == "" || !d.Severity.IsValid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.discrepancies[d.ID]; exists {
		return storage.ErrDuplicateKey
	}
	s.discrepancies[d.ID] = cloneDiscrepancy(d)
	return nil
}

// GetDiscrepancy retrieves a discrepancy. Returns ErrNotFound if not exists.
func (s *ReconciliationStore) GetDiscrepancy(_ context.Context, id string) (*domain.Discrepancy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, exists := s.discrepancies[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return cloneDiscrepancy(d), nil
}

// ListDiscrepancies retrieves discrepancies matching the filter ordered by created_at ASC.
func (s *ReconciliationStore) ListDiscrepancies(_ context.Context, f storage.DiscrepancyFilter) ([]*domain.Discrepancy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Discrepancy
	for _, d := range s.discrepancies {
		if f.Token != "" && d.Token != f.Token {
			continue
		}
		if f.Resolved != nil && d.Resolved != *f.Resolved {
			continue
		}
		if f.MinSeverity != "" && d.Severity.Rank() < f.MinSeverity.Rank() {
			continue
		}
		result = append(result, cloneDiscrepancy(d))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ResolveDiscrepancy marks an unresolved discrepancy resolved.
func (s *ReconciliationStore) ResolveDiscrepancy(_ context.Context, id, resolution string, at time.Time) error {
	if resolution == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, exists := s.discrepancies[id]
	if !exists {
		return storage.ErrNotFound
	}
	if d.Resolved {
		return storage.ErrTerminal
	}

	d.Resolved = true
	d.Resolution = resolution
	t := at
	d.ResolvedAt = &t
	return nil
}

var _ storage.ReconciliationStore = (*ReconciliationStore)(nil)
