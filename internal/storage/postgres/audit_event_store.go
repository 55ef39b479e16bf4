package postgres

import (
	"context"
	"fmt"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

// AuditEventStore implements storage.AuditEventStore using PostgreSQL.
// The table rejects UPDATE and DELETE.
type AuditEventStore struct {
	pool *Pool
}

// NewAuditEventStore creates a new AuditEventStore.
func NewAuditEventStore(pool *Pool) *AuditEventStore {
	return &AuditEventStore{pool: pool}
}

// Compile-time interface check.
var _ storage.AuditEventStore = (*AuditEventStore)(nil)

// Append adds an event. Returns ErrDuplicateKey if id exists.
func (s *AuditEventStore) Append(ctx context.Context, e *domain.AuditEvent) error {
	if e == nil || e.ID == "" || e.EntityType == "" || e.Action == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO audit_events (
			id, entity_type, entity_id, action, from_state, to_state, success, error, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		e.ID, e.EntityType, e.EntityID, e.Action, e.FromState, e.ToState, e.Success, e.Error,
		nullJSON(e.Details), e.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Query retrieves events matching q ordered by created_at ASC.
func (s *AuditEventStore) Query(ctx context.Context, q domain.AuditQuery) ([]*domain.AuditEvent, error) {
	query := `
		SELECT id, entity_type, entity_id, action, from_state, to_state, success, error, details, created_at
		FROM audit_events
		WHERE ($1 = '' OR entity_type = $1)
		  AND ($2 = '' OR entity_id = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		  AND ($4::timestamptz IS NULL OR created_at <= $4)
		ORDER BY created_at ASC, id ASC
	`
	args := []any{q.EntityType, q.EntityID, nullTime(q.Start), nullTime(q.End)}
	if q.Limit > 0 {
		query += ` LIMIT $5`
		args = append(args, q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []*domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(
			&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.FromState, &e.ToState,
			&e.Success, &e.Error, &e.Details, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit event row: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit event rows: %w", err)
	}
	return events, nil
}
