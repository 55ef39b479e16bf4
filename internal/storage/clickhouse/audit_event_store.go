package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

// AuditEventStore implements storage.AuditEventStore using ClickHouse.
// It serves as the analytical mirror of the primary audit log.
type AuditEventStore struct {
	conn *Conn
}

// NewAuditEventStore creates a new AuditEventStore.
func NewAuditEventStore(conn *Conn) *AuditEventStore {
	return &AuditEventStore{conn: conn}
}

// Compile-time interface check.
var _ storage.AuditEventStore = (*AuditEventStore)(nil)

// Append adds an event. Returns ErrDuplicateKey if id exists.
func (s *AuditEventStore) Append(ctx context.Context, e *domain.AuditEvent) error {
	return s.AppendBulk(ctx, []*domain.AuditEvent{e})
}

// AppendBulk adds multiple events in one batch. Fails entire batch on duplicate id.
func (s *AuditEventStore) AppendBulk(ctx context.Context, events []*domain.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e == nil || e.ID == "" || e.EntityType == "" || e.Action == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := seen[e.ID]; exists {
			return storage.ErrDuplicateKey
		}
		seen[e.ID] = struct{}{}
	}

	for _, e := range events {
		exists, err := s.exists(ctx, e.ID)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO audit_events (
			id, entity_type, entity_id, action, from_state, to_state, success, error, details, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range events {
		var success uint8
		if e.Success {
			success = 1
		}
		err = batch.Append(
			e.ID, e.EntityType, e.EntityID, e.Action, e.FromState, e.ToState,
			success, e.Error, string(e.Details), e.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// Query retrieves events matching q ordered by created_at ASC.
func (s *AuditEventStore) Query(ctx context.Context, q domain.AuditQuery) ([]*domain.AuditEvent, error) {
	var where []string
	var args []any
	if q.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, q.EntityType)
	}
	if q.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, q.EntityID)
	}
	if !q.Start.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Start.UTC())
	}
	if !q.End.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, q.End.UTC())
	}

	query := `
		SELECT id, entity_type, entity_id, action, from_state, to_state, success, error, details, created_at
		FROM audit_events FINAL
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanAuditEvents(rows)
}

func (s *AuditEventStore) exists(ctx context.Context, id string) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, `SELECT count(*) FROM audit_events WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func scanAuditEvents(rows chRows) ([]*domain.AuditEvent, error) {
	var events []*domain.AuditEvent

	for rows.Next() {
		var e domain.AuditEvent
		var success uint8
		var details string
		var createdAt time.Time

		err := rows.Scan(
			&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.FromState, &e.ToState,
			&success, &e.Error, &details, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event row: %w", err)
		}

		e.Success = success == 1
		if details != "" {
			e.Details = []byte(details)
		}
		e.CreatedAt = createdAt.UTC()
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit event rows: %w", err)
	}

	return events, nil
}
