// Package audit appends state transitions, reconciliation runs and retry
// decisions to the append-only event log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"order-engine/internal/domain"
	"order-engine/internal/observability"
	"order-engine/internal/storage"
)

// Event is one entry to record. Err and Details are optional.
type Event struct {
	EntityType string
	EntityID   string
	Action     string
	FromState  string
	ToState    string
	Success    bool
	Err        error
	Details    any
}

// Options for creating a Log.
type Options struct {
	// Store is the primary, durable event log.
	Store storage.AuditEventStore

	// Mirror receives a best-effort copy of every event (ClickHouse). Optional.
	Mirror storage.AuditEventStore

	Logger *zap.SugaredLogger
	Now    func() time.Time
}

// Log writes audit events. A nil *Log discards events.
type Log struct {
	store  storage.AuditEventStore
	mirror storage.AuditEventStore
	logger *zap.SugaredLogger
	now    func() time.Time
}

// New creates a new Log.
func New(opts Options) *Log {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Log{
		store:  opts.Store,
		mirror: opts.Mirror,
		logger: observability.OrNop(opts.Logger).Named("audit"),
		now:    now,
	}
}

// Record appends e to the log. A failure is logged and counted and returned
// to the caller, which must not roll back the state change it describes.
func (l *Log) Record(ctx context.Context, e Event) error {
	if l == nil || l.store == nil {
		return nil
	}

	ev, err := l.build(e)
	if err != nil {
		observability.RecordAuditWriteError()
		l.logger.Errorw("encode audit event", "entity_type", e.EntityType, "entity_id", e.EntityID, "error", err)
		return err
	}

	if err := l.store.Append(ctx, ev); err != nil {
		observability.RecordAuditWriteError()
		l.logger.Errorw("append audit event",
			"entity_type", ev.EntityType, "entity_id", ev.EntityID, "action", ev.Action, "error", err)
		return fmt.Errorf("append audit event: %w", err)
	}

	if l.mirror != nil {
		if err := l.mirror.Append(ctx, ev); err != nil {
			l.logger.Warnw("mirror audit event", "id", ev.ID, "error", err)
		}
	}
	return nil
}

// Query reads events from the primary store.
func (l *Log) Query(ctx context.Context, q domain.AuditQuery) ([]*domain.AuditEvent, error) {
	if l == nil || l.store == nil {
		return nil, nil
	}
	events, err := l.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	return events, nil
}

func (l *Log) build(e Event) (*domain.AuditEvent, error) {
	ev := &domain.AuditEvent{
		ID:         uuid.NewString(),
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Action:     e.Action,
		FromState:  e.FromState,
		ToState:    e.ToState,
		Success:    e.Success,
		CreatedAt:  l.now().UTC(),
	}
	if e.Err != nil {
		ev.Error = e.Err.Error()
	}
	if e.Details != nil {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return nil, fmt.Errorf("marshal details: %w", err)
		}
		ev.Details = raw
	}
	return ev, nil
}
