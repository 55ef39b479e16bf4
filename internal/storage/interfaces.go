package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"order-engine/internal/domain"
)

// CycleStore provides access to cycles storage.
type CycleStore interface {
	// Insert adds a new cycle. Returns ErrDuplicateKey if id exists.
	Insert(ctx context.Context, c *domain.Cycle) error

	// GetByID retrieves a cycle. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.Cycle, error)

	// CompareAndSwap replaces the stored cycle with next if the stored version equals
	// expectedVersion and the stored state equals fromState. next.Version must be
	// expectedVersion+1. Returns ErrVersionConflict otherwise.
	CompareAndSwap(ctx context.Context, next *domain.Cycle, expectedVersion int64, fromState domain.CycleState) error

	// ListByState retrieves cycles in any of the given states, ordered by created_at ASC.
	ListByState(ctx context.Context, states ...domain.CycleState) ([]*domain.Cycle, error)
}

// OrderStore provides access to orders storage.
type OrderStore interface {
	// Insert adds a new order. Returns ErrDuplicateKey if the client order id exists
	// or another live order exists for the same (cycle, leg).
	Insert(ctx context.Context, o *domain.Order) error

	// GetByClientID retrieves an order. Returns ErrNotFound if not exists.
	GetByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error)

	// GetByCycle retrieves all orders of a cycle, ordered by created_at ASC.
	GetByCycle(ctx context.Context, cycleID string) ([]*domain.Order, error)

	// Update writes status, fill and exchange fields of a non-terminal order.
	// Returns ErrTerminal if the stored order is already terminal.
	Update(ctx context.Context, o *domain.Order) error

	// ListLive retrieves non-terminal orders created at or before olderThan.
	ListLive(ctx context.Context, olderThan time.Time) ([]*domain.Order, error)
}

// IdempotencyStore provides access to idempotency_records storage.
type IdempotencyStore interface {
	// Reserve atomically inserts rec unless a non-expired record with the same key
	// exists. An expired record is replaced in the same atomic step.
	// Returns (true, nil) when rec was inserted, (false, existing) otherwise.
	Reserve(ctx context.Context, rec *domain.IdempotencyRecord) (bool, *domain.IdempotencyRecord, error)

	// Get retrieves a record. Returns ErrNotFound if not exists.
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)

	// Finish sets the final status and cached response of a pending record.
	// Returns ErrNotFound if no pending record exists for key.
	Finish(ctx context.Context, key string, status domain.IdempotencyStatus, orderID string, response []byte) error

	// UpdateOutcome rewrites the status and cached response of a finished
	// record whose order id is orderID. Returns ErrNotFound if the record is
	// missing, still pending, or now belongs to another order.
	UpdateOutcome(ctx context.Context, key, orderID string, status domain.IdempotencyStatus, response []byte) error

	// DeletePending removes a record that is still pending.
	DeletePending(ctx context.Context, key string) error

	// DeleteExpired removes records expired at now and returns how many.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// NonceStore provides access to nonce_state and nonce_allocations storage.
type NonceStore interface {
	// IssueNext atomically increments the identity's counter (seeding it with seed
	// on first use) and records the allocation. Returns the new value.
	// Returns ErrDuplicateKey if the value was allocated before.
	IssueNext(ctx context.Context, identity string, seed int64, at time.Time) (int64, error)

	// Current returns the identity's counter. Returns ErrNotFound if never issued.
	Current(ctx context.Context, identity string) (*domain.NonceState, error)

	// Reset overwrites the counter. Emergency use only. Returns ErrInvariant
	// if value is below the highest allocated nonce.
	Reset(ctx context.Context, identity string, value int64, at time.Time) error

	// MarkAllocation moves an issued allocation to used or released.
	// Returns ErrNotFound if no allocation exists, ErrTerminal if it is not issued.
	MarkAllocation(ctx context.Context, identity string, nonce int64, status domain.NonceAllocationStatus, orderID, reason string, at time.Time) error

	// GetAllocation retrieves an allocation. Returns ErrNotFound if not exists.
	GetAllocation(ctx context.Context, identity string, nonce int64) (*domain.NonceAllocation, error)
}

// QuoteStore provides access to quotes storage.
type QuoteStore interface {
	// Upsert stores q unless a newer observation for (token, side) exists.
	// Returns true when q was stored.
	Upsert(ctx context.Context, q *domain.Quote) (bool, error)

	// Get retrieves the last observation. Returns ErrNotFound if not exists.
	Get(ctx context.Context, token string, side domain.Side) (*domain.Quote, error)
}

// PositionStore provides access to positions storage.
type PositionStore interface {
	// Get retrieves a position. Returns ErrNotFound if not exists.
	Get(ctx context.Context, token string) (*domain.Position, error)

	// ListOpen retrieves all open positions ordered by token.
	ListOpen(ctx context.Context) ([]*domain.Position, error)

	// ApplyFill atomically applies a fill to the position, creating it if needed.
	ApplyFill(ctx context.Context, token string, side domain.Side, shares, price decimal.Decimal, at time.Time) (*domain.Position, error)

	// SetShares overwrites the share count (reconciliation correction), creating
	// the position if needed. Zero shares close the position.
	SetShares(ctx context.Context, token string, shares, priceHint decimal.Decimal, at time.Time) (*domain.Position, error)
}

// ReconciliationStore provides access to reconciliation_runs and discrepancies storage.
type ReconciliationStore interface {
	// InsertRun records a reconciliation run. Returns ErrDuplicateKey if id exists.
	InsertRun(ctx context.Context, r *domain.ReconciliationRun) error

	// ListRuns retrieves runs started within [start, end] ordered by started_at ASC.
	ListRuns(ctx context.Context, start, end time.Time) ([]*domain.ReconciliationRun, error)

	// InsertDiscrepancy adds a discrepancy. Returns ErrDuplicateKey if id exists.
	InsertDiscrepancy(ctx context.Context, d *domain.Discrepancy) error

	// GetDiscrepancy retrieves a discrepancy. Returns ErrNotFound if not exists.
	GetDiscrepancy(ctx context.Context, id string) (*domain.Discrepancy, error)

	// ListDiscrepancies retrieves discrepancies matching the filter ordered by created_at ASC.
	ListDiscrepancies(ctx context.Context, f DiscrepancyFilter) ([]*domain.Discrepancy, error)

	// ResolveDiscrepancy marks an unresolved discrepancy resolved.
	// Returns ErrNotFound if not exists, ErrTerminal if already resolved.
	ResolveDiscrepancy(ctx context.Context, id, resolution string, at time.Time) error
}

// DiscrepancyFilter narrows ListDiscrepancies. Nil/zero fields are not applied.
type DiscrepancyFilter struct {
	Token       string
	Resolved    *bool
	MinSeverity domain.Severity
}

// DeadLetterStore provides access to dead_letters storage.
type DeadLetterStore interface {
	// Insert adds a new entry. Returns ErrDuplicateKey if id exists.
	Insert(ctx context.Context, d *domain.DeadLetter) error

	// GetByID retrieves an entry. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.DeadLetter, error)

	// ClaimDue moves up to limit pending entries due at now to retrying and returns them.
	// Concurrent callers never claim the same entry.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.DeadLetter, error)

	// RecordFailure increments retry_count of a retrying entry, stores lastErr and
	// either schedules nextAttempt (pending) or, once retry_count exceeds max_retries,
	// marks it failed. Returns ErrTerminal if the entry is not retrying.
	RecordFailure(ctx context.Context, id, lastErr string, nextAttempt, at time.Time) (*domain.DeadLetter, error)

	// MarkFailed moves a non-resolved entry straight to failed.
	MarkFailed(ctx context.Context, id, lastErr string, at time.Time) error

	// Resolve moves a non-resolved entry to resolved. Returns ErrTerminal if already resolved.
	Resolve(ctx context.Context, id, resolution string, at time.Time) error

	// ReleaseStale returns retrying entries last touched before cutoff to pending.
	ReleaseStale(ctx context.Context, cutoff, at time.Time) (int64, error)

	// ListByStatus retrieves entries with the given status ordered by created_at ASC.
	ListByStatus(ctx context.Context, status domain.DeadLetterStatus) ([]*domain.DeadLetter, error)
}

// AuditEventStore provides access to the append-only audit_events log.
type AuditEventStore interface {
	// Append adds an event. Returns ErrDuplicateKey if id exists.
	Append(ctx context.Context, e *domain.AuditEvent) error

	// Query retrieves events matching q ordered by created_at ASC.
	Query(ctx context.Context, q domain.AuditQuery) ([]*domain.AuditEvent, error)
}
