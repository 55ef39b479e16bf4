package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

// IdempotencyStore implements storage.IdempotencyStore using PostgreSQL.
type IdempotencyStore struct {
	pool *Pool
}

// NewIdempotencyStore creates a new IdempotencyStore.
func NewIdempotencyStore(pool *Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// Compile-time interface check.
var _ storage.IdempotencyStore = (*IdempotencyStore)(nil)

// reserveAttempts bounds the insert/read loop when a competing record
// disappears between the two statements.
const reserveAttempts = 3

// Reserve inserts rec, or takes over an expired record with the same key, in
// one statement. When a live record exists it is returned instead.
func (s *IdempotencyStore) Reserve(ctx context.Context, rec *domain.IdempotencyRecord) (bool, *domain.IdempotencyRecord, error) {
	if rec == nil || rec.Key == "" || !rec.Status.IsValid() {
		return false, nil, storage.ErrInvalidInput
	}

	insert := `
		INSERT INTO idempotency_records (key, status, order_id, response, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			status = EXCLUDED.status,
			order_id = EXCLUDED.order_id,
			response = EXCLUDED.response,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= EXCLUDED.created_at
		RETURNING key
	`

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		var key string
		err := s.pool.QueryRow(ctx, insert,
			rec.Key, string(rec.Status), rec.OrderID, nullJSON(rec.Response), rec.CreatedAt, rec.ExpiresAt,
		).Scan(&key)
		if err == nil {
			return true, nil, nil
		}
		if !isNotFoundError(err) {
			return false, nil, fmt.Errorf("reserve idempotency key: %w", err)
		}

		existing, err := s.Get(ctx, rec.Key)
		if err == nil {
			return false, existing, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return false, nil, err
		}
	}

	return false, nil, fmt.Errorf("reserve idempotency key: record kept changing")
}

// Get retrieves a record. Returns ErrNotFound if not exists.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	query := `
		SELECT key, status, order_id, response, created_at, expires_at
		FROM idempotency_records
		WHERE key = $1
	`

	r, err := scanIdempotencyRecord(s.pool.QueryRow(ctx, query, key))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return r, nil
}

// Finish sets the final status and cached response of a pending record.
func (s *IdempotencyStore) Finish(ctx context.Context, key string, status domain.IdempotencyStatus, orderID string, response []byte) error {
	if !status.IsValid() {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE idempotency_records SET
			status = $2,
			order_id = CASE WHEN $3 = '' THEN order_id ELSE $3 END,
			response = $4
		WHERE key = $1 AND status = 'pending'
	`

	tag, err := s.pool.Exec(ctx, query, key, string(status), orderID, nullJSON(response))
	if err != nil {
		return fmt.Errorf("finish idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateOutcome rewrites the outcome of a finished record owned by orderID.
func (s *IdempotencyStore) UpdateOutcome(ctx context.Context, key, orderID string, status domain.IdempotencyStatus, response []byte) error {
	if orderID == "" || !status.IsValid() || status == domain.IdempotencyPending {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE idempotency_records SET status = $3, response = $4
		WHERE key = $1 AND order_id = $2 AND status <> 'pending'
	`
	tag, err := s.pool.Exec(ctx, query, key, orderID, string(status), nullJSON(response))
	if err != nil {
		return fmt.Errorf("update idempotency outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeletePending removes a record that is still pending.
func (s *IdempotencyStore) DeletePending(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE key = $1 AND status = 'pending'`, key)
	if err != nil {
		return fmt.Errorf("delete pending idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteExpired removes records expired at now and returns how many.
func (s *IdempotencyStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanIdempotencyRecord(row pgx.Row) (*domain.IdempotencyRecord, error) {
	var r domain.IdempotencyRecord
	var status string

	if err := row.Scan(&r.Key, &status, &r.OrderID, &r.Response, &r.CreatedAt, &r.ExpiresAt); err != nil {
		return nil, err
	}
	r.Status = domain.IdempotencyStatus(status)
	return &r, nil
}

// nullJSON maps an empty payload to SQL NULL for JSONB columns.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
