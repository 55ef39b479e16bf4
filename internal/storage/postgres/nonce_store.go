package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

// NonceStore implements storage.NonceStore using PostgreSQL.
type NonceStore struct {
	pool *Pool
}

// NewNonceStore creates a new NonceStore.
func NewNonceStore(pool *Pool) *NonceStore {
	return &NonceStore{pool: pool}
}

// Compile-time interface check.
var _ storage.NonceStore = (*NonceStore)(nil)

// IssueNext increments the counter with a single upsert and records the
// allocation in the same transaction. The row lock taken by the upsert
// serializes concurrent issuers for one identity.
func (s *NonceStore) IssueNext(ctx context.Context, identity string, seed int64, at time.Time) (int64, error) {
	if identity == "" {
		return 0, storage.ErrInvalidInput
	}

	var next int64
	err := s.pool.inTx(ctx, func(tx pgx.Tx) error {
		upsert := `
			INSERT INTO nonce_state (identity, current, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (identity) DO UPDATE SET
				current = nonce_state.current + 1,
				updated_at = EXCLUDED.updated_at
			RETURNING current
		`
		if err := tx.QueryRow(ctx, upsert, identity, seed, at).Scan(&next); err != nil {
			return fmt.Errorf("increment nonce: %w", err)
		}

		alloc := `
			INSERT INTO nonce_allocations (identity, nonce, status, issued_at, updated_at)
			VALUES ($1, $2, 'issued', $3, $3)
		`
		if _, err := tx.Exec(ctx, alloc, identity, next, at); err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("record nonce allocation: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// Current returns the identity's counter. Returns ErrNotFound if never issued.
func (s *NonceStore) Current(ctx context.Context, identity string) (*domain.NonceState, error) {
	var st domain.NonceState
	err := s.pool.QueryRow(ctx,
		`SELECT identity, current, updated_at FROM nonce_state WHERE identity = $1`, identity,
	).Scan(&st.Identity, &st.Current, &st.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get nonce state: %w", err)
	}
	return &st, nil
}

// Reset overwrites the counter. Returns ErrInvariant if value is below the
// highest allocated nonce. The state row lock keeps issuers out while the
// allocations are checked.
func (s *NonceStore) Reset(ctx context.Context, identity string, value int64, at time.Time) error {
	if identity == "" || value < 0 {
		return storage.ErrInvalidInput
	}

	return s.pool.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM nonce_state WHERE identity = $1 FOR UPDATE`, identity); err != nil {
			return fmt.Errorf("lock nonce state: %w", err)
		}

		var highest *int64
		err := tx.QueryRow(ctx,
			`SELECT MAX(nonce) FROM nonce_allocations WHERE identity = $1`, identity,
		).Scan(&highest)
		if err != nil {
			return fmt.Errorf("read highest allocation: %w", err)
		}
		if highest != nil && value < *highest {
			return storage.ErrInvariant
		}

		upsert := `
			INSERT INTO nonce_state (identity, current, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (identity) DO UPDATE SET current = EXCLUDED.current, updated_at = EXCLUDED.updated_at
		`
		if _, err := tx.Exec(ctx, upsert, identity, value, at); err != nil {
			return fmt.Errorf("reset nonce: %w", err)
		}
		return nil
	})
}

// MarkAllocation moves an issued allocation to used or released.
func (s *NonceStore) MarkAllocation(ctx context.Context, identity string, nonce int64, status domain.NonceAllocationStatus, orderID, reason string, at time.Time) error {
	if status != domain.NonceUsed && status != domain.NonceReleased {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE nonce_allocations SET status = $3, order_id = $4, reason = $5, updated_at = $6
		WHERE identity = $1 AND nonce = $2 AND status = 'issued'
	`
	tag, err := s.pool.Exec(ctx, query, identity, nonce, string(status), orderID, reason, at)
	if err != nil {
		return fmt.Errorf("mark nonce allocation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := s.GetAllocation(ctx, identity, nonce); err != nil {
		return err
	}
	return storage.ErrTerminal
}

// GetAllocation retrieves an allocation. Returns ErrNotFound if not exists.
func (s *NonceStore) GetAllocation(ctx context.Context, identity string, nonce int64) (*domain.NonceAllocation, error) {
	query := `
		SELECT identity, nonce, status, order_id, reason, issued_at, updated_at
		FROM nonce_allocations
		WHERE identity = $1 AND nonce = $2
	`

	var a domain.NonceAllocation
	var status string
	err := s.pool.QueryRow(ctx, query, identity, nonce).Scan(
		&a.Identity, &a.Nonce, &status, &a.OrderID, &a.Reason, &a.IssuedAt, &a.UpdatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get nonce allocation: %w", err)
	}
	a.Status = domain.NonceAllocationStatus(status)
	return &a, nil
}
