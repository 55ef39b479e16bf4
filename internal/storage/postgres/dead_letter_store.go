package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

// DeadLetterStore implements storage.DeadLetterStore using PostgreSQL.
// The retry bound and the terminal resolved state are enforced by the schema
// (check constraint and trigger); violations surface as ErrInvariant.
type DeadLetterStore struct {
	pool *Pool
}

// NewDeadLetterStore creates a new DeadLetterStore.
func NewDeadLetterStore(pool *Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

// Compile-time interface check.
var _ storage.DeadLetterStore = (*DeadLetterStore)(nil)

const deadLetterColumns = `
	id, operation_type, payload, last_error, retry_count, max_retries, status,
	next_attempt_at, resolution, created_at, updated_at, resolved_at
`

// Insert adds a new entry. Returns ErrDuplicateKey if id exists.
func (s *DeadLetterStore) Insert(ctx context.Context, d *domain.DeadLetter) error {
	if d == nil || d.ID == "" || d.OperationType == "" || !d.Status.IsValid() || d.MaxRetries < 0 {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO dead_letters (
			id, operation_type, payload, last_error, retry_count, max_retries, status,
			next_attempt_at, resolution, created_at, updated_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	payload := nullJSON(d.Payload)
	if payload == nil {
		payload = "null"
	}

	_, err := s.pool.Exec(ctx, query,
		d.ID, d.OperationType, payload, d.LastError, d.RetryCount, d.MaxRetries, string(d.Status),
		d.NextAttemptAt, d.Resolution, d.CreatedAt, d.UpdatedAt, d.ResolvedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		if isInvariantError(err) {
			return storage.ErrInvariant
		}
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// GetByID retrieves an entry. Returns ErrNotFound if not exists.
func (s *DeadLetterStore) GetByID(ctx context.Context, id string) (*domain.DeadLetter, error) {
	d, err := scanDeadLetter(s.pool.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return d, nil
}

// ClaimDue moves up to limit due pending entries to retrying. SKIP LOCKED lets
// concurrent sweepers claim disjoint sets.
func (s *DeadLetterStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.DeadLetter, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		UPDATE dead_letters SET status = 'retrying', updated_at = $1
		WHERE id IN (
			SELECT id FROM dead_letters
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + deadLetterColumns

	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due dead letters: %w", err)
	}
	defer rows.Close()

	return scanDeadLetters(rows)
}

// RecordFailure counts a failed retry and reschedules or fails the entry.
func (s *DeadLetterStore) RecordFailure(ctx context.Context, id, lastErr string, nextAttempt, at time.Time) (*domain.DeadLetter, error) {
	query := `
		UPDATE dead_letters SET
			retry_count = retry_count + 1,
			last_error = $2,
			status = CASE WHEN retry_count + 1 > max_retries THEN 'failed' ELSE 'pending' END,
			next_attempt_at = CASE WHEN retry_count + 1 > max_retries THEN next_attempt_at ELSE $3 END,
			updated_at = $4
		WHERE id = $1 AND status = 'retrying'
		RETURNING ` + deadLetterColumns

	d, err := scanDeadLetter(s.pool.QueryRow(ctx, query, id, lastErr, nextAttempt, at))
	if err == nil {
		return d, nil
	}
	if isInvariantError(err) {
		return nil, storage.ErrInvariant
	}
	if !isNotFoundError(err) {
		return nil, fmt.Errorf("record dead letter failure: %w", err)
	}

	if _, err := s.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, storage.ErrTerminal
}

// MarkFailed moves a non-resolved entry straight to failed.
func (s *DeadLetterStore) MarkFailed(ctx context.Context, id, lastErr string, at time.Time) error {
	return s.transition(ctx, `
		UPDATE dead_letters SET status = 'failed', last_error = $2, updated_at = $3
		WHERE id = $1 AND status <> 'resolved'
	`, id, lastErr, at)
}

// Resolve moves a non-resolved entry to resolved.
func (s *DeadLetterStore) Resolve(ctx context.Context, id, resolution string, at time.Time) error {
	if resolution == "" {
		return storage.ErrInvalidInput
	}
	return s.transition(ctx, `
		UPDATE dead_letters SET status = 'resolved', resolution = $2, updated_at = $3, resolved_at = $3
		WHERE id = $1 AND status <> 'resolved'
	`, id, resolution, at)
}

func (s *DeadLetterStore) transition(ctx context.Context, query, id, text string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, query, id, text, at)
	if err != nil {
		if isInvariantError(err) {
			return storage.ErrInvariant
		}
		return fmt.Errorf("update dead letter: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := s.GetByID(ctx, id); err != nil {
		return err
	}
	return storage.ErrTerminal
}

// ReleaseStale returns retrying entries last touched before cutoff to pending.
func (s *DeadLetterStore) ReleaseStale(ctx context.Context, cutoff, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letters SET status = 'pending', next_attempt_at = $2, updated_at = $2
		WHERE status = 'retrying' AND updated_at < $1
	`, cutoff, at)
	if err != nil {
		return 0, fmt.Errorf("release stale dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListByStatus retrieves entries with the given status ordered by created_at ASC.
func (s *DeadLetterStore) ListByStatus(ctx context.Context, status domain.DeadLetterStatus) ([]*domain.DeadLetter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE status = $1 ORDER BY created_at ASC, id ASC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters by status: %w", err)
	}
	defer rows.Close()

	return scanDeadLetters(rows)
}

func scanDeadLetter(row pgx.Row) (*domain.DeadLetter, error) {
	var d domain.DeadLetter
	var status string

	err := row.Scan(
		&d.ID, &d.OperationType, &d.Payload, &d.LastError, &d.RetryCount, &d.MaxRetries, &status,
		&d.NextAttemptAt, &d.Resolution, &d.CreatedAt, &d.UpdatedAt, &d.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = domain.DeadLetterStatus(status)
	return &d, nil
}

func scanDeadLetters(rows pgx.Rows) ([]*domain.DeadLetter, error) {
	var result []*domain.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter row: %w", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letter rows: %w", err)
	}
	return result, nil
}
