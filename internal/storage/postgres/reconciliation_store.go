package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

// ReconciliationStore implements storage.ReconciliationStore using PostgreSQL.
type ReconciliationStore struct {
	pool *Pool
}

// NewReconciliationStore creates a new ReconciliationStore.
func NewReconciliationStore(pool *Pool) *ReconciliationStore {
	return &ReconciliationStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ReconciliationStore = (*ReconciliationStore)(nil)

// InsertRun records a reconciliation run. Returns ErrDuplicateKey if id exists.
func (s *ReconciliationStore) InsertRun(ctx context.Context, r *domain.ReconciliationRun) error {
	if r == nil || r.ID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO reconciliation_runs (
			id, started_at, duration_ms, discrepancies_found, corrections_applied, orders_converged, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		r.ID, r.StartedAt, r.Duration.Milliseconds(), r.DiscrepanciesFound, r.CorrectionsApplied, r.OrdersConverged, r.Error,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert reconciliation run: %w", err)
	}
	return nil
}

// ListRuns retrieves runs started within [start, end] ordered by started_at ASC.
func (s *ReconciliationStore) ListRuns(ctx context.Context, start, end time.Time) ([]*domain.ReconciliationRun, error) {
	query := `
		SELECT id, started_at, duration_ms, discrepancies_found, corrections_applied, orders_converged, error
		FROM reconciliation_runs
		WHERE started_at >= $1 AND started_at <= $2
		ORDER BY started_at ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.ReconciliationRun
	for rows.Next() {
		var r domain.ReconciliationRun
		var durationMs int64
		if err := rows.Scan(&r.ID, &r.StartedAt, &durationMs, &r.DiscrepanciesFound, &r.CorrectionsApplied, &r.OrdersConverged, &r.Error); err != nil {
			return nil, fmt.Errorf("scan reconciliation run row: %w", err)
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reconciliation run rows: %w", err)
	}
	return runs, nil
}

const discrepancyColumns = `
	id, run_id, token, local_shares::text, exchange_shares::text, difference::text,
	severity, resolved, resolution, resolved_at, created_at
`

// InsertDiscrepancy adds a discrepancy. Returns ErrDuplicateKey if id exists.
func (s *ReconciliationStore) InsertDiscrepancy(ctx context.Context, d *domain.Discrepancy) error {
	if d == nil || d.ID == "" || d.Token == "" || !d.Severity.IsValid() {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO discrepancies (
			id, run_id, token, local_shares, exchange_shares, difference,
			severity, resolved, resolution, resolved_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.pool.Exec(ctx, query,
		d.ID, d.RunID, d.Token, d.LocalShares.String(), d.ExchangeShares.String(), d.Difference.String(),
		string(d.Severity), d.Resolved, d.Resolution, d.ResolvedAt, d.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert discrepancy: %w", err)
	}
	return nil
}

// GetDiscrepancy retrieves a discrepancy. Returns ErrNotFound if not exists.
func (s *ReconciliationStore) GetDiscrepancy(ctx context.Context, id string) (*domain.Discrepancy, error) {
	d, err := scanDiscrepancy(s.pool.QueryRow(ctx, `SELECT `+discrepancyColumns+` FROM discrepancies WHERE id = $1`, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get discrepancy: %w", err)
	}
	return d, nil
}

// ListDiscrepancies retrieves discrepancies matching the filter ordered by created_at ASC.
func (s *ReconciliationStore) ListDiscrepancies(ctx context.Context, f storage.DiscrepancyFilter) ([]*domain.Discrepancy, error) {
	severities := severitiesAtLeast(f.MinSeverity)

	query := `
		SELECT ` + discrepancyColumns + `
		FROM discrepancies
		WHERE ($1 = '' OR token = $1)
		  AND ($2::boolean IS NULL OR resolved = $2)
		  AND severity = ANY($3)
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, f.Token, f.Resolved, severities)
	if err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	defer rows.Close()

	var result []*domain.Discrepancy
	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan discrepancy row: %w", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate discrepancy rows: %w", err)
	}
	return result, nil
}

// ResolveDiscrepancy marks an unresolved discrepancy resolved.
func (s *ReconciliationStore) ResolveDiscrepancy(ctx context.Context, id, resolution string, at time.Time) error {
	if resolution == "" {
		return storage.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE discrepancies SET resolved = TRUE, resolution = $2, resolved_at = $3
		WHERE id = $1 AND NOT resolved
	`, id, resolution, at)
	if err != nil {
		return fmt.Errorf("resolve discrepancy: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := s.GetDiscrepancy(ctx, id); err != nil {
		return err
	}
	return storage.ErrTerminal
}

func severitiesAtLeast(min domain.Severity) []string {
	all := []domain.Severity{domain.SeverityInfo, domain.SeverityWarning, domain.SeverityCritical}
	var out []string
	for _, sev := range all {
		if sev.Rank() >= min.Rank() {
			out = append(out, string(sev))
		}
	}
	return out
}

func scanDiscrepancy(row pgx.Row) (*domain.Discrepancy, error) {
	var d domain.Discrepancy
	var local, exchange, diff, severity string

	err := row.Scan(
		&d.ID, &d.RunID, &d.Token, &local, &exchange, &diff,
		&severity, &d.Resolved, &d.Resolution, &d.ResolvedAt, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := parseDecimals(dec(&d.LocalShares, local), dec(&d.ExchangeShares, exchange), dec(&d.Difference, diff)); err != nil {
		return nil, err
	}
	d.Severity = domain.Severity(severity)
	return &d, nil
}
