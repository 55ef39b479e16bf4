package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

// CycleStore implements storage.CycleStore using PostgreSQL.
type CycleStore struct {
	pool *Pool
}

// NewCycleStore creates a new CycleStore.
func NewCycleStore(pool *Pool) *CycleStore {
	return &CycleStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CycleStore = (*CycleStore)(nil)

const cycleColumns = `
	id, strategy, market, state, version,
	leg1_side, leg1_token, leg1_entry_price::text, leg1_shares::text, leg1_filled_at,
	leg2_side, leg2_token, leg2_entry_price::text, leg2_shares::text, leg2_filled_at,
	realized_pnl::text, abort_reason, created_at, updated_at
`

// Insert adds a new cycle. Returns ErrDuplicateKey if id exists.
func (s *CycleStore) Insert(ctx context.Context, c *domain.Cycle) error {
	if c == nil || c.ID == "" || !c.State.IsValid() {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO cycles (
			id, strategy, market, state, version,
			leg1_side, leg1_token, leg1_entry_price, leg1_shares, leg1_filled_at,
			leg2_side, leg2_token, leg2_entry_price, leg2_shares, leg2_filled_at,
			realized_pnl, abort_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

	_, err := s.pool.Exec(ctx, query,
		c.ID, c.Strategy, c.Market, string(c.State), c.Version,
		string(c.Leg1.Side), c.Leg1.Token, c.Leg1.EntryPrice.String(), c.Leg1.Shares.String(), c.Leg1.FilledAt,
		string(c.Leg2.Side), c.Leg2.Token, c.Leg2.EntryPrice.String(), c.Leg2.Shares.String(), c.Leg2.FilledAt,
		c.RealizedPnL.String(), c.AbortReason, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert cycle: %w", err)
	}
	return nil
}

// GetByID retrieves a cycle. Returns ErrNotFound if not exists.
func (s *CycleStore) GetByID(ctx context.Context, id string) (*domain.Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM cycles WHERE id = $1`

	c, err := scanCycle(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get cycle by id: %w", err)
	}
	return c, nil
}

// CompareAndSwap writes next only while the row still has expectedVersion and fromState.
// The version check and the write are a single UPDATE, so two writers holding the
// same version cannot both succeed.
func (s *CycleStore) CompareAndSwap(ctx context.Context, next *domain.Cycle, expectedVersion int64, fromState domain.CycleState) error {
	if next == nil || next.ID == "" || next.Version != expectedVersion+1 || !next.State.IsValid() {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE cycles SET
			state = $4, version = $5,
			leg1_side = $6, leg1_token = $7, leg1_entry_price = $8, leg1_shares = $9, leg1_filled_at = $10,
			leg2_side = $11, leg2_token = $12, leg2_entry_price = $13, leg2_shares = $14, leg2_filled_at = $15,
			realized_pnl = $16, abort_reason = $17, updated_at = $18
		WHERE id = $1 AND version = $2 AND state = $3
	`

	tag, err := s.pool.Exec(ctx, query,
		next.ID, expectedVersion, string(fromState),
		string(next.State), next.Version,
		string(next.Leg1.Side), next.Leg1.Token, next.Leg1.EntryPrice.String(), next.Leg1.Shares.String(), next.Leg1.FilledAt,
		string(next.Leg2.Side), next.Leg2.Token, next.Leg2.EntryPrice.String(), next.Leg2.Shares.String(), next.Leg2.FilledAt,
		next.RealizedPnL.String(), next.AbortReason, next.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("compare and swap cycle: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish a missing row from a lost race.
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cycles WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check cycle exists: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrVersionConflict
}

// ListByState retrieves cycles in any of the given states, ordered by created_at ASC.
func (s *CycleStore) ListByState(ctx context.Context, states ...domain.CycleState) ([]*domain.Cycle, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}

	query := `SELECT ` + cycleColumns + ` FROM cycles WHERE state = ANY($1) ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, names)
	if err != nil {
		return nil, fmt.Errorf("list cycles by state: %w", err)
	}
	defer rows.Close()

	var cycles []*domain.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cycle row: %w", err)
		}
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycle rows: %w", err)
	}
	return cycles, nil
}

// scanCycle scans a single row into a Cycle.
func scanCycle(row pgx.Row) (*domain.Cycle, error) {
	var c domain.Cycle
	var state, leg1Side, leg2Side string
	var leg1Price, leg1Shares, leg2Price, leg2Shares, pnl string
	var leg1Filled, leg2Filled *time.Time

	err := row.Scan(
		&c.ID, &c.Strategy, &c.Market, &state, &c.Version,
		&leg1Side, &c.Leg1.Token, &leg1Price, &leg1Shares, &leg1Filled,
		&leg2Side, &c.Leg2.Token, &leg2Price, &leg2Shares, &leg2Filled,
		&pnl, &c.AbortReason, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := parseDecimals(
		dec(&c.Leg1.EntryPrice, leg1Price), dec(&c.Leg1.Shares, leg1Shares),
		dec(&c.Leg2.EntryPrice, leg2Price), dec(&c.Leg2.Shares, leg2Shares),
		dec(&c.RealizedPnL, pnl),
	); err != nil {
		return nil, err
	}

	c.State = domain.CycleState(state)
	c.Leg1.Side = domain.Side(leg1Side)
	c.Leg2.Side = domain.Side(leg2Side)
	c.Leg1.FilledAt = leg1Filled
	c.Leg2.FilledAt = leg2Filled
	return &c, nil
}
