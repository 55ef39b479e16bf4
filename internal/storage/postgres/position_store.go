package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

// PositionStore implements storage.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *Pool
}

// NewPositionStore creates a new PositionStore.
func NewPositionStore(pool *Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PositionStore = (*PositionStore)(nil)

const positionColumns = `token, shares::text, avg_entry_price::text, status, realized_pnl::text, opened_at, updated_at`

// Get retrieves a position. Returns ErrNotFound if not exists.
func (s *PositionStore) Get(ctx context.Context, token string) (*domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE token = $1`, token))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// ListOpen retrieves all open positions ordered by token.
func (s *PositionStore) ListOpen(ctx context.Context) ([]*domain.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionColumns+` FROM positions WHERE status = 'open' ORDER BY token ASC`)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position rows: %w", err)
	}
	return positions, nil
}

// ApplyFill locks the position row, applies the fill and writes it back.
func (s *PositionStore) ApplyFill(ctx context.Context, token string, side domain.Side, shares, price decimal.Decimal, at time.Time) (*domain.Position, error) {
	if token == "" || !side.IsValid() || !shares.IsPositive() || price.IsNegative() {
		return nil, storage.ErrInvalidInput
	}

	var next domain.Position
	err := s.pool.inTx(ctx, func(tx pgx.Tx) error {
		current, err := lockPosition(ctx, tx, token)
		if err != nil {
			return err
		}
		next = current.ApplyFill(side, shares, price, at)
		return writePosition(ctx, tx, &next)
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// SetShares overwrites the share count, creating the position if needed.
func (s *PositionStore) SetShares(ctx context.Context, token string, shares, priceHint decimal.Decimal, at time.Time) (*domain.Position, error) {
	if token == "" || shares.IsNegative() {
		return nil, storage.ErrInvalidInput
	}

	var next domain.Position
	err := s.pool.inTx(ctx, func(tx pgx.Tx) error {
		current, err := lockPosition(ctx, tx, token)
		if err != nil {
			return err
		}
		next = current
		if next.Status == "" {
			next.AvgEntryPrice = priceHint
			next.OpenedAt = at
		}
		next.Shares = shares
		next.UpdatedAt = at
		if shares.IsPositive() {
			next.Status = domain.PositionOpen
		} else {
			next.Status = domain.PositionClosed
		}
		return writePosition(ctx, tx, &next)
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// lockPosition reads the position FOR UPDATE, returning an empty position when absent.
func lockPosition(ctx context.Context, tx pgx.Tx, token string) (domain.Position, error) {
	p, err := scanPosition(tx.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE token = $1 FOR UPDATE`, token))
	if err != nil {
		if isNotFoundError(err) {
			return domain.Position{Token: token}, nil
		}
		return domain.Position{}, fmt.Errorf("lock position: %w", err)
	}
	return *p, nil
}

func writePosition(ctx context.Context, tx pgx.Tx, p *domain.Position) error {
	query := `
		INSERT INTO positions (token, shares, avg_entry_price, status, realized_pnl, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (token) DO UPDATE SET
			shares = EXCLUDED.shares,
			avg_entry_price = EXCLUDED.avg_entry_price,
			status = EXCLUDED.status,
			realized_pnl = EXCLUDED.realized_pnl,
			opened_at = EXCLUDED.opened_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := tx.Exec(ctx, query,
		p.Token, p.Shares.String(), p.AvgEntryPrice.String(), string(p.Status), p.RealizedPnL.String(), p.OpenedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("write position: %w", err)
	}
	return nil
}

func scanPosition(row pgx.Row) (*domain.Position, error) {
	var p domain.Position
	var shares, avg, status, pnl string

	if err := row.Scan(&p.Token, &shares, &avg, &status, &pnl, &p.OpenedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(dec(&p.Shares, shares), dec(&p.AvgEntryPrice, avg), dec(&p.RealizedPnL, pnl)); err != nil {
		return nil, err
	}
	p.Status = domain.PositionStatus(status)
	return &p, nil
}
