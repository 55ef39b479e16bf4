package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

// OrderStore implements storage.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *Pool
}

// NewOrderStore creates a new OrderStore.
func NewOrderStore(pool *Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Compile-time interface check.
var _ storage.OrderStore = (*OrderStore)(nil)

const orderColumns = `
	client_order_id, exchange_order_id, cycle_id, leg, venue, identity, token, side,
	price::text, size::text, filled_size::text, status, nonce, idempotency_key, last_error,
	created_at, updated_at
`

// Insert adds a new order. The partial unique index on live (cycle_id, leg)
// rejects a second live order for the same leg.
func (s *OrderStore) Insert(ctx context.Context, o *domain.Order) error {
	if o == nil || o.ClientOrderID == "" || !o.Side.IsValid() || !o.Status.IsValid() {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO orders (
			client_order_id, exchange_order_id, cycle_id, leg, venue, identity, token, side,
			price, size, filled_size, status, nonce, idempotency_key, last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err := s.pool.Exec(ctx, query,
		o.ClientOrderID, o.ExchangeOrderID, o.CycleID, o.Leg, o.Venue, o.Identity, o.Token, string(o.Side),
		o.Price.String(), o.Size.String(), o.FilledSize.String(), string(o.Status), o.Nonce,
		o.IdempotencyKey, o.LastError, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		if isInvariantError(err) {
			return storage.ErrInvalidInput
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetByClientID retrieves an order. Returns ErrNotFound if not exists.
func (s *OrderStore) GetByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE client_order_id = $1`

	o, err := scanOrder(s.pool.QueryRow(ctx, query, clientOrderID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get order by client id: %w", err)
	}
	return o, nil
}

// GetByCycle retrieves all orders of a cycle, ordered by created_at ASC.
func (s *OrderStore) GetByCycle(ctx context.Context, cycleID string) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE cycle_id = $1 ORDER BY created_at ASC, client_order_id ASC`

	rows, err := s.pool.Query(ctx, query, cycleID)
	if err != nil {
		return nil, fmt.Errorf("get orders by cycle: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// Update writes status, fill and exchange fields of a non-terminal order.
func (s *OrderStore) Update(ctx context.Context, o *domain.Order) error {
	if o == nil || !o.Status.IsValid() {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE orders SET
			status = $2,
			filled_size = $3,
			last_error = $4,
			exchange_order_id = COALESCE($5, exchange_order_id),
			updated_at = $6
		WHERE client_order_id = $1
		  AND status NOT IN ('filled', 'cancelled', 'failed')
	`

	tag, err := s.pool.Exec(ctx, query,
		o.ClientOrderID, string(o.Status), o.FilledSize.String(), o.LastError, o.ExchangeOrderID, o.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE client_order_id = $1)`, o.ClientOrderID).Scan(&exists); err != nil {
		return fmt.Errorf("check order exists: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrTerminal
}

// ListLive retrieves non-terminal orders created at or before olderThan.
func (s *OrderStore) ListLive(ctx context.Context, olderThan time.Time) ([]*domain.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status IN ('pending', 'submitted', 'partial') AND created_at <= $1
		ORDER BY created_at ASC, client_order_id ASC
	`

	rows, err := s.pool.Query(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list live orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// scanOrder scans a single row into an Order.
func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	var side, status, price, size, filled string

	err := row.Scan(
		&o.ClientOrderID, &o.ExchangeOrderID, &o.CycleID, &o.Leg, &o.Venue, &o.Identity, &o.Token, &side,
		&price, &size, &filled, &status, &o.Nonce, &o.IdempotencyKey, &o.LastError,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := parseDecimals(dec(&o.Price, price), dec(&o.Size, size), dec(&o.FilledSize, filled)); err != nil {
		return nil, err
	}
	o.Side = domain.Side(side)
	o.Status = domain.OrderStatus(status)
	return &o, nil
}

// scanOrders scans multiple rows into a slice of Order.
func scanOrders(rows pgx.Rows) ([]*domain.Order, error) {
	var orders []*domain.Order

	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	return orders, nil
}
