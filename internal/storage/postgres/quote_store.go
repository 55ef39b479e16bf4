package postgres

import (
	"context"
	"fmt"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

// QuoteStore implements storage.QuoteStore using PostgreSQL.
type QuoteStore struct {
	pool *Pool
}

// NewQuoteStore creates a new QuoteStore.
func NewQuoteStore(pool *Pool) *QuoteStore {
	return &QuoteStore{pool: pool}
}

// Compile-time interface check.
var _ storage.QuoteStore = (*QuoteStore)(nil)

// Upsert stores q unless a newer observation for (token, side) exists.
func (s *QuoteStore) Upsert(ctx context.Context, q *domain.Quote) (bool, error) {
	if q == nil || q.Token == "" || !q.Side.IsValid() {
		return false, storage.ErrInvalidInput
	}

	query := `
		INSERT INTO quotes (token, side, best_bid, best_ask, observed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (token, side) DO UPDATE SET
			best_bid = EXCLUDED.best_bid,
			best_ask = EXCLUDED.best_ask,
			observed_at = EXCLUDED.observed_at
		WHERE quotes.observed_at < EXCLUDED.observed_at
	`

	tag, err := s.pool.Exec(ctx, query,
		q.Token, string(q.Side), q.BestBid.String(), q.BestAsk.String(), q.ObservedAt,
	)
	if err != nil {
		return false, fmt.Errorf("upsert quote: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get retrieves the last observation. Returns ErrNotFound if not exists.
func (s *QuoteStore) Get(ctx context.Context, token string, side domain.Side) (*domain.Quote, error) {
	query := `
		SELECT token, side, best_bid::text, best_ask::text, observed_at
		FROM quotes
		WHERE token = $1 AND side = $2
	`

	var q domain.Quote
	var sideStr, bid, ask string
	err := s.pool.QueryRow(ctx, query, token, string(side)).Scan(&q.Token, &sideStr, &bid, &ask, &q.ObservedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get quote: %w", err)
	}

	if err := parseDecimals(dec(&q.BestBid, bid), dec(&q.BestAsk, ask)); err != nil {
		return nil, err
	}
	q.Side = domain.Side(sideStr)
	return &q, nil
}
