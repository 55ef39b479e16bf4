// Package quote keeps the latest top of book per (token, side) and refuses
// to hand out observations older than the caller's max age.
package quote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"order-engine/internal/domain"
	"order-engine/internal/observability"
	"order-engine/internal/storage"
)

// DefaultMaxAge is the staleness threshold used when callers pass zero.
const DefaultMaxAge = 30 * time.Second

// Lookup is the result of GetFresh. A quote older than the max age is
// returned with Fresh=false and must not be acted on.
type Lookup struct {
	Quote *domain.Quote
	Found bool
	Fresh bool
	Age   time.Duration
}

// Stale reports whether the caller must abort.
func (l Lookup) Stale() bool {
	return !l.Fresh
}

// Options for creating a Gate.
type Options struct {
	Store         storage.QuoteStore
	DefaultMaxAge time.Duration
	Logger        *zap.SugaredLogger
	Now           func() time.Time
}

// Gate is the quote freshness gate.
type Gate struct {
	store  storage.QuoteStore
	maxAge time.Duration
	logger *zap.SugaredLogger
	now    func() time.Time
}

// New creates a new Gate.
func New(opts Options) *Gate {
	maxAge := opts.DefaultMaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Gate{
		store:  opts.Store,
		maxAge: maxAge,
		logger: observability.OrNop(opts.Logger).Named("quote"),
		now:    now,
	}
}

// Observe stores q unless a newer observation for the same (token, side) exists.
// An observation stamped in the future is clamped to the gate's clock so venue
// clock skew cannot keep it fresh. Returns true when q became the latest observation.
func (g *Gate) Observe(ctx context.Context, q domain.Quote) (bool, error) {
	if q.Token == "" || !q.Side.IsValid() || q.ObservedAt.IsZero() {
		return false, fmt.Errorf("%w: quote needs token, side and observed_at", storage.ErrInvalidInput)
	}
	if q.BestBid.IsNegative() || q.BestAsk.IsNegative() {
		return false, fmt.Errorf("%w: negative price", storage.ErrInvalidInput)
	}

	q.ObservedAt = q.ObservedAt.UTC()
	if now := g.now().UTC(); q.ObservedAt.After(now) {
		g.logger.Debugw("clamped future quote", "token", q.Token, "side", q.Side, "observed_at", q.ObservedAt, "now", now)
		q.ObservedAt = now
	}
	stored, err := g.store.Upsert(ctx, &q)
	if err != nil {
		return false, fmt.Errorf("upsert quote %s/%s: %w", q.Token, q.Side, err)
	}
	if stored {
		observability.RecordQuoteObserved()
	}
	return stored, nil
}

// GetFresh returns the latest quote for (token, side). An age equal to maxAge
// is still fresh. maxAge <= 0 selects the gate's default.
func (g *Gate) GetFresh(ctx context.Context, token string, side domain.Side, maxAge time.Duration) (Lookup, error) {
	if maxAge <= 0 {
		maxAge = g.maxAge
	}

	q, err := g.store.Get(ctx, token, side)
	if errors.Is(err, storage.ErrNotFound) {
		observability.RecordQuoteLookup("missing", 0, false)
		return Lookup{}, nil
	}
	if err != nil {
		return Lookup{}, fmt.Errorf("get quote %s/%s: %w", token, side, err)
	}

	age := q.Age(g.now())
	l := Lookup{Quote: q, Found: true, Age: age, Fresh: age <= maxAge}
	if l.Fresh {
		observability.RecordQuoteLookup("fresh", age.Seconds(), true)
	} else {
		observability.RecordQuoteLookup("stale", age.Seconds(), true)
		g.logger.Debugw("stale quote", "token", token, "side", side, "age", age, "max_age", maxAge)
	}
	return l, nil
}

// MaxAge returns the gate's default staleness threshold.
func (g *Gate) MaxAge() time.Duration {
	return g.maxAge
}
