// Package idempotency deduplicates order submissions by economic intent.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"order-engine/internal/domain"
	"order-engine/internal/idhash"
	"order-engine/internal/observability"
	"order-engine/internal/storage"
)

// ErrUnavailable is returned when the store cannot be reached. Callers must not submit.
var ErrUnavailable = errors.New("idempotency store unavailable")

// StatusInFlight is the cached status reported while the first attempt is still running.
const StatusInFlight = "in_flight"

// Outcome is the cached result of the first attempt for an intent.
type Outcome struct {
	OrderID         string `json:"order_id"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`
}

// Decision is the result of Begin. When New is false, Cached holds the outcome
// of the earlier attempt and no exchange call may be made.
type Decision struct {
	New    bool
	Key    string
	Cached *Outcome
}

// Config holds guard parameters.
type Config struct {
	TTL time.Duration // record lifetime (default 1h)

	// PendingWait bounds how long a duplicate waits for an in-flight first
	// attempt to finish before it is answered with StatusInFlight.
	PendingWait  time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns the default guard configuration.
func DefaultConfig() Config {
	return Config{
		TTL:          time.Hour,
		PendingWait:  5 * time.Second,
		PollInterval: 25 * time.Millisecond,
	}
}

// Options for creating a Guard.
type Options struct {
	Config Config
	Store  storage.IdempotencyStore
	Logger *zap.SugaredLogger
	Now    func() time.Time
}

// Guard implements submit-if-new on top of the store's atomic reserve.
type Guard struct {
	cfg    Config
	store  storage.IdempotencyStore
	logger *zap.SugaredLogger
	now    func() time.Time
}

// New creates a new Guard.
func New(opts Options) *Guard {
	cfg := opts.Config
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Guard{
		cfg:    cfg,
		store:  opts.Store,
		logger: observability.OrNop(opts.Logger).Named("idempotency"),
		now:    now,
	}
}

// Begin reserves the intent's key. The first caller gets New; every other
// caller within the TTL gets the cached outcome.
func (g *Guard) Begin(ctx context.Context, intent domain.OrderIntent) (Decision, error) {
	key := idhash.ComputeIntentKey(intent)
	now := g.now().UTC()

	rec := &domain.IdempotencyRecord{
		Key:       key,
		Status:    domain.IdempotencyPending,
		CreatedAt: now,
		ExpiresAt: now.Add(g.cfg.TTL),
	}

	inserted, existing, err := g.store.Reserve(ctx, rec)
	if err != nil {
		observability.RecordIdempotencyError()
		return Decision{Key: key}, fmt.Errorf("%w: reserve: %v", ErrUnavailable, err)
	}
	if inserted {
		return Decision{New: true, Key: key}, nil
	}

	observability.RecordIdempotencyHit()
	if existing.Status == domain.IdempotencyPending {
		existing, err = g.awaitFinished(ctx, key, existing)
		if err != nil {
			return Decision{Key: key}, err
		}
	}

	outcome, err := decodeOutcome(existing)
	if err != nil {
		return Decision{Key: key}, err
	}
	g.logger.Debugw("duplicate intent", "key", key, "order_id", outcome.OrderID, "status", outcome.Status)
	return Decision{Key: key, Cached: outcome}, nil
}

// awaitFinished polls a pending record until it is finished, released or
// PendingWait elapses.
func (g *Guard) awaitFinished(ctx context.Context, key string, rec *domain.IdempotencyRecord) (*domain.IdempotencyRecord, error) {
	if g.cfg.PendingWait <= 0 {
		return rec, nil
	}

	deadline := time.NewTimer(g.cfg.PendingWait)
	defer deadline.Stop()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return rec, nil
		case <-ticker.C:
			cur, err := g.store.Get(ctx, key)
			if errors.Is(err, storage.ErrNotFound) {
				// Released by the first attempt; report what we last saw.
				return rec, nil
			}
			if err != nil {
				observability.RecordIdempotencyError()
				return nil, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
			}
			if cur.Status != domain.IdempotencyPending {
				return cur, nil
			}
			rec = cur
		}
	}
}

func decodeOutcome(rec *domain.IdempotencyRecord) (*Outcome, error) {
	if rec.Status == domain.IdempotencyPending || len(rec.Response) == 0 {
		return &Outcome{OrderID: rec.OrderID, Status: StatusInFlight}, nil
	}
	var out Outcome
	if err := json.Unmarshal(rec.Response, &out); err != nil {
		return nil, fmt.Errorf("decode cached outcome for %s: %w", rec.Key, err)
	}
	return &out, nil
}

// Complete caches a successful outcome.
func (g *Guard) Complete(ctx context.Context, key string, outcome Outcome) error {
	return g.finish(ctx, key, domain.IdempotencyCompleted, outcome)
}

// Fail caches a failed outcome. Later duplicates replay the failure.
func (g *Guard) Fail(ctx context.Context, key string, outcome Outcome) error {
	return g.finish(ctx, key, domain.IdempotencyFailed, outcome)
}

func (g *Guard) finish(ctx context.Context, key string, status domain.IdempotencyStatus, outcome Outcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	if err := g.store.Finish(ctx, key, status, outcome.OrderID, raw); err != nil {
		return fmt.Errorf("finish idempotency record %s: %w", key, err)
	}
	return nil
}

// Refresh replaces the cached outcome once the order it describes changes
// after the first attempt finished, e.g. when a queued retry fills or
// exhausts. Records still pending, expired or reclaimed by another order are
// left alone.
func (g *Guard) Refresh(ctx context.Context, key string, outcome Outcome, completed bool) error {
	status := domain.IdempotencyFailed
	if completed {
		status = domain.IdempotencyCompleted
	}
	raw, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	err = g.store.UpdateOutcome(ctx, key, outcome.OrderID, status, raw)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("refresh idempotency record %s: %w", key, err)
	}
	g.logger.Debugw("outcome refreshed", "key", key, "order_id", outcome.OrderID, "status", outcome.Status)
	return nil
}

// Release drops a pending reservation so the same intent may be submitted again.
// Only valid when nothing reached the exchange.
func (g *Guard) Release(ctx context.Context, key string) error {
	err := g.store.DeletePending(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("release idempotency record %s: %w", key, err)
	}
	return nil
}

// Sweep deletes expired records.
func (g *Guard) Sweep(ctx context.Context) (int64, error) {
	n, err := g.store.DeleteExpired(ctx, g.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep idempotency records: %w", err)
	}
	observability.RecordIdempotencySwept(n)
	if n > 0 {
		g.logger.Infow("swept expired idempotency records", "count", n)
	}
	return n, nil
}

// Run sweeps on every interval until ctx is done.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Sweep(ctx); err != nil {
				g.logger.Warnw("idempotency sweep failed", "error", err)
			}
		}
	}
}
