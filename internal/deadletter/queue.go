// Package deadletter captures failed operations and retries them with
// exponential backoff until they succeed or exhaust their retry budget.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"order-engine/internal/audit"
	"order-engine/internal/domain"
	"order-engine/internal/observability"
	"order-engine/internal/storage"
)

// ErrNoHandler is recorded on entries whose operation type has no handler.
var ErrNoHandler = errors.New("no handler registered")

// Resolution reasons written by the queue itself.
const (
	ResolutionRetried = "retried"
)

// Handler re-executes a captured operation. Returning an error wrapped with
// backoff.Permanent moves the entry straight to failed.
type Handler func(ctx context.Context, payload []byte) error

// ExhaustedFunc runs when a retried entry lands in failed, with the last error.
type ExhaustedFunc func(ctx context.Context, payload []byte, cause error)

// Config holds retry parameters. Zero values select the defaults.
type Config struct {
	MaxRetries   int           // default 5
	BaseBackoff  time.Duration // default 2s
	MaxBackoff   time.Duration // default 5m
	BatchSize    int           // entries claimed per sweep (default 50)
	Workers      int           // concurrent handlers per sweep (default 4)
	LeaseTimeout time.Duration // retrying entries older than this are released (default 5m)
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   5,
		BaseBackoff:  2 * time.Second,
		MaxBackoff:   5 * time.Minute,
		BatchSize:    50,
		Workers:      4,
		LeaseTimeout: 5 * time.Minute,
	}
}

// Options for creating a Queue.
type Options struct {
	Config Config
	Store  storage.DeadLetterStore
	Audit  *audit.Log
	Logger *zap.SugaredLogger
	Now    func() time.Time
}

// Queue is the dead-letter subsystem.
type Queue struct {
	cfg    Config
	store  storage.DeadLetterStore
	audit  *audit.Log
	logger *zap.SugaredLogger
	now    func() time.Time

	mu        sync.RWMutex
	handlers  map[string]Handler
	exhausted map[string]ExhaustedFunc
}

// New creates a new Queue.
func New(opts Options) *Queue {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = def.LeaseTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		cfg:       cfg,
		store:     opts.Store,
		audit:     opts.Audit,
		logger:    observability.OrNop(opts.Logger).Named("deadletter"),
		now:       now,
		handlers:  make(map[string]Handler),
		exhausted: make(map[string]ExhaustedFunc),
	}
}

// Register sets the handler for opType.
func (q *Queue) Register(opType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[opType] = h
}

// OnExhausted sets the callback run when an opType entry stops retrying,
// either after its last attempt or on a permanent error.
func (q *Queue) OnExhausted(opType string, fn ExhaustedFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.exhausted[opType] = fn
}

func (q *Queue) handler(opType string) Handler {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.handlers[opType]
}

// Delay returns the wait before the attempt following retries failures.
func (q *Queue) Delay(retries int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.BaseBackoff
	b.MaxInterval = q.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < retries; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Capture stores a failed operation for retry after the base backoff.
// payload is JSON-encoded unless it is already []byte or json.RawMessage.
func (q *Queue) Capture(ctx context.Context, opType string, payload any, cause error) (*domain.DeadLetter, error) {
	return q.capture(ctx, opType, payload, cause, domain.DeadLetterPending)
}

// CapturePermanent stores a failed operation directly as failed, for
// operator attention without retries.
func (q *Queue) CapturePermanent(ctx context.Context, opType string, payload any, cause error) (*domain.DeadLetter, error) {
	return q.capture(ctx, opType, payload, cause, domain.DeadLetterFailed)
}

func (q *Queue) capture(ctx context.Context, opType string, payload any, cause error, status domain.DeadLetterStatus) (*domain.DeadLetter, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	now := q.now().UTC()
	d := &domain.DeadLetter{
		ID:            uuid.NewString(),
		OperationType: opType,
		Payload:       raw,
		MaxRetries:    q.cfg.MaxRetries,
		Status:        status,
		NextAttemptAt: now.Add(q.Delay(0)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if cause != nil {
		d.LastError = cause.Error()
	}

	if err := q.store.Insert(ctx, d); err != nil {
		return nil, fmt.Errorf("insert dead letter: %w", err)
	}

	observability.RecordDeadLetterCaptured(opType)
	_ = q.audit.Record(ctx, audit.Event{
		EntityType: domain.EntityDeadLetter,
		EntityID:   d.ID,
		Action:     "capture",
		ToState:    status.String(),
		Success:    true,
		Err:        cause,
		Details:    map[string]string{"operation_type": opType},
	})
	q.logger.Warnw("operation dead-lettered", "id", d.ID, "operation", opType, "status", status, "error", d.LastError)
	return d, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode dead letter payload: %w", err)
	}
	return raw, nil
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Released int64
	Claimed  int
	Resolved int
	Retried  int
	Failed   int
}

// Sweep releases stale leases, claims due entries and runs their handlers.
func (q *Queue) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := q.now().UTC()

	released, err := q.store.ReleaseStale(ctx, now.Add(-q.cfg.LeaseTimeout), now)
	if err != nil {
		return res, fmt.Errorf("release stale dead letters: %w", err)
	}
	res.Released = released

	claimed, err := q.store.ClaimDue(ctx, now, q.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("claim dead letters: %w", err)
	}
	res.Claimed = len(claimed)

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(q.cfg.Workers)
	for _, d := range claimed {
		d := d
		p.Go(func() {
			status := q.attempt(ctx, d)
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case domain.DeadLetterResolved:
				res.Resolved++
			case domain.DeadLetterPending:
				res.Retried++
			case domain.DeadLetterFailed:
				res.Failed++
			}
		})
	}
	p.Wait()

	failed, err := q.store.ListByStatus(ctx, domain.DeadLetterFailed)
	if err != nil {
		return res, fmt.Errorf("list failed dead letters: %w", err)
	}
	observability.UpdateDeadLettersFailed(len(failed), float64(q.now().Unix()))

	if res.Claimed > 0 || res.Released > 0 {
		q.logger.Infow("dead letter sweep",
			"claimed", res.Claimed, "resolved", res.Resolved, "retried", res.Retried,
			"failed", res.Failed, "released", res.Released)
	}
	return res, nil
}

// attempt runs one claimed entry and records the decision. Returns the
// entry's resulting status, or "" if the store refused the update.
func (q *Queue) attempt(ctx context.Context, d *domain.DeadLetter) domain.DeadLetterStatus {
	h := q.handler(d.OperationType)
	if h == nil {
		return q.fail(ctx, d, fmt.Errorf("%w for %s", ErrNoHandler, d.OperationType))
	}

	herr := h(ctx, d.Payload)
	at := q.now().UTC()

	if herr == nil {
		err := q.store.Resolve(ctx, d.ID, ResolutionRetried, at)
		q.decision(ctx, d, "retry_succeeded", domain.DeadLetterResolved, err)
		observability.RecordDeadLetterRetry(d.OperationType, "resolved")
		if err != nil {
			// Resolved concurrently by an operator: the terminal state stands.
			q.logger.Infow("dead letter already resolved", "id", d.ID, "error", err)
			return ""
		}
		return domain.DeadLetterResolved
	}

	var perm *backoff.PermanentError
	if errors.As(herr, &perm) {
		return q.fail(ctx, d, perm.Err)
	}

	next := at.Add(q.Delay(d.RetryCount + 1))
	updated, err := q.store.RecordFailure(ctx, d.ID, herr.Error(), next, at)
	if err != nil {
		q.logger.Warnw("record dead letter failure", "id", d.ID, "error", err)
		return ""
	}
	q.decision(ctx, d, "retry_failed", updated.Status, herr)
	if updated.Status == domain.DeadLetterFailed {
		observability.RecordDeadLetterRetry(d.OperationType, "exhausted")
		q.logger.Errorw("dead letter exhausted retries",
			"id", d.ID, "operation", d.OperationType, "retry_count", updated.RetryCount, "error", herr)
		q.runExhausted(ctx, d, herr)
	} else {
		observability.RecordDeadLetterRetry(d.OperationType, "retry")
	}
	return updated.Status
}

func (q *Queue) fail(ctx context.Context, d *domain.DeadLetter, cause error) domain.DeadLetterStatus {
	err := q.store.MarkFailed(ctx, d.ID, cause.Error(), q.now().UTC())
	if err != nil {
		q.logger.Warnw("mark dead letter failed", "id", d.ID, "error", err)
		return ""
	}
	q.decision(ctx, d, "retry_permanent", domain.DeadLetterFailed, cause)
	observability.RecordDeadLetterRetry(d.OperationType, "permanent")
	q.runExhausted(ctx, d, cause)
	return domain.DeadLetterFailed
}

func (q *Queue) runExhausted(ctx context.Context, d *domain.DeadLetter, cause error) {
	q.mu.RLock()
	fn := q.exhausted[d.OperationType]
	q.mu.RUnlock()
	if fn != nil {
		fn(ctx, d.Payload, cause)
	}
}

func (q *Queue) decision(ctx context.Context, d *domain.DeadLetter, action string, to domain.DeadLetterStatus, err error) {
	_ = q.audit.Record(ctx, audit.Event{
		EntityType: domain.EntityDeadLetter,
		EntityID:   d.ID,
		Action:     action,
		FromState:  domain.DeadLetterRetrying.String(),
		ToState:    to.String(),
		Success:    to == domain.DeadLetterResolved && err == nil,
		Err:        err,
		Details: map[string]any{
			"operation_type": d.OperationType,
			"retry_count":    d.RetryCount,
		},
	})
}

// Run sweeps on every interval until ctx is done.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Sweep(ctx); err != nil {
				q.logger.Warnw("dead letter sweep failed", "error", err)
			}
		}
	}
}

// Resolve closes an entry after manual handling. Resolved entries cannot be reopened.
func (q *Queue) Resolve(ctx context.Context, id, resolution string) error {
	err := q.store.Resolve(ctx, id, resolution, q.now().UTC())
	_ = q.audit.Record(ctx, audit.Event{
		EntityType: domain.EntityDeadLetter,
		EntityID:   id,
		Action:     "resolve",
		ToState:    domain.DeadLetterResolved.String(),
		Success:    err == nil,
		Err:        err,
		Details:    map[string]string{"resolution": resolution},
	})
	if err != nil {
		return fmt.Errorf("resolve dead letter %s: %w", id, err)
	}
	return nil
}

// Get retrieves one entry.
func (q *Queue) Get(ctx context.Context, id string) (*domain.DeadLetter, error) {
	d, err := q.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	return d, nil
}

// List returns entries with status.
func (q *Queue) List(ctx context.Context, status domain.DeadLetterStatus) ([]*domain.DeadLetter, error) {
	ds, err := q.store.ListByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return ds, nil
}

// ListFailed returns entries that need operator resolution.
func (q *Queue) ListFailed(ctx context.Context) ([]*domain.DeadLetter, error) {
	return q.List(ctx, domain.DeadLetterFailed)
}
