// Package nonce issues strictly increasing per-identity sequence numbers.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"order-engine/internal/audit"
	"order-engine/internal/domain"
	"order-engine/internal/identity"
	"order-engine/internal/observability"
	"order-engine/internal/storage"
)

var (
	// ErrRegression is returned when the store hands out a value at or below
	// one this process has already seen, e.g. after a database restore.
	ErrRegression = errors.New("nonce regression")

	// ErrReused is returned when a value was allocated before: by IssueNext if
	// the store hands out a taken value, by Reset for a value below the highest
	// allocation.
	ErrReused = errors.New("nonce already allocated")
)

// Release reasons.
const (
	ReasonStaleQuote    = "stale_quote"
	ReasonCycleConflict = "cycle_conflict"
	ReasonAbandoned     = "abandoned"
)

// Options for creating an Issuer.
type Options struct {
	Store  storage.NonceStore
	Audit  *audit.Log
	Logger *zap.SugaredLogger
	Now    func() time.Time

	// Validate checks signing identities. Nil accepts any non-empty identity.
	Validate func(string) error
}

// Issuer allocates nonces through the store's atomic increment. The only
// in-process state is a per-identity watermark used to detect regressions.
type Issuer struct {
	store    storage.NonceStore
	audit    *audit.Log
	logger   *zap.SugaredLogger
	now      func() time.Time
	validate func(string) error

	mu        sync.Mutex
	watermark map[string]int64
	recovered map[string]bool
}

// New creates a new Issuer.
func New(opts Options) *Issuer {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		store:     opts.Store,
		audit:     opts.Audit,
		logger:    observability.OrNop(opts.Logger).Named("nonce"),
		now:       now,
		validate:  opts.Validate,
		watermark: make(map[string]int64),
		recovered: make(map[string]bool),
	}
}

// ValidateEd25519 is the Validate option for base58 ed25519 identities.
var ValidateEd25519 = identity.Validate

func (i *Issuer) check(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty identity", storage.ErrInvalidInput)
	}
	if i.validate != nil {
		if err := i.validate(id); err != nil {
			return err
		}
	}
	return nil
}

// Recover loads the persisted counter into the watermark. It runs implicitly
// before the first IssueNext for an identity. Returns 0 for a new identity.
func (i *Issuer) Recover(ctx context.Context, id string) (int64, error) {
	if err := i.check(id); err != nil {
		return 0, err
	}

	var current int64
	st, err := i.store.Current(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("recover nonce for %s: %w", identity.Short(id), err)
	default:
		current = st.Current
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if wm := i.watermark[id]; current < wm {
		observability.RecordNonceRegression()
		return 0, fmt.Errorf("%w: %s stored %d below seen %d", ErrRegression, identity.Short(id), current, wm)
	}
	i.watermark[id] = current
	i.recovered[id] = true
	return current, nil
}

// IssueNext returns the next nonce for id. The first value ever issued for an
// identity is the current wall clock in milliseconds.
func (i *Issuer) IssueNext(ctx context.Context, id string) (int64, error) {
	if err := i.check(id); err != nil {
		return 0, err
	}

	i.mu.Lock()
	recovered := i.recovered[id]
	i.mu.Unlock()
	if !recovered {
		if _, err := i.Recover(ctx, id); err != nil {
			return 0, err
		}
	}

	i.mu.Lock()
	before := i.watermark[id]
	i.mu.Unlock()

	now := i.now().UTC()
	next, err := i.store.IssueNext(ctx, id, now.UnixMilli(), now)
	if errors.Is(err, storage.ErrDuplicateKey) {
		return 0, fmt.Errorf("%w: %s", ErrReused, identity.Short(id))
	}
	if err != nil {
		return 0, fmt.Errorf("issue nonce for %s: %w", identity.Short(id), err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if next <= before {
		observability.RecordNonceRegression()
		return 0, fmt.Errorf("%w: %s issued %d after %d", ErrRegression, identity.Short(id), next, before)
	}
	if next > i.watermark[id] {
		i.watermark[id] = next
	}
	observability.RecordNonceIssued(identity.Short(id))
	return next, nil
}

// MarkUsed records that the exchange accepted an order signed with nonce.
func (i *Issuer) MarkUsed(ctx context.Context, id string, nonce int64, orderID string) error {
	err := i.store.MarkAllocation(ctx, id, nonce, domain.NonceUsed, orderID, "", i.now().UTC())
	if err != nil {
		return fmt.Errorf("mark nonce %d used: %w", nonce, err)
	}
	return nil
}

// Release records that nonce was abandoned before submission. It is never reissued.
func (i *Issuer) Release(ctx context.Context, id string, nonce int64, reason string) error {
	err := i.store.MarkAllocation(ctx, id, nonce, domain.NonceReleased, "", reason, i.now().UTC())
	if err != nil {
		return fmt.Errorf("release nonce %d: %w", nonce, err)
	}
	observability.RecordNonceReleased(reason)
	i.logger.Debugw("nonce released", "identity", identity.Short(id), "nonce", nonce, "reason", reason)
	return nil
}

// Reset overwrites the persisted counter. Emergency use only; the attempt is
// audited with reason and actor. Values below the highest issued nonce are
// refused with ErrReused so issuance can never wedge on a taken value.
func (i *Issuer) Reset(ctx context.Context, id string, value int64, reason, actor string) error {
	if err := i.check(id); err != nil {
		return err
	}
	if value < 0 {
		return fmt.Errorf("%w: negative nonce", storage.ErrInvalidInput)
	}

	var previous int64
	if st, err := i.store.Current(ctx, id); err == nil {
		previous = st.Current
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("read nonce for %s: %w", identity.Short(id), err)
	}

	err := i.store.Reset(ctx, id, value, i.now().UTC())
	_ = i.audit.Record(ctx, audit.Event{
		EntityType: domain.EntityNonce,
		EntityID:   id,
		Action:     "reset",
		FromState:  strconv.FormatInt(previous, 10),
		ToState:    strconv.FormatInt(value, 10),
		Success:    err == nil,
		Err:        err,
		Details:    map[string]string{"reason": reason, "actor": actor},
	})
	if errors.Is(err, storage.ErrInvariant) {
		return fmt.Errorf("%w: %s reset to %d is below an issued nonce", ErrReused, identity.Short(id), value)
	}
	if err != nil {
		return fmt.Errorf("reset nonce for %s: %w", identity.Short(id), err)
	}

	i.mu.Lock()
	i.watermark[id] = value
	i.recovered[id] = true
	i.mu.Unlock()

	i.logger.Warnw("nonce reset", "identity", identity.Short(id), "from", previous, "to", value, "reason", reason, "actor", actor)
	return nil
}
