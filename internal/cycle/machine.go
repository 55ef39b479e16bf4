// Package cycle implements the version-checked multi-leg trade state machine.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"order-engine/internal/audit"
	"order-engine/internal/domain"
	"order-engine/internal/observability"
	"order-engine/internal/storage"
)

// ErrRetriesExhausted is returned by AdvanceWithRetry when every attempt conflicted.
var ErrRetriesExhausted = errors.New("cycle conflict retries exhausted")

// InitialVersion is the version of a freshly opened cycle.
const InitialVersion int64 = 1

// Result is the outcome of a transition attempt. A conflict is a normal
// outcome: the caller re-reads Cycle and decides again.
type Result struct {
	Accepted   bool
	Conflict   bool
	NewVersion int64         // version after the attempt (unchanged when rejected)
	Cycle      *domain.Cycle // latest known cycle
}

// Options for creating a Machine.
type Options struct {
	Store  storage.CycleStore
	Audit  *audit.Log
	Logger *zap.SugaredLogger
	Now    func() time.Time
}

// Machine applies transitions through the store's compare-and-swap.
type Machine struct {
	store  storage.CycleStore
	audit  *audit.Log
	logger *zap.SugaredLogger
	now    func() time.Time
}

// New creates a new Machine.
func New(opts Options) *Machine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Machine{
		store:  opts.Store,
		audit:  opts.Audit,
		logger: observability.OrNop(opts.Logger).Named("cycle"),
		now:    now,
	}
}

// Open creates an idle cycle at InitialVersion.
func (m *Machine) Open(ctx context.Context, strategy, market string) (*domain.Cycle, error) {
	now := m.now().UTC()
	c := &domain.Cycle{
		ID:        uuid.NewString(),
		Strategy:  strategy,
		Market:    market,
		State:     domain.CycleIdle,
		Version:   InitialVersion,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Insert(ctx, c); err != nil {
		return nil, fmt.Errorf("insert cycle: %w", err)
	}

	_ = m.audit.Record(ctx, audit.Event{
		EntityType: domain.EntityCycle,
		EntityID:   c.ID,
		Action:     "open",
		ToState:    c.State.String(),
		Success:    true,
		Details:    map[string]string{"strategy": strategy, "market": market},
	})
	m.logger.Infow("cycle opened", "cycle_id", c.ID, "strategy", strategy, "market", market)
	return c, nil
}

// Get retrieves a cycle.
func (m *Machine) Get(ctx context.Context, id string) (*domain.Cycle, error) {
	c, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get cycle %s: %w", id, err)
	}
	return c, nil
}

// ListActive returns all non-terminal cycles.
func (m *Machine) ListActive(ctx context.Context) ([]*domain.Cycle, error) {
	cs, err := m.store.ListByState(ctx,
		domain.CycleIdle, domain.CycleLeg1Pending, domain.CycleLeg1Filled, domain.CycleLeg2Pending)
	if err != nil {
		return nil, fmt.Errorf("list active cycles: %w", err)
	}
	return cs, nil
}

// Advance applies t to the cycle if its version still equals expectedVersion.
// A version mismatch is reported as Result{Conflict: true} with a nil error.
// A transition that does not apply to the current state returns
// ErrInvalidTransition. Every attempt is audited.
func (m *Machine) Advance(ctx context.Context, id string, expectedVersion int64, t Transition) (Result, error) {
	cur, err := m.store.GetByID(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("get cycle %s: %w", id, err)
	}

	if cur.Version != expectedVersion {
		return m.conflict(ctx, cur, expectedVersion, t), nil
	}

	from := cur.State
	next := cur.Clone()
	now := m.now().UTC()
	if err := t.apply(next, now); err != nil {
		m.record(ctx, cur, t, expectedVersion, false, err)
		observability.RecordCycleTransition(t.Name(), false, false)
		return Result{NewVersion: cur.Version, Cycle: cur}, err
	}
	next.Version = expectedVersion + 1
	next.UpdatedAt = now

	err = m.store.CompareAndSwap(ctx, next, expectedVersion, from)
	if errors.Is(err, storage.ErrVersionConflict) {
		latest, gerr := m.store.GetByID(ctx, id)
		if gerr != nil {
			latest = cur
		}
		return m.conflict(ctx, latest, expectedVersion, t), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("advance cycle %s: %w", id, err)
	}

	m.record(ctx, cur, t, expectedVersion, true, nil)
	observability.RecordCycleTransition(t.Name(), true, false)
	m.logger.Infow("cycle advanced",
		"cycle_id", id, "transition", t.Name(), "from", from, "to", next.State, "version", next.Version)

	return Result{Accepted: true, NewVersion: next.Version, Cycle: next}, nil
}

func (m *Machine) conflict(ctx context.Context, latest *domain.Cycle, expectedVersion int64, t Transition) Result {
	err := fmt.Errorf("%w: expected version %d, found %d", storage.ErrVersionConflict, expectedVersion, latest.Version)
	m.record(ctx, latest, t, expectedVersion, false, err)
	observability.RecordCycleTransition(t.Name(), false, true)
	m.logger.Debugw("cycle transition conflict",
		"cycle_id", latest.ID, "transition", t.Name(), "expected_version", expectedVersion, "version", latest.Version)
	return Result{Conflict: true, NewVersion: latest.Version, Cycle: latest}
}

func (m *Machine) record(ctx context.Context, from *domain.Cycle, t Transition, expectedVersion int64, ok bool, err error) {
	_ = m.audit.Record(ctx, audit.Event{
		EntityType: domain.EntityCycle,
		EntityID:   from.ID,
		Action:     t.Name(),
		FromState:  from.State.String(),
		ToState:    t.Target().String(),
		Success:    ok,
		Err:        err,
		Details: map[string]int64{
			"expected_version": expectedVersion,
			"version":          from.Version,
		},
	})
}

// DecideFunc chooses the next transition from the latest cycle. Returning a
// nil Transition stops AdvanceWithRetry without changing the cycle.
type DecideFunc func(c *domain.Cycle) (Transition, error)

// AdvanceWithRetry re-reads the cycle and re-runs decide after every conflict,
// up to maxAttempts times.
func (m *Machine) AdvanceWithRetry(ctx context.Context, id string, decide DecideFunc, maxAttempts int) (Result, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var last Result
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, err := m.store.GetByID(ctx, id)
		if err != nil {
			return Result{}, fmt.Errorf("get cycle %s: %w", id, err)
		}

		t, err := decide(cur)
		if err != nil {
			return Result{NewVersion: cur.Version, Cycle: cur}, err
		}
		if t == nil {
			return Result{NewVersion: cur.Version, Cycle: cur}, nil
		}

		last, err = m.Advance(ctx, id, cur.Version, t)
		if err != nil || !last.Conflict {
			return last, err
		}
	}
	return last, fmt.Errorf("%w: cycle %s after %d attempts", ErrRetriesExhausted, id, maxAttempts)
}
