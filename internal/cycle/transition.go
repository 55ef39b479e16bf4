package cycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"order-engine/internal/domain"
)

// ErrInvalidTransition is returned when a transition does not apply to the
// cycle's current state.
var ErrInvalidTransition = errors.New("invalid cycle transition")

// Transition is one of SubmitLeg1, FillLeg1, SubmitLeg2, FillLeg2 or Abort.
type Transition interface {
	// Name identifies the transition in audit events and metrics.
	Name() string

	// Target is the state the cycle moves to when the transition is accepted.
	Target() domain.CycleState

	apply(c *domain.Cycle, at time.Time) error
}

// SubmitLeg1 records the first leg's order: idle -> leg1_pending.
type SubmitLeg1 struct {
	Side   domain.Side
	Token  string
	Price  decimal.Decimal
	Shares decimal.Decimal
}

func (SubmitLeg1) Name() string              { return "submit_leg1" }
func (SubmitLeg1) Target() domain.CycleState { return domain.CycleLeg1Pending }

func (t SubmitLeg1) apply(c *domain.Cycle, _ time.Time) error {
	if err := requireState(c, domain.CycleIdle, t); err != nil {
		return err
	}
	c.Leg1 = domain.Leg{Side: t.Side, Token: t.Token, EntryPrice: t.Price, Shares: t.Shares}
	c.State = t.Target()
	return nil
}

// FillLeg1 records the first leg's execution: leg1_pending -> leg1_filled.
type FillLeg1 struct {
	Price  decimal.Decimal
	Shares decimal.Decimal
}

func (FillLeg1) Name() string              { return "fill_leg1" }
func (FillLeg1) Target() domain.CycleState { return domain.CycleLeg1Filled }

func (t FillLeg1) apply(c *domain.Cycle, at time.Time) error {
	if err := requireState(c, domain.CycleLeg1Pending, t); err != nil {
		return err
	}
	filled := at
	c.Leg1.EntryPrice = t.Price
	c.Leg1.Shares = t.Shares
	c.Leg1.FilledAt = &filled
	c.State = t.Target()
	return nil
}

// SubmitLeg2 records the second leg's order: leg1_filled -> leg2_pending.
type SubmitLeg2 struct {
	Side   domain.Side
	Token  string
	Price  decimal.Decimal
	Shares decimal.Decimal
}

func (SubmitLeg2) Name() string              { return "submit_leg2" }
func (SubmitLeg2) Target() domain.CycleState { return domain.CycleLeg2Pending }

func (t SubmitLeg2) apply(c *domain.Cycle, _ time.Time) error {
	if err := requireState(c, domain.CycleLeg1Filled, t); err != nil {
		return err
	}
	c.Leg2 = domain.Leg{Side: t.Side, Token: t.Token, EntryPrice: t.Price, Shares: t.Shares}
	c.State = t.Target()
	return nil
}

// FillLeg2 records the second leg's execution and closes the cycle:
// leg2_pending -> completed. RealizedPnL is the net cash flow of both legs.
type FillLeg2 struct {
	Price  decimal.Decimal
	Shares decimal.Decimal
}

func (FillLeg2) Name() string              { return "fill_leg2" }
func (FillLeg2) Target() domain.CycleState { return domain.CycleCompleted }

func (t FillLeg2) apply(c *domain.Cycle, at time.Time) error {
	if err := requireState(c, domain.CycleLeg2Pending, t); err != nil {
		return err
	}
	filled := at
	c.Leg2.EntryPrice = t.Price
	c.Leg2.Shares = t.Shares
	c.Leg2.FilledAt = &filled
	c.RealizedPnL = cashFlow(c.Leg1).Add(cashFlow(c.Leg2))
	c.State = t.Target()
	return nil
}

// Abort ends the cycle from any non-terminal state.
type Abort struct {
	Reason string
}

func (Abort) Name() string              { return "abort" }
func (Abort) Target() domain.CycleState { return domain.CycleAborted }

func (t Abort) apply(c *domain.Cycle, _ time.Time) error {
	if c.State.IsTerminal() {
		return fmt.Errorf("%w: %s from terminal state %s", ErrInvalidTransition, t.Name(), c.State)
	}
	c.AbortReason = t.Reason
	c.State = t.Target()
	return nil
}

func requireState(c *domain.Cycle, want domain.CycleState, t Transition) error {
	if c.State != want {
		return fmt.Errorf("%w: %s requires %s, cycle is %s", ErrInvalidTransition, t.Name(), want, c.State)
	}
	return nil
}

// cashFlow is negative for buys and positive for sells.
func cashFlow(l domain.Leg) decimal.Decimal {
	v := l.EntryPrice.Mul(l.Shares)
	if l.Side == domain.SideBuy {
		return v.Neg()
	}
	return v
}
