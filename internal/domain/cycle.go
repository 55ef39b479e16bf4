package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CycleState is the lifecycle state of a multi-leg trade.
type CycleState string

const (
	CycleIdle        CycleState = "idle"
	CycleLeg1Pending CycleState = "leg1_pending"
	CycleLeg1Filled  CycleState = "leg1_filled"
	CycleLeg2Pending CycleState = "leg2_pending"
	CycleCompleted   CycleState = "completed"
	CycleAborted     CycleState = "aborted"
)

// String returns the string representation of CycleState.
func (s CycleState) String() string {
	return string(s)
}

// IsValid checks if the state is a known value.
func (s CycleState) IsValid() bool {
	switch s {
	case CycleIdle, CycleLeg1Pending, CycleLeg1Filled, CycleLeg2Pending, CycleCompleted, CycleAborted:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s CycleState) IsTerminal() bool {
	return s == CycleCompleted || s == CycleAborted
}

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// String returns the string representation of Side.
func (s Side) String() string {
	return string(s)
}

// IsValid checks if the side is a known value.
func (s Side) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// Leg holds the per-leg fields of a cycle. Zero value means the leg has not started.
type Leg struct {
	Side       Side
	Token      string
	EntryPrice decimal.Decimal
	Shares     decimal.Decimal
	FilledAt   *time.Time
}

// IsZero reports whether the leg was never recorded.
func (l Leg) IsZero() bool {
	return l.Side == "" && l.Token == ""
}

// Cycle is one multi-leg trade attempt, mutated only through version-checked transitions.
// Corresponds to the cycles table.
type Cycle struct {
	ID       string
	Strategy string
	Market   string
	State    CycleState
	Version  int64 // optimistic lock token, +1 per successful mutation

	Leg1 Leg
	Leg2 Leg

	RealizedPnL decimal.Decimal
	AbortReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the cycle.
func (c *Cycle) Clone() *Cycle {
	cp := *c
	if c.Leg1.FilledAt != nil {
		t := *c.Leg1.FilledAt
		cp.Leg1.FilledAt = &t
	}
	if c.Leg2.FilledAt != nil {
		t := *c.Leg2.FilledAt
		cp.Leg2.FilledAt = &t
	}
	return &cp
}
