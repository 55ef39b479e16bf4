package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the last observed top of book for a (token, side) pair.
// Corresponds to the quotes table.
type Quote struct {
	Token      string
	Side       Side
	BestBid    decimal.Decimal
	BestAsk    decimal.Decimal
	ObservedAt time.Time
}

// Mid returns the midpoint of bid and ask, or whichever side is set.
func (q Quote) Mid() decimal.Decimal {
	switch {
	case q.BestBid.IsPositive() && q.BestAsk.IsPositive():
		return q.BestBid.Add(q.BestAsk).Div(decimal.NewFromInt(2))
	case q.BestAsk.IsPositive():
		return q.BestAsk
	default:
		return q.BestBid
	}
}

// Age returns how old the observation is at now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.ObservedAt)
}
