package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is open while shares are held.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// String returns the string representation of PositionStatus.
func (s PositionStatus) String() string {
	return string(s)
}

// Position is the locally believed holding of one token.
// Corresponds to the positions table.
type Position struct {
	Token         string
	Shares        decimal.Decimal
	AvgEntryPrice decimal.Decimal
	Status        PositionStatus
	RealizedPnL   decimal.Decimal
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

// ApplyFill returns the position after a fill of shares at price.
// Buys extend the position at a weighted average price; sells realize PnL
// against the average entry and close the position when flat.
func (p Position) ApplyFill(side Side, shares, price decimal.Decimal, at time.Time) Position {
	next := p
	next.UpdatedAt = at
	if next.Status == "" || next.Status == PositionClosed && next.Shares.IsZero() {
		next.OpenedAt = at
	}

	switch side {
	case SideBuy:
		total := p.Shares.Add(shares)
		if total.IsPositive() {
			cost := p.Shares.Mul(p.AvgEntryPrice).Add(shares.Mul(price))
			next.AvgEntryPrice = cost.Div(total)
		}
		next.Shares = total
	case SideSell:
		sold := decimal.Min(shares, p.Shares)
		next.RealizedPnL = p.RealizedPnL.Add(price.Sub(p.AvgEntryPrice).Mul(sold))
		next.Shares = p.Shares.Sub(shares)
	}

	if next.Shares.IsPositive() {
		next.Status = PositionOpen
	} else {
		next.Status = PositionClosed
	}
	return next
}
