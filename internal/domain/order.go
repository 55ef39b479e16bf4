package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the local view of an exchange-facing order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderSubmitted OrderStatus = "submitted"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderFailed    OrderStatus = "failed"
)

// String returns the string representation of OrderStatus.
func (s OrderStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a known value.
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderPending, OrderSubmitted, OrderPartial, OrderFilled, OrderCancelled, OrderFailed:
		return true
	}
	return false
}

// IsTerminal reports whether a terminal event (fill, cancel, reject) was observed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderFailed
}

// IsLive reports whether the order may still trade.
func (s OrderStatus) IsLive() bool {
	return !s.IsTerminal()
}

// Order is one exchange-facing order belonging to a cycle leg.
// Corresponds to the orders table.
type Order struct {
	ClientOrderID   string  // client-assigned, idempotency-bearing
	ExchangeOrderID *string // nil until acknowledged
	CycleID         string  // empty for standalone orders
	Leg             int     // 1 or 2, 0 for standalone orders

	Venue    string
	Identity string // signing identity
	Token    string
	Side     Side

	Price      decimal.Decimal
	Size       decimal.Decimal
	FilledSize decimal.Decimal
	Status     OrderStatus

	Nonce          int64
	IdempotencyKey string
	LastError      string

	CreatedAt time.Time
	UpdatedAt time.Time
}
