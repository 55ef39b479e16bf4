// Package exchange defines the venue boundary used by the execution pipeline
// and the reconciliation engine.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"order-engine/internal/domain"
)

// Error classes. Every Client error wraps exactly one of them.
var (
	// ErrTransient covers network failures, timeouts, 429 and 5xx. The order
	// may or may not have reached the venue.
	ErrTransient = errors.New("exchange transient failure")

	// ErrRejected means the venue refused the request as invalid.
	ErrRejected = errors.New("exchange rejected request")

	// ErrUnknownOrder means the venue has no order with the client id.
	ErrUnknownOrder = errors.New("exchange unknown order")
)

// Client is the venue API.
type Client interface {
	// PlaceOrder submits an order. The venue deduplicates by ClientOrderID, so
	// re-placing the same request returns the original acknowledgement.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)

	// GetOrder returns the venue's view of an order.
	GetOrder(ctx context.Context, clientOrderID string) (*OrderAck, error)

	// GetHoldings returns the authoritative holdings of the account.
	GetHoldings(ctx context.Context) ([]Holding, error)
}

// OrderRequest is a signed order submission.
type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Identity      string          `json:"identity"`
	Nonce         int64           `json:"nonce"`
	Token         string          `json:"token"`
	Side          domain.Side     `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
}

// OrderAck is the venue's state of an order.
type OrderAck struct {
	ClientOrderID   string             `json:"client_order_id"`
	ExchangeOrderID string             `json:"exchange_order_id"`
	Status          domain.OrderStatus `json:"status"`
	FilledSize      decimal.Decimal    `json:"filled_size"`
	AvgPrice        decimal.Decimal    `json:"avg_price"`
	Reason          string             `json:"reason,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Holding is one token position held at the venue. Price is the venue's mark
// used to value the position.
type Holding struct {
	Token  string          `json:"token"`
	Shares decimal.Decimal `json:"shares"`
	Price  decimal.Decimal `json:"price"`
}

// Classify returns the error class label used in metrics and audit details.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrUnknownOrder):
		return "unknown_order"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "transient"
	default:
		return "unknown"
	}
}

// IsRetryable reports whether err may succeed on retry.
func IsRetryable(err error) bool {
	return Classify(err) == "transient" || Classify(err) == "unknown"
}
