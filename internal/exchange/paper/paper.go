// Package paper is an in-memory venue for tests and dry runs.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"order-engine/internal/domain"
	"order-engine/internal/exchange"
)

// FillMode controls how new orders are handled.
type FillMode int

const (
	// FillImmediately fills every order in full at its limit price.
	FillImmediately FillMode = iota
	// Rest leaves orders submitted until Fill or Cancel is called.
	Rest
)

// Exchange is an in-memory exchange.Client. Orders are deduplicated by client id.
type Exchange struct {
	mu       sync.Mutex
	mode     FillMode
	orders   map[string]*exchange.OrderAck
	holdings map[string]exchange.Holding
	failures []error
	placed   int
	now      func() time.Time
}

// New creates a new paper exchange.
func New(mode FillMode) *Exchange {
	return &Exchange{
		mode:     mode,
		orders:   make(map[string]*exchange.OrderAck),
		holdings: make(map[string]exchange.Holding),
		now:      time.Now,
	}
}

// FailNext makes the next len(errs) PlaceOrder calls return errs in order.
func (e *Exchange) FailNext(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, errs...)
}

// SetHolding overrides the venue holding of token.
func (e *Exchange) SetHolding(token string, shares, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.holdings[token] = exchange.Holding{Token: token, Shares: shares, Price: price}
}

// Placed returns how many PlaceOrder calls reached the venue, duplicates included.
func (e *Exchange) Placed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.placed
}

// PlaceOrder implements exchange.Client.
func (e *Exchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", exchange.ErrTransient, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.failures) > 0 {
		err := e.failures[0]
		e.failures = e.failures[1:]
		return nil, err
	}
	e.placed++

	if existing, ok := e.orders[req.ClientOrderID]; ok {
		cp := *existing
		return &cp, nil
	}
	if !req.Size.IsPositive() || !req.Price.IsPositive() || !req.Side.IsValid() {
		return nil, fmt.Errorf("%w: invalid order", exchange.ErrRejected)
	}
	if req.Side == domain.SideSell && e.holdings[req.Token].Shares.LessThan(req.Size) {
		return nil, fmt.Errorf("%w: insufficient holdings of %s", exchange.ErrRejected, req.Token)
	}

	ack := &exchange.OrderAck{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: uuid.NewString(),
		Status:          domain.OrderSubmitted,
		FilledSize:      decimal.Zero,
		UpdatedAt:       e.now().UTC(),
	}
	e.orders[req.ClientOrderID] = ack
	if e.mode == FillImmediately {
		e.fill(ack, req.Token, req.Side, req.Size, req.Price)
	}

	cp := *ack
	return &cp, nil
}

// Fill fills a resting order in full. It needs the order's request fields
// because the paper venue keeps only acknowledgements.
func (e *Exchange) Fill(req exchange.OrderRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ack, ok := e.orders[req.ClientOrderID]
	if !ok {
		return exchange.ErrUnknownOrder
	}
	if ack.Status.IsTerminal() {
		return fmt.Errorf("%w: order is %s", exchange.ErrRejected, ack.Status)
	}
	e.fill(ack, req.Token, req.Side, req.Size, req.Price)
	return nil
}

// Cancel cancels a resting order.
func (e *Exchange) Cancel(clientOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ack, ok := e.orders[clientOrderID]
	if !ok {
		return exchange.ErrUnknownOrder
	}
	if ack.Status.IsTerminal() {
		return fmt.Errorf("%w: order is %s", exchange.ErrRejected, ack.Status)
	}
	ack.Status = domain.OrderCancelled
	ack.UpdatedAt = e.now().UTC()
	return nil
}

func (e *Exchange) fill(ack *exchange.OrderAck, token string, side domain.Side, size, price decimal.Decimal) {
	ack.Status = domain.OrderFilled
	ack.FilledSize = size
	ack.AvgPrice = price
	ack.UpdatedAt = e.now().UTC()

	h := e.holdings[token]
	h.Token = token
	h.Price = price
	if side == domain.SideBuy {
		h.Shares = h.Shares.Add(size)
	} else {
		h.Shares = h.Shares.Sub(size)
	}
	e.holdings[token] = h
}

// GetOrder implements exchange.Client.
func (e *Exchange) GetOrder(_ context.Context, clientOrderID string) (*exchange.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ack, ok := e.orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", exchange.ErrUnknownOrder, clientOrderID)
	}
	cp := *ack
	return &cp, nil
}

// GetHoldings implements exchange.Client. Zero holdings are omitted.
func (e *Exchange) GetHoldings(_ context.Context) ([]exchange.Holding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := make([]exchange.Holding, 0, len(e.holdings))
	for _, h := range e.holdings {
		if h.Shares.IsZero() {
			continue
		}
		result = append(result, h)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Token < result[j].Token })
	return result, nil
}

var _ exchange.Client = (*Exchange)(nil)
