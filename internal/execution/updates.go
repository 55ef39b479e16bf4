package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"order-engine/internal/cycle"
	"order-engine/internal/domain"
	"order-engine/internal/exchange"
	"order-engine/internal/idempotency"
	"order-engine/internal/storage"
)

// submitPayload is the dead-letter payload of a failed dispatch. The order
// row holds everything else, including the nonce it was signed with.
type submitPayload struct {
	ClientOrderID string `json:"client_order_id"`
}

// ApplyUpdate applies the exchange's view of an order: status, fills into
// the position and, for cycle orders, the matching cycle transition. It is
// the single path for dispatch responses, retries and reconciliation.
// Updates for orders already terminal are ignored.
func (s *Submitter) ApplyUpdate(ctx context.Context, ack exchange.OrderAck) error {
	o, err := s.orders.GetByClientID(ctx, ack.ClientOrderID)
	if err != nil {
		return fmt.Errorf("get order %s: %w", ack.ClientOrderID, err)
	}
	if o.Status.IsTerminal() {
		return nil
	}

	status := ack.Status
	if !status.IsValid() {
		status = o.Status
	}
	filled := ack.FilledSize
	if filled.LessThan(o.FilledSize) {
		filled = o.FilledSize
	}
	delta := filled.Sub(o.FilledSize)

	next := *o
	next.Status = status
	next.FilledSize = filled
	next.LastError = ack.Reason
	next.UpdatedAt = s.now().UTC()
	if ack.ExchangeOrderID != "" {
		id := ack.ExchangeOrderID
		next.ExchangeOrderID = &id
	}

	err = s.orders.Update(ctx, &next)
	if errors.Is(err, storage.ErrTerminal) {
		// Another path applied the terminal update first.
		return nil
	}
	s.recordOrder(ctx, o, o.Status, status, err)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ClientOrderID, err)
	}
	s.refreshOutcome(ctx, o, idempotency.Outcome{
		Status:          status.String(),
		Reason:          ack.Reason,
		ExchangeOrderID: ack.ExchangeOrderID,
	}, status != domain.OrderFailed)

	price := o.Price
	if ack.AvgPrice.IsPositive() {
		price = ack.AvgPrice
	}
	if delta.IsPositive() {
		if _, err := s.positions.ApplyFill(ctx, o.Token, o.Side, delta, price, next.UpdatedAt); err != nil {
			return fmt.Errorf("apply fill to %s: %w", o.Token, err)
		}
	}

	if o.CycleID == "" {
		return nil
	}
	switch status {
	case domain.OrderFilled:
		return s.fillCycle(ctx, o, price, filled)
	case domain.OrderCancelled, domain.OrderFailed:
		s.abortCycle(ctx, o.CycleID, "order_"+status.String())
	}
	return nil
}

// fillCycle moves the cycle out of the leg's pending state.
func (s *Submitter) fillCycle(ctx context.Context, o *domain.Order, price, shares decimal.Decimal) error {
	pending := domain.CycleLeg1Pending
	if o.Leg == 2 {
		pending = domain.CycleLeg2Pending
	}

	_, err := s.cycles.AdvanceWithRetry(ctx, o.CycleID, func(c *domain.Cycle) (cycle.Transition, error) {
		if c.State != pending {
			return nil, nil
		}
		if o.Leg == 2 {
			return cycle.FillLeg2{Price: price, Shares: shares}, nil
		}
		return cycle.FillLeg1{Price: price, Shares: shares}, nil
	}, s.cfg.CycleRetryAttempts)
	if err != nil {
		return fmt.Errorf("fill cycle %s leg %d: %w", o.CycleID, o.Leg, err)
	}
	return nil
}

// retrySubmit is the dead-letter handler for OpSubmitOrder. It re-places the
// stored order under the same client order id and nonce.
func (s *Submitter) retrySubmit(ctx context.Context, payload []byte) error {
	var p submitPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ClientOrderID == "" {
		return backoff.Permanent(fmt.Errorf("decode submit payload: %v", err))
	}

	o, err := s.orders.GetByClientID(ctx, p.ClientOrderID)
	if errors.Is(err, storage.ErrNotFound) {
		return backoff.Permanent(fmt.Errorf("order %s not found", p.ClientOrderID))
	}
	if err != nil {
		return err
	}
	if o.Status.IsTerminal() {
		return nil
	}

	ack, err := s.exchange.PlaceOrder(ctx, requestFor(o))
	if errors.Is(err, exchange.ErrRejected) {
		s.markUsed(ctx, o)
		s.failOrder(ctx, o, err.Error())
		s.abortCycle(ctx, o.CycleID, ReasonExchangeRejected)
		s.refreshOutcome(ctx, o, idempotency.Outcome{Status: StatusRejected, Reason: ReasonExchangeRejected}, false)
		return backoff.Permanent(err)
	}
	if err != nil {
		return err
	}

	s.markUsed(ctx, o)
	if err := s.ApplyUpdate(ctx, *ack); err != nil {
		return err
	}
	s.logger.Infow("dead-lettered order placed", "client_order_id", o.ClientOrderID, "status", ack.Status)
	return nil
}

// submitExhausted runs when a dead-lettered dispatch will not be retried
// again. The order may have been seen by the venue, so its nonce is consumed.
func (s *Submitter) submitExhausted(ctx context.Context, payload []byte, cause error) {
	var p submitPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ClientOrderID == "" {
		return
	}
	o, err := s.orders.GetByClientID(ctx, p.ClientOrderID)
	if err != nil {
		s.logger.Warnw("exhausted order lookup", "client_order_id", p.ClientOrderID, "error", err)
		return
	}
	if o.Status.IsTerminal() {
		return
	}
	s.markUsed(ctx, o)
	s.abandon(ctx, o, ReasonRetriesExhausted)
	s.logger.Warnw("order dispatch abandoned", "client_order_id", o.ClientOrderID, "cause", cause)
}

// Abandon fails a non-terminal order the venue does not know. It reports
// false when the order is already terminal or a dispatch retry for it is
// still queued. The nonce is released unless the order consumed it.
func (s *Submitter) Abandon(ctx context.Context, clientOrderID, reason string) (bool, error) {
	o, err := s.orders.GetByClientID(ctx, clientOrderID)
	if err != nil {
		return false, fmt.Errorf("get order %s: %w", clientOrderID, err)
	}
	if o.Status.IsTerminal() {
		return false, nil
	}
	queued, err := s.retryQueued(ctx, clientOrderID)
	if err != nil {
		return false, err
	}
	if queued {
		return false, nil
	}

	s.releaseNonce(ctx, o.Identity, o.Nonce, reason)
	return s.abandon(ctx, o, reason), nil
}

func (s *Submitter) abandon(ctx context.Context, o *domain.Order, reason string) bool {
	if !s.failOrder(ctx, o, reason) {
		return false
	}
	s.abortCycle(ctx, o.CycleID, reason)
	s.refreshOutcome(ctx, o, idempotency.Outcome{Status: domain.OrderFailed.String(), Reason: reason}, false)
	return true
}

// retryQueued reports whether a dispatch retry of clientOrderID is pending
// or in flight.
func (s *Submitter) retryQueued(ctx context.Context, clientOrderID string) (bool, error) {
	if s.dlq == nil {
		return false, nil
	}
	for _, st := range []domain.DeadLetterStatus{domain.DeadLetterPending, domain.DeadLetterRetrying} {
		ds, err := s.dlq.List(ctx, st)
		if err != nil {
			return false, err
		}
		for _, d := range ds {
			if d.OperationType != OpSubmitOrder {
				continue
			}
			var p submitPayload
			if json.Unmarshal(d.Payload, &p) == nil && p.ClientOrderID == clientOrderID {
				return true, nil
			}
		}
	}
	return false, nil
}
