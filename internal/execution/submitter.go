// Package execution turns order intents into exchange orders: deduplicate,
// check quote freshness, allocate a nonce, record the cycle transition,
// dispatch, then apply the response or hand the failure to the dead-letter queue.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-engine/internal/audit"
	"order-engine/internal/cycle"
	"order-engine/internal/deadletter"
	"order-engine/internal/domain"
	"order-engine/internal/exchange"
	"order-engine/internal/idempotency"
	"order-engine/internal/idhash"
	"order-engine/internal/nonce"
	"order-engine/internal/observability"
	"order-engine/internal/quote"
	"order-engine/internal/storage"
)

// OpSubmitOrder is the dead-letter operation type of a failed dispatch.
const OpSubmitOrder = "submit_order"

// Submission statuses beyond the order statuses.
const (
	StatusRejected = "rejected"
	StatusConflict = "conflict"
)

// Rejection and failure reasons.
const (
	ReasonStaleQuote       = "stale_quote"
	ReasonNoQuote          = "no_quote"
	ReasonCycleConflict    = "cycle_conflict"
	ReasonExchangeRejected = "exchange_rejected"
	ReasonRetriesExhausted = "retries_exhausted"
)

// SubmitRequest is one order submission.
type SubmitRequest struct {
	Intent domain.OrderIntent

	// CycleID and Leg attach the order to a cycle leg. ExpectedVersion is the
	// cycle version the caller decided on; zero means the current version.
	CycleID         string
	Leg             int
	ExpectedVersion int64

	// RequireFreshQuote gates the submission on a quote no older than MaxQuoteAge.
	RequireFreshQuote bool
	MaxQuoteAge       time.Duration
}

// SubmitResult is the outcome returned to the caller.
type SubmitResult struct {
	OrderID         string `json:"order_id,omitempty"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	Duplicate       bool   `json:"duplicate"`
	Queued          bool   `json:"queued,omitempty"`
	DeadLetterID    string `json:"dead_letter_id,omitempty"`
	CycleVersion    int64  `json:"cycle_version,omitempty"`
}

// Config holds submission parameters.
type Config struct {
	CycleRetryAttempts int // conflict retries when applying fills (default 3)

	// BookkeepingTimeout bounds each state write made after a failure or an
	// exchange response. Those writes ignore the caller's cancellation.
	BookkeepingTimeout time.Duration // default 10s
}

// Options for creating a Submitter.
type Options struct {
	Config      Config
	Guard       *idempotency.Guard
	Gate        *quote.Gate
	Nonces      *nonce.Issuer
	Cycles      *cycle.Machine
	Orders      storage.OrderStore
	Positions   storage.PositionStore
	Exchange    exchange.Client
	DeadLetters *deadletter.Queue
	Audit       *audit.Log
	Logger      *zap.SugaredLogger
	Now         func() time.Time
}

// Submitter runs the submission pipeline.
type Submitter struct {
	cfg       Config
	guard     *idempotency.Guard
	gate      *quote.Gate
	nonces    *nonce.Issuer
	cycles    *cycle.Machine
	orders    storage.OrderStore
	positions storage.PositionStore
	exchange  exchange.Client
	dlq       *deadletter.Queue
	audit     *audit.Log
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// New creates a new Submitter and registers its dead-letter handler.
func New(opts Options) *Submitter {
	cfg := opts.Config
	if cfg.CycleRetryAttempts <= 0 {
		cfg.CycleRetryAttempts = 3
	}
	if cfg.BookkeepingTimeout <= 0 {
		cfg.BookkeepingTimeout = 10 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Submitter{
		cfg:       cfg,
		guard:     opts.Guard,
		gate:      opts.Gate,
		nonces:    opts.Nonces,
		cycles:    opts.Cycles,
		orders:    opts.Orders,
		positions: opts.Positions,
		exchange:  opts.Exchange,
		dlq:       opts.DeadLetters,
		audit:     opts.Audit,
		logger:    observability.OrNop(opts.Logger).Named("execution"),
		now:       now,
	}
	if s.dlq != nil {
		s.dlq.Register(OpSubmitOrder, s.retrySubmit)
		s.dlq.OnExhausted(OpSubmitOrder, s.submitExhausted)
	}
	return s
}

func validate(req SubmitRequest) error {
	in := req.Intent
	switch {
	case in.Token == "" || in.Identity == "":
		return fmt.Errorf("%w: token and identity are required", storage.ErrInvalidInput)
	case !in.Side.IsValid():
		return fmt.Errorf("%w: side %q", storage.ErrInvalidInput, in.Side)
	case !in.Size.IsPositive() || !in.Price.IsPositive():
		return fmt.Errorf("%w: size and price must be positive", storage.ErrInvalidInput)
	case req.CycleID != "" && req.Leg != 1 && req.Leg != 2:
		return fmt.Errorf("%w: leg must be 1 or 2", storage.ErrInvalidInput)
	}
	return nil
}

// SubmitOrder submits an intent at most once per idempotency window.
func (s *Submitter) SubmitOrder(ctx context.Context, req SubmitRequest) (res *SubmitResult, err error) {
	start := time.Now()
	defer func() {
		status := "error"
		if res != nil {
			status = res.Status
			if res.Duplicate {
				status = "duplicate"
			}
		}
		observability.RecordSubmit(status, time.Since(start).Seconds())
	}()

	if err := validate(req); err != nil {
		return nil, err
	}

	// 1. Deduplicate.
	dec, err := s.guard.Begin(ctx, req.Intent)
	if err != nil {
		return nil, fmt.Errorf("idempotency check: %w", err)
	}
	if !dec.New {
		return &SubmitResult{
			OrderID:         dec.Cached.OrderID,
			ExchangeOrderID: dec.Cached.ExchangeOrderID,
			Status:          dec.Cached.Status,
			Reason:          dec.Cached.Reason,
			Duplicate:       true,
		}, nil
	}
	key := dec.Key

	// 2. Quote freshness before committing any resources.
	if req.RequireFreshQuote {
		reason, err := s.checkQuote(ctx, req)
		if err != nil || reason != "" {
			s.release(ctx, key)
			if err != nil {
				return nil, err
			}
			return &SubmitResult{Status: StatusRejected, Reason: reason}, nil
		}
	}

	// 3. Nonce.
	n, err := s.nonces.IssueNext(ctx, req.Intent.Identity)
	if err != nil {
		s.release(ctx, key)
		return nil, fmt.Errorf("issue nonce: %w", err)
	}
	clientID := idhash.ComputeClientOrderID(key, n)

	// 4. Cycle transition.
	var cycleVersion int64
	if req.CycleID != "" {
		result, err := s.advanceSubmit(ctx, req)
		if err != nil || result.Conflict {
			s.releaseNonce(ctx, req.Intent.Identity, n, nonce.ReasonCycleConflict)
			s.release(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("advance cycle: %w", err)
			}
			return &SubmitResult{Status: StatusConflict, Reason: ReasonCycleConflict, CycleVersion: result.NewVersion}, nil
		}
		cycleVersion = result.NewVersion
	}

	// 5. Persist the order before it can reach the exchange.
	now := s.now().UTC()
	o := &domain.Order{
		ClientOrderID:  clientID,
		CycleID:        req.CycleID,
		Leg:            req.Leg,
		Venue:          req.Intent.Venue,
		Identity:       req.Intent.Identity,
		Token:          req.Intent.Token,
		Side:           req.Intent.Side,
		Price:          req.Intent.Price,
		Size:           req.Intent.Size,
		FilledSize:     decimal.Zero,
		Status:         domain.OrderPending,
		Nonce:          n,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.orders.Insert(ctx, o); err != nil {
		s.releaseNonce(ctx, o.Identity, n, nonce.ReasonAbandoned)
		s.abortCycle(ctx, req.CycleID, "order_insert_failed")
		s.release(ctx, key)
		return nil, fmt.Errorf("insert order: %w", err)
	}
	s.recordOrder(ctx, o, "", domain.OrderPending, nil)

	// 6. Re-check freshness immediately before dispatch.
	if req.RequireFreshQuote {
		if reason, err := s.checkQuote(ctx, req); err != nil || reason != "" {
			if err != nil {
				reason = ReasonStaleQuote
			}
			s.releaseNonce(ctx, o.Identity, n, nonce.ReasonStaleQuote)
			s.failOrder(ctx, o, reason)
			s.abortCycle(ctx, req.CycleID, reason)
			out := idempotency.Outcome{OrderID: clientID, Status: StatusRejected, Reason: reason}
			s.finishGuard(ctx, key, out, false)
			return &SubmitResult{OrderID: clientID, Status: StatusRejected, Reason: reason, CycleVersion: s.cycleVersion(ctx, req.CycleID, cycleVersion)}, nil
		}
	}

	// 7. Exchange call. No lock is held here. From here on the order may be
	// at the venue, so its bookkeeping must complete even if ctx is cancelled.
	ack, err := s.exchange.PlaceOrder(ctx, requestFor(o))
	post, cancel := s.detach(ctx)
	defer cancel()
	switch {
	case err == nil:
		s.markUsed(post, o)
		if uerr := s.ApplyUpdate(post, *ack); uerr != nil {
			s.logger.Errorw("apply order ack", "client_order_id", clientID, "error", uerr)
		}
		out := idempotency.Outcome{OrderID: clientID, Status: ack.Status.String(), ExchangeOrderID: ack.ExchangeOrderID}
		s.finishGuard(post, key, out, true)
		return &SubmitResult{
			OrderID:         clientID,
			ExchangeOrderID: ack.ExchangeOrderID,
			Status:          ack.Status.String(),
			CycleVersion:    s.cycleVersion(post, req.CycleID, cycleVersion),
		}, nil

	case errors.Is(err, exchange.ErrRejected):
		s.markUsed(post, o)
		s.failOrder(post, o, err.Error())
		s.abortCycle(post, req.CycleID, ReasonExchangeRejected)
		out := idempotency.Outcome{OrderID: clientID, Status: StatusRejected, Reason: ReasonExchangeRejected}
		s.finishGuard(post, key, out, false)

		res := &SubmitResult{OrderID: clientID, Status: StatusRejected, Reason: ReasonExchangeRejected, CycleVersion: s.cycleVersion(post, req.CycleID, cycleVersion)}
		dl, derr := s.dlq.CapturePermanent(post, OpSubmitOrder, submitPayload{ClientOrderID: clientID}, err)
		if derr != nil {
			s.logger.Errorw("capture rejected order", "client_order_id", clientID, "error", derr)
		} else {
			res.DeadLetterID = dl.ID
		}
		return res, nil

	default:
		// Ambiguous: the order may have reached the venue. It stays pending
		// and the dead-letter queue re-places it under the same client id.
		s.logger.Warnw("order dispatch failed", "client_order_id", clientID, "error", err)
		out := idempotency.Outcome{OrderID: clientID, Status: domain.OrderPending.String()}
		s.finishGuard(post, key, out, true)

		res := &SubmitResult{OrderID: clientID, Status: domain.OrderPending.String(), Queued: true, CycleVersion: s.cycleVersion(post, req.CycleID, cycleVersion)}
		dl, derr := s.dlq.Capture(post, OpSubmitOrder, submitPayload{ClientOrderID: clientID}, err)
		if derr != nil {
			return res, fmt.Errorf("capture dispatch failure: %w", derr)
		}
		res.DeadLetterID = dl.ID
		return res, nil
	}
}

// checkQuote returns a rejection reason, or "" when a fresh quote exists.
func (s *Submitter) checkQuote(ctx context.Context, req SubmitRequest) (string, error) {
	l, err := s.gate.GetFresh(ctx, req.Intent.Token, req.Intent.Side, req.MaxQuoteAge)
	if err != nil {
		return "", fmt.Errorf("quote check: %w", err)
	}
	switch {
	case !l.Found:
		return ReasonNoQuote, nil
	case !l.Fresh:
		return ReasonStaleQuote, nil
	}
	return "", nil
}

func (s *Submitter) advanceSubmit(ctx context.Context, req SubmitRequest) (cycle.Result, error) {
	version := req.ExpectedVersion
	if version == 0 {
		c, err := s.cycles.Get(ctx, req.CycleID)
		if err != nil {
			return cycle.Result{}, err
		}
		version = c.Version
	}

	in := req.Intent
	var t cycle.Transition = cycle.SubmitLeg1{Side: in.Side, Token: in.Token, Price: in.Price, Shares: in.Size}
	if req.Leg == 2 {
		t = cycle.SubmitLeg2{Side: in.Side, Token: in.Token, Price: in.Price, Shares: in.Size}
	}
	return s.cycles.Advance(ctx, req.CycleID, version, t)
}

func (s *Submitter) cycleVersion(ctx context.Context, cycleID string, fallback int64) int64 {
	if cycleID == "" {
		return 0
	}
	c, err := s.cycles.Get(ctx, cycleID)
	if err != nil {
		return fallback
	}
	return c.Version
}

func requestFor(o *domain.Order) exchange.OrderRequest {
	return exchange.OrderRequest{
		ClientOrderID: o.ClientOrderID,
		Identity:      o.Identity,
		Nonce:         o.Nonce,
		Token:         o.Token,
		Side:          o.Side,
		Price:         o.Price,
		Size:          o.Size,
	}
}

// detach returns a context that outlives ctx's cancellation, bounded by
// BookkeepingTimeout.
func (s *Submitter) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.BookkeepingTimeout)
}

func (s *Submitter) release(ctx context.Context, key string) {
	ctx, cancel := s.detach(ctx)
	defer cancel()
	if err := s.guard.Release(ctx, key); err != nil {
		s.logger.Warnw("release idempotency key", "key", key, "error", err)
	}
}

func (s *Submitter) finishGuard(ctx context.Context, key string, out idempotency.Outcome, ok bool) {
	ctx, cancel := s.detach(ctx)
	defer cancel()
	var err error
	if ok {
		err = s.guard.Complete(ctx, key, out)
	} else {
		err = s.guard.Fail(ctx, key, out)
	}
	if err != nil {
		s.logger.Warnw("cache submission outcome", "key", key, "order_id", out.OrderID, "error", err)
	}
}

func (s *Submitter) releaseNonce(ctx context.Context, identity string, n int64, reason string) {
	ctx, cancel := s.detach(ctx)
	defer cancel()
	if err := s.nonces.Release(ctx, identity, n, reason); err != nil && !errors.Is(err, storage.ErrTerminal) {
		s.logger.Warnw("release nonce", "nonce", n, "reason", reason, "error", err)
	}
}

func (s *Submitter) markUsed(ctx context.Context, o *domain.Order) {
	ctx, cancel := s.detach(ctx)
	defer cancel()
	err := s.nonces.MarkUsed(ctx, o.Identity, o.Nonce, o.ClientOrderID)
	if err != nil && !errors.Is(err, storage.ErrTerminal) {
		s.logger.Warnw("mark nonce used", "nonce", o.Nonce, "client_order_id", o.ClientOrderID, "error", err)
	}
}

// failOrder moves o to failed. Returns false if the order was already terminal
// or the write failed.
func (s *Submitter) failOrder(ctx context.Context, o *domain.Order, reason string) bool {
	ctx, cancel := s.detach(ctx)
	defer cancel()
	next := *o
	next.Status = domain.OrderFailed
	next.LastError = reason
	next.UpdatedAt = s.now().UTC()
	err := s.orders.Update(ctx, &next)
	s.recordOrder(ctx, o, o.Status, domain.OrderFailed, err)
	if err != nil && !errors.Is(err, storage.ErrTerminal) {
		s.logger.Warnw("fail order", "client_order_id", o.ClientOrderID, "error", err)
	}
	return err == nil
}

func (s *Submitter) abortCycle(ctx context.Context, cycleID, reason string) {
	if cycleID == "" {
		return
	}
	ctx, cancel := s.detach(ctx)
	defer cancel()
	_, err := s.cycles.AdvanceWithRetry(ctx, cycleID, func(c *domain.Cycle) (cycle.Transition, error) {
		if c.State.IsTerminal() {
			return nil, nil
		}
		return cycle.Abort{Reason: reason}, nil
	}, s.cfg.CycleRetryAttempts)
	if err != nil {
		s.logger.Warnw("abort cycle", "cycle_id", cycleID, "reason", reason, "error", err)
	}
}

// refreshOutcome rewrites the cached submission outcome of o after the
// first attempt has finished.
func (s *Submitter) refreshOutcome(ctx context.Context, o *domain.Order, out idempotency.Outcome, completed bool) {
	if o.IdempotencyKey == "" {
		return
	}
	ctx, cancel := s.detach(ctx)
	defer cancel()
	out.OrderID = o.ClientOrderID
	if err := s.guard.Refresh(ctx, o.IdempotencyKey, out, completed); err != nil {
		s.logger.Warnw("refresh submission outcome", "client_order_id", o.ClientOrderID, "status", out.Status, "error", err)
	}
}

func (s *Submitter) recordOrder(ctx context.Context, o *domain.Order, from, to domain.OrderStatus, err error) {
	ctx, cancel := s.detach(ctx)
	defer cancel()
	_ = s.audit.Record(ctx, audit.Event{
		EntityType: domain.EntityOrder,
		EntityID:   o.ClientOrderID,
		Action:     "order_" + to.String(),
		FromState:  from.String(),
		ToState:    to.String(),
		Success:    err == nil,
		Err:        err,
		Details: map[string]any{
			"cycle_id": o.CycleID,
			"leg":      o.Leg,
			"nonce":    o.Nonce,
		},
	})
}
