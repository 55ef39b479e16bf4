package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"order-engine/internal/cycle"
	"order-engine/internal/domain"
	"order-engine/internal/execution"
	"order-engine/internal/storage"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", storage.ErrInvalidInput, fmt.Sprintf(format, args...))
}

type submitOrderRequest struct {
	Venue             string          `json:"venue"`
	Token             string          `json:"token" binding:"required"`
	Side              string          `json:"side" binding:"required"`
	Size              decimal.Decimal `json:"size"`
	Price             decimal.Decimal `json:"price"`
	Identity          string          `json:"identity" binding:"required"`
	Window            string          `json:"window"`
	CycleID           string          `json:"cycle_id"`
	Leg               int             `json:"leg"`
	ExpectedVersion   int64           `json:"expected_version"`
	RequireFreshQuote bool            `json:"require_fresh_quote"`
	MaxQuoteAge       string          `json:"max_quote_age"`
}

func (s *Server) submitOrder(c *gin.Context) {
	var body submitOrderRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, invalid("%v", err))
		return
	}
	maxAge, err := parseDuration(body.MaxQuoteAge)
	if err != nil {
		s.fail(c, err)
		return
	}

	res, err := s.opts.Submitter.SubmitOrder(c.Request.Context(), execution.SubmitRequest{
		Intent: domain.OrderIntent{
			Venue:    body.Venue,
			Token:    body.Token,
			Side:     domain.Side(strings.ToUpper(body.Side)),
			Size:     body.Size,
			Price:    body.Price,
			Identity: body.Identity,
			Window:   body.Window,
		},
		CycleID:           body.CycleID,
		Leg:               body.Leg,
		ExpectedVersion:   body.ExpectedVersion,
		RequireFreshQuote: body.RequireFreshQuote,
		MaxQuoteAge:       maxAge,
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	status := http.StatusOK
	switch {
	case res.Status == execution.StatusConflict:
		status = http.StatusConflict
	case res.Queued && !res.Duplicate:
		status = http.StatusAccepted
	case !res.Duplicate && res.Status != execution.StatusRejected:
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

type openCycleRequest struct {
	Strategy string `json:"strategy" binding:"required"`
	Market   string `json:"market" binding:"required"`
}

type legResponse struct {
	Side       string          `json:"side,omitempty"`
	Token      string          `json:"token,omitempty"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Shares     decimal.Decimal `json:"shares"`
	FilledAt   *time.Time      `json:"filled_at,omitempty"`
}

type cycleResponse struct {
	ID          string          `json:"id"`
	Strategy    string          `json:"strategy"`
	Market      string          `json:"market"`
	State       string          `json:"state"`
	Version     int64           `json:"version"`
	Leg1        *legResponse    `json:"leg1,omitempty"`
	Leg2        *legResponse    `json:"leg2,omitempty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	AbortReason string          `json:"abort_reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func toLeg(l domain.Leg) *legResponse {
	if l.IsZero() {
		return nil
	}
	return &legResponse{Side: l.Side.String(), Token: l.Token, EntryPrice: l.EntryPrice, Shares: l.Shares, FilledAt: l.FilledAt}
}

func toCycle(cy *domain.Cycle) cycleResponse {
	return cycleResponse{
		ID:          cy.ID,
		Strategy:    cy.Strategy,
		Market:      cy.Market,
		State:       cy.State.String(),
		Version:     cy.Version,
		Leg1:        toLeg(cy.Leg1),
		Leg2:        toLeg(cy.Leg2),
		RealizedPnL: cy.RealizedPnL,
		AbortReason: cy.AbortReason,
		CreatedAt:   cy.CreatedAt,
		UpdatedAt:   cy.UpdatedAt,
	}
}

func (s *Server) openCycle(c *gin.Context) {
	var body openCycleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, invalid("%v", err))
		return
	}
	cy, err := s.opts.Cycles.Open(c.Request.Context(), body.Strategy, body.Market)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toCycle(cy))
}

func (s *Server) getCycle(c *gin.Context) {
	cy, err := s.opts.Cycles.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toCycle(cy))
}

type advanceRequest struct {
	ExpectedVersion int64           `json:"expected_version" binding:"required"`
	Transition      string          `json:"transition" binding:"required"`
	Side            string          `json:"side"`
	Token           string          `json:"token"`
	Price           decimal.Decimal `json:"price"`
	Shares          decimal.Decimal `json:"shares"`
	Reason          string          `json:"reason"`
}

type advanceResponse struct {
	Accepted   bool          `json:"accepted"`
	Conflict   bool          `json:"conflict"`
	NewVersion int64         `json:"new_version"`
	Cycle      cycleResponse `json:"cycle"`
}

func transitionFor(body advanceRequest) (cycle.Transition, error) {
	side := domain.Side(strings.ToUpper(body.Side))
	switch body.Transition {
	case "submit_leg1":
		return cycle.SubmitLeg1{Side: side, Token: body.Token, Price: body.Price, Shares: body.Shares}, nil
	case "fill_leg1":
		return cycle.FillLeg1{Price: body.Price, Shares: body.Shares}, nil
	case "submit_leg2":
		return cycle.SubmitLeg2{Side: side, Token: body.Token, Price: body.Price, Shares: body.Shares}, nil
	case "fill_leg2":
		return cycle.FillLeg2{Price: body.Price, Shares: body.Shares}, nil
	case "abort":
		return cycle.Abort{Reason: body.Reason}, nil
	}
	return nil, invalid("unknown transition %q", body.Transition)
}

func (s *Server) advanceCycle(c *gin.Context) {
	var body advanceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, invalid("%v", err))
		return
	}
	t, err := transitionFor(body)
	if err != nil {
		s.fail(c, err)
		return
	}

	res, err := s.opts.Cycles.Advance(c.Request.Context(), c.Param("id"), body.ExpectedVersion, t)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if res.Conflict {
		status = http.StatusConflict
	}
	c.JSON(status, advanceResponse{
		Accepted:   res.Accepted,
		Conflict:   res.Conflict,
		NewVersion: res.NewVersion,
		Cycle:      toCycle(res.Cycle),
	})
}

type quoteResponse struct {
	Token      string          `json:"token"`
	Side       string          `json:"side"`
	BestBid    decimal.Decimal `json:"best_bid"`
	BestAsk    decimal.Decimal `json:"best_ask"`
	ObservedAt time.Time       `json:"observed_at"`
	AgeMs      int64           `json:"age_ms"`
	Fresh      bool            `json:"fresh"`
	Stale      bool            `json:"stale"`
}

func (s *Server) getQuote(c *gin.Context) {
	side := domain.Side(strings.ToUpper(c.Param("side")))
	if !side.IsValid() {
		s.fail(c, invalid("side %q", c.Param("side")))
		return
	}
	maxAge, err := parseDuration(c.Query("max_age"))
	if err != nil {
		s.fail(c, err)
		return
	}

	l, err := s.opts.Quotes.GetFresh(c.Request.Context(), c.Param("token"), side, maxAge)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !l.Found {
		c.JSON(http.StatusNotFound, errorBody{Error: "no quote"})
		return
	}
	c.JSON(http.StatusOK, quoteResponse{
		Token:      l.Quote.Token,
		Side:       l.Quote.Side.String(),
		BestBid:    l.Quote.BestBid,
		BestAsk:    l.Quote.BestAsk,
		ObservedAt: l.Quote.ObservedAt,
		AgeMs:      l.Age.Milliseconds(),
		Fresh:      l.Fresh,
		Stale:      l.Stale(),
	})
}

type discrepancyResponse struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	Token          string          `json:"token"`
	LocalShares    decimal.Decimal `json:"local_shares"`
	ExchangeShares decimal.Decimal `json:"exchange_shares"`
	Difference     decimal.Decimal `json:"difference"`
	Severity       string          `json:"severity"`
	Resolved       bool            `json:"resolved"`
	Resolution     string          `json:"resolution,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (s *Server) listDiscrepancies(c *gin.Context) {
	f := storage.DiscrepancyFilter{Token: c.Query("token")}
	if v := c.Query("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.fail(c, invalid("resolved %q", v))
			return
		}
		f.Resolved = &b
	}
	if v := c.Query("severity"); v != "" {
		sev := domain.Severity(strings.ToLower(v))
		if !sev.IsValid() {
			s.fail(c, invalid("severity %q", v))
			return
		}
		f.MinSeverity = sev
	}

	list, err := s.opts.Discrepancies.ListDiscrepancies(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]discrepancyResponse, 0, len(list))
	for _, d := range list {
		out = append(out, discrepancyResponse{
			ID:             d.ID,
			RunID:          d.RunID,
			Token:          d.Token,
			LocalShares:    d.LocalShares,
			ExchangeShares: d.ExchangeShares,
			Difference:     d.Difference,
			Severity:       d.Severity.String(),
			Resolved:       d.Resolved,
			Resolution:     d.Resolution,
			ResolvedAt:     d.ResolvedAt,
			CreatedAt:      d.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"discrepancies": out})
}

type resolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Actor      string `json:"actor"`
}

func (s *Server) resolveDiscrepancy(c *gin.Context) {
	var body resolveRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, invalid("%v", err))
		return
	}
	actor := body.Actor
	if actor == "" {
		actor = "operator"
	}
	if err := s.opts.Discrepancies.ResolveDiscrepancy(c.Request.Context(), c.Param("id"), body.Resolution, actor); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

type deadLetterResponse struct {
	ID            string          `json:"id"`
	OperationType string          `json:"operation_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	Status        string          `json:"status"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	Resolution    string          `json:"resolution,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (s *Server) listDeadLetters(c *gin.Context) {
	status := domain.DeadLetterStatus(c.DefaultQuery("status", string(domain.DeadLetterFailed)))
	if !status.IsValid() {
		s.fail(c, invalid("status %q", status))
		return
	}

	list, err := s.opts.DeadLetters.List(c.Request.Context(), status)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]deadLetterResponse, 0, len(list))
	for _, d := range list {
		out = append(out, deadLetterResponse{
			ID:            d.ID,
			OperationType: d.OperationType,
			Payload:       json.RawMessage(d.Payload),
			LastError:     d.LastError,
			RetryCount:    d.RetryCount,
			MaxRetries:    d.MaxRetries,
			Status:        d.Status.String(),
			NextAttemptAt: d.NextAttemptAt,
			Resolution:    d.Resolution,
			CreatedAt:     d.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": out})
}

func (s *Server) resolveDeadLetter(c *gin.Context) {
	var body resolveRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, invalid("%v", err))
		return
	}
	if err := s.opts.DeadLetters.Resolve(c.Request.Context(), c.Param("id"), body.Resolution); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

type auditEventResponse struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	FromState  string          `json:"from_state,omitempty"`
	ToState    string          `json:"to_state,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (s *Server) queryAudit(c *gin.Context) {
	q := domain.AuditQuery{
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		Limit:      100,
	}
	var err error
	if q.Start, err = parseTime(c.Query("from")); err != nil {
		s.fail(c, err)
		return
	}
	if q.End, err = parseTime(c.Query("to")); err != nil {
		s.fail(c, err)
		return
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.fail(c, invalid("limit %q", v))
			return
		}
		q.Limit = n
	}

	events, err := s.opts.Audit.Query(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]auditEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, auditEventResponse{
			ID:         e.ID,
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			Action:     e.Action,
			FromState:  e.FromState,
			ToState:    e.ToState,
			Success:    e.Success,
			Error:      e.Error,
			Details:    json.RawMessage(e.Details),
			CreatedAt:  e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

// parseDuration accepts Go durations ("30s") or plain seconds. Empty is zero.
func parseDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, invalid("duration %q", v)
	}
	return d, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, invalid("time %q", v)
	}
	return t, nil
}
