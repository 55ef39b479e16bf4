// Package reconciliation compares local positions with the exchange's
// holdings on a fixed interval and records every mismatch.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-engine/internal/audit"
	"order-engine/internal/domain"
	"order-engine/internal/exchange"
	"order-engine/internal/observability"
	"order-engine/internal/storage"
)

// ResolutionSuperseded closes an open discrepancy replaced by a newer
// measurement of the same token.
const ResolutionSuperseded = "superseded"

// Config holds reconciliation parameters.
type Config struct {
	Interval time.Duration // default 30s

	// AutoCorrectMaxShares is the largest absolute difference corrected
	// automatically. Zero disables auto-correction.
	AutoCorrectMaxShares decimal.Decimal

	// Severity thresholds on absolute share difference and on its notional value.
	WarningShares    decimal.Decimal
	CriticalShares   decimal.Decimal
	WarningNotional  decimal.Decimal
	CriticalNotional decimal.Decimal

	// StaleOrderAfter is the age after which live orders are checked on the exchange.
	// Zero disables order convergence.
	StaleOrderAfter time.Duration

	// UnknownOrderAfter is the age after which a live order the exchange has
	// never seen is abandoned, unless a dispatch retry is still queued for it.
	// It must exceed the dead-letter retry schedule. Zero never abandons.
	UnknownOrderAfter time.Duration
}

// ReasonUnknownAtVenue is the failure reason of an abandoned order.
const ReasonUnknownAtVenue = "unknown_at_venue"

// DefaultConfig returns the default configuration. Auto-correction is off.
func DefaultConfig() Config {
	return Config{
		Interval:             30 * time.Second,
		AutoCorrectMaxShares: decimal.Zero,
		WarningShares:        decimal.NewFromInt(1),
		CriticalShares:       decimal.NewFromInt(50),
		WarningNotional:      decimal.NewFromInt(10),
		CriticalNotional:     decimal.NewFromInt(500),
		StaleOrderAfter:      2 * time.Minute,
		UnknownOrderAfter:    15 * time.Minute,
	}
}

// Classify returns the severity of a share difference valued at price.
func (c Config) Classify(diff, price decimal.Decimal) domain.Severity {
	shares := diff.Abs()
	notional := shares.Mul(price.Abs())

	switch {
	case over(shares, c.CriticalShares) || over(notional, c.CriticalNotional):
		return domain.SeverityCritical
	case over(shares, c.WarningShares) || over(notional, c.WarningNotional):
		return domain.SeverityWarning
	default:
		return domain.SeverityInfo
	}
}

// over reports v >= threshold for a positive threshold; zero thresholds never trigger.
func over(v, threshold decimal.Decimal) bool {
	return threshold.IsPositive() && v.GreaterThanOrEqual(threshold)
}

// canAutoCorrect reports whether a difference is small enough to fix without an operator.
func (c Config) canAutoCorrect(diff decimal.Decimal, sev domain.Severity) bool {
	return c.AutoCorrectMaxShares.IsPositive() &&
		sev != domain.SeverityCritical &&
		diff.Abs().LessThanOrEqual(c.AutoCorrectMaxShares)
}

// OrderUpdater applies an exchange view of an order to local state.
type OrderUpdater interface {
	ApplyUpdate(ctx context.Context, ack exchange.OrderAck) error

	// Abandon fails a live order the exchange does not know. Returns false
	// when the order is terminal or a retry may still place it.
	Abandon(ctx context.Context, clientOrderID, reason string) (bool, error)
}

// Options for creating an Engine.
type Options struct {
	Config    Config
	Exchange  exchange.Client
	Positions storage.PositionStore
	Store     storage.ReconciliationStore

	// Orders and Updater enable order convergence. Both optional.
	Orders  storage.OrderStore
	Updater OrderUpdater

	Audit  *audit.Log
	Logger *zap.SugaredLogger
	Now    func() time.Time
}

// Engine runs reconciliation passes.
type Engine struct {
	cfg       Config
	exchange  exchange.Client
	positions storage.PositionStore
	store     storage.ReconciliationStore
	orders    storage.OrderStore
	updater   OrderUpdater
	audit     *audit.Log
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// New creates a new Engine.
func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:       cfg,
		exchange:  opts.Exchange,
		positions: opts.Positions,
		store:     opts.Store,
		orders:    opts.Orders,
		updater:   opts.Updater,
		audit:     opts.Audit,
		logger:    observability.OrNop(opts.Logger).Named("reconcile"),
		now:       now,
	}
}

// Report is the result of one run.
type Report struct {
	Run           *domain.ReconciliationRun
	Discrepancies []*domain.Discrepancy // mismatches detected in this run
	Converged     []string              // tokens whose earlier discrepancies closed
}

// tokenView is the local and exchange share count of one token.
type tokenView struct {
	local    decimal.Decimal
	remote   decimal.Decimal
	price    decimal.Decimal
	hasPrice bool
}

// RunOnce performs a single reconciliation pass. The run is persisted and
// audited even when it fails or finds nothing.
func (e *Engine) RunOnce(ctx context.Context) (*Report, error) {
	start := e.now().UTC()
	run := &domain.ReconciliationRun{ID: uuid.NewString(), StartedAt: start}
	report := &Report{Run: run}

	err := e.reconcile(ctx, run, report)
	if err != nil {
		run.Error = err.Error()
	}
	run.Duration = e.now().Sub(start)

	if ierr := e.store.InsertRun(ctx, run); ierr != nil {
		e.logger.Errorw("persist reconciliation run", "run_id", run.ID, "error", ierr)
		if err == nil {
			err = fmt.Errorf("insert reconciliation run: %w", ierr)
		}
	}
	e.finish(ctx, run, err)

	return report, err
}

func (e *Engine) reconcile(ctx context.Context, run *domain.ReconciliationRun, report *Report) error {
	holdings, err := e.exchange.GetHoldings(ctx)
	if err != nil {
		return fmt.Errorf("fetch holdings: %w", err)
	}
	open, err := e.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}

	views := make(map[string]*tokenView)
	view := func(token string) *tokenView {
		v, ok := views[token]
		if !ok {
			v = &tokenView{}
			views[token] = v
		}
		return v
	}
	for _, p := range open {
		v := view(p.Token)
		v.local = p.Shares
		if !v.hasPrice {
			v.price = p.AvgEntryPrice
		}
	}
	for _, h := range holdings {
		v := view(h.Token)
		v.remote = v.remote.Add(h.Shares)
		if h.Price.IsPositive() {
			v.price = h.Price
			v.hasPrice = true
		}
	}

	openByToken, err := e.openDiscrepancies(ctx)
	if err != nil {
		return err
	}

	tokens := make([]string, 0, len(views))
	for token := range views {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	for _, token := range tokens {
		v := views[token]
		diff := v.remote.Sub(v.local)

		if diff.IsZero() {
			if n := e.closeOpen(ctx, openByToken[token], domain.ResolutionConverged); n > 0 {
				report.Converged = append(report.Converged, token)
			}
			continue
		}

		run.DiscrepanciesFound++
		if same := sameDifference(openByToken[token], diff); same != nil {
			// Already recorded and still unresolved; keep one record per drift.
			report.Discrepancies = append(report.Discrepancies, same)
			continue
		}
		e.closeOpen(ctx, openByToken[token], ResolutionSuperseded)

		d, corrected, err := e.record(ctx, run.ID, token, v, diff)
		if err != nil {
			return err
		}
		report.Discrepancies = append(report.Discrepancies, d)
		if corrected {
			run.CorrectionsApplied++
		}
	}

	if e.orders != nil && e.updater != nil && e.cfg.StaleOrderAfter > 0 {
		n, err := e.convergeOrders(ctx)
		run.OrdersConverged = n
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) openDiscrepancies(ctx context.Context) (map[string][]*domain.Discrepancy, error) {
	unresolved := false
	open, err := e.store.ListDiscrepancies(ctx, storage.DiscrepancyFilter{Resolved: &unresolved})
	if err != nil {
		return nil, fmt.Errorf("list open discrepancies: %w", err)
	}
	byToken := make(map[string][]*domain.Discrepancy)
	for _, d := range open {
		byToken[d.Token] = append(byToken[d.Token], d)
	}
	return byToken, nil
}

func sameDifference(open []*domain.Discrepancy, diff decimal.Decimal) *domain.Discrepancy {
	for _, d := range open {
		if d.Difference.Equal(diff) {
			return d
		}
	}
	return nil
}

func (e *Engine) closeOpen(ctx context.Context, open []*domain.Discrepancy, resolution string) int {
	closed := 0
	for _, d := range open {
		err := e.store.ResolveDiscrepancy(ctx, d.ID, resolution, e.now().UTC())
		if errors.Is(err, storage.ErrTerminal) {
			continue
		}
		if err != nil {
			e.logger.Warnw("close discrepancy", "id", d.ID, "resolution", resolution, "error", err)
			continue
		}
		closed++
		_ = e.audit.Record(ctx, audit.Event{
			EntityType: domain.EntityDiscrepancy,
			EntityID:   d.ID,
			Action:     "resolve",
			FromState:  "open",
			ToState:    "resolved",
			Success:    true,
			Details:    map[string]string{"resolution": resolution, "token": d.Token},
		})
	}
	return closed
}

// record persists a discrepancy and auto-corrects it when policy allows.
func (e *Engine) record(ctx context.Context, runID, token string, v *tokenView, diff decimal.Decimal) (*domain.Discrepancy, bool, error) {
	now := e.now().UTC()
	sev := e.cfg.Classify(diff, v.price)
	d := &domain.Discrepancy{
		ID:             uuid.NewString(),
		RunID:          runID,
		Token:          token,
		LocalShares:    v.local,
		ExchangeShares: v.remote,
		Difference:     diff,
		Severity:       sev,
		CreatedAt:      now,
	}
	if err := e.store.InsertDiscrepancy(ctx, d); err != nil {
		return nil, false, fmt.Errorf("insert discrepancy for %s: %w", token, err)
	}
	observability.RecordDiscrepancy(sev.String())
	_ = e.audit.Record(ctx, audit.Event{
		EntityType: domain.EntityDiscrepancy,
		EntityID:   d.ID,
		Action:     "detect",
		ToState:    "open",
		Success:    true,
		Details: map[string]string{
			"token":      token,
			"local":      v.local.String(),
			"exchange":   v.remote.String(),
			"difference": diff.String(),
			"severity":   sev.String(),
		},
	})
	e.logger.Warnw("position discrepancy",
		"token", token, "local", v.local, "exchange", v.remote, "difference", diff, "severity", sev)

	if !e.cfg.canAutoCorrect(diff, sev) || v.remote.IsNegative() {
		return d, false, nil
	}

	if _, err := e.positions.SetShares(ctx, token, v.remote, v.price, now); err != nil {
		e.logger.Errorw("auto-correct position", "token", token, "error", err)
		return d, false, nil
	}
	if err := e.store.ResolveDiscrepancy(ctx, d.ID, domain.ResolutionAuto, now); err != nil {
		return d, false, fmt.Errorf("resolve discrepancy %s: %w", d.ID, err)
	}
	d.Resolved = true
	d.Resolution = domain.ResolutionAuto
	d.ResolvedAt = &now

	_ = e.audit.Record(ctx, audit.Event{
		EntityType: domain.EntityDiscrepancy,
		EntityID:   d.ID,
		Action:     "auto_correct",
		FromState:  "open",
		ToState:    "resolved",
		Success:    true,
		Details:    map[string]string{"token": token, "shares": v.remote.String()},
	})
	e.logger.Infow("position auto-corrected", "token", token, "from", v.local, "to", v.remote)
	return d, true, nil
}

// convergeOrders applies the exchange's terminal status to live orders that
// have not heard back within StaleOrderAfter, and abandons orders the exchange
// still does not know after UnknownOrderAfter.
func (e *Engine) convergeOrders(ctx context.Context) (int, error) {
	now := e.now().UTC()
	live, err := e.orders.ListLive(ctx, now.Add(-e.cfg.StaleOrderAfter))
	if err != nil {
		return 0, fmt.Errorf("list live orders: %w", err)
	}

	converged := 0
	for _, o := range live {
		ack, err := e.exchange.GetOrder(ctx, o.ClientOrderID)
		if errors.Is(err, exchange.ErrUnknownOrder) {
			if e.abandonUnknown(ctx, o, now) {
				converged++
			}
			continue
		}
		if err != nil {
			e.logger.Warnw("query live order", "client_order_id", o.ClientOrderID, "error", err)
			continue
		}
		if !ack.Status.IsTerminal() {
			continue
		}
		if err := e.updater.ApplyUpdate(ctx, *ack); err != nil {
			e.logger.Warnw("apply converged order", "client_order_id", o.ClientOrderID, "error", err)
			continue
		}
		converged++
	}
	return converged, nil
}

func (e *Engine) abandonUnknown(ctx context.Context, o *domain.Order, now time.Time) bool {
	if e.cfg.UnknownOrderAfter <= 0 || o.CreatedAt.After(now.Add(-e.cfg.UnknownOrderAfter)) {
		e.logger.Debugw("live order unknown at exchange", "client_order_id", o.ClientOrderID)
		return false
	}
	abandoned, err := e.updater.Abandon(ctx, o.ClientOrderID, ReasonUnknownAtVenue)
	if err != nil {
		e.logger.Warnw("abandon unknown order", "client_order_id", o.ClientOrderID, "error", err)
		return false
	}
	if abandoned {
		e.logger.Warnw("abandoned order unknown at exchange", "client_order_id", o.ClientOrderID, "age", now.Sub(o.CreatedAt))
	}
	return abandoned
}

func (e *Engine) finish(ctx context.Context, run *domain.ReconciliationRun, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}

	unresolvedCritical := 0
	unresolved := false
	if crit, lerr := e.store.ListDiscrepancies(ctx, storage.DiscrepancyFilter{
		Resolved:    &unresolved,
		MinSeverity: domain.SeverityCritical,
	}); lerr == nil {
		unresolvedCritical = len(crit)
	}

	observability.RecordReconciliationRun(status, run.Duration.Seconds(),
		run.CorrectionsApplied, run.OrdersConverged, unresolvedCritical, float64(e.now().Unix()))

	_ = e.audit.Record(ctx, audit.Event{
		EntityType: domain.EntityReconciliation,
		EntityID:   run.ID,
		Action:     "run",
		Success:    err == nil,
		Err:        err,
		Details: map[string]any{
			"duration_ms":         run.Duration.Milliseconds(),
			"discrepancies_found": run.DiscrepanciesFound,
			"corrections_applied": run.CorrectionsApplied,
			"orders_converged":    run.OrdersConverged,
		},
	})

	if err != nil {
		e.logger.Errorw("reconciliation run failed", "run_id", run.ID, "duration", run.Duration, "error", err)
		return
	}
	e.logger.Infow("reconciliation run",
		"run_id", run.ID,
		"duration", run.Duration,
		"discrepancies", run.DiscrepanciesFound,
		"corrections", run.CorrectionsApplied,
		"orders_converged", run.OrdersConverged,
		"unresolved_critical", unresolvedCritical)
}

// Run reconciles immediately and then on every interval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warnw("reconciliation failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ListDiscrepancies returns discrepancies matching f.
func (e *Engine) ListDiscrepancies(ctx context.Context, f storage.DiscrepancyFilter) ([]*domain.Discrepancy, error) {
	ds, err := e.store.ListDiscrepancies(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	return ds, nil
}

// ResolveDiscrepancy closes a discrepancy after operator action.
func (e *Engine) ResolveDiscrepancy(ctx context.Context, id, resolution, actor string) error {
	err := e.store.ResolveDiscrepancy(ctx, id, resolution, e.now().UTC())
	_ = e.audit.Record(ctx, audit.Event{
		EntityType: domain.EntityDiscrepancy,
		EntityID:   id,
		Action:     "resolve",
		FromState:  "open",
		ToState:    "resolved",
		Success:    err == nil,
		Err:        err,
		Details:    map[string]string{"resolution": resolution, "actor": actor},
	})
	if err != nil {
		return fmt.Errorf("resolve discrepancy %s: %w", id, err)
	}
	return nil
}

// ListRuns returns runs started within [start, end].
func (e *Engine) ListRuns(ctx context.Context, start, end time.Time) ([]*domain.ReconciliationRun, error) {
	runs, err := e.store.ListRuns(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation runs: %w", err)
	}
	return runs, nil
}
