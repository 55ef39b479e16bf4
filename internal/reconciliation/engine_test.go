package reconciliation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-engine/internal/audit"
	"order-engine/internal/domain"
	"order-engine/internal/exchange"
	"order-engine/internal/exchange/paper"
	"order-engine/internal/storage"
	"order-engine/internal/storage/memory"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var now = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	engine    *Engine
	ex        *paper.Exchange
	positions *memory.PositionStore
	store     *memory.ReconciliationStore
	orders    *memory.OrderStore
	events    *memory.AuditEventStore
	updater   *recordingUpdater
}

type recordingUpdater struct {
	mu        sync.Mutex
	acks      []exchange.OrderAck
	abandoned []string
	retrying  map[string]bool // orders with a queued retry
}

func (r *recordingUpdater) ApplyUpdate(_ context.Context, ack exchange.OrderAck) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, ack)
	return nil
}

func (r *recordingUpdater) Abandon(_ context.Context, clientOrderID, _ string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retrying[clientOrderID] {
		return false, nil
	}
	r.abandoned = append(r.abandoned, clientOrderID)
	return true, nil
}

func newFixture(cfg Config) fixture {
	f := fixture{
		ex:        paper.New(paper.Rest),
		positions: memory.NewPositionStore(),
		store:     memory.NewReconciliationStore(),
		orders:    memory.NewOrderStore(),
		events:    memory.NewAuditEventStore(),
		updater:   &recordingUpdater{},
	}
	f.engine = New(Options{
		Config:    cfg,
		Exchange:  f.ex,
		Positions: f.positions,
		Store:     f.store,
		Orders:    f.orders,
		Updater:   f.updater,
		Audit:     audit.New(audit.Options{Store: f.events}),
		Now:       func() time.Time { return now },
	})
	return f
}

func (f fixture) local(t *testing.T, token, shares string) {
	t.Helper()
	_, err := f.positions.SetShares(context.Background(), token, d(shares), d("0.5"), now.Add(-time.Hour))
	require.NoError(t, err)
}

func TestRunOnce_NoDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(DefaultConfig())
	f.local(t, "tok-yes", "100")
	f.ex.SetHolding("tok-yes", d("100"), d("0.5"))

	report, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Discrepancies)
	assert.Zero(t, report.Run.DiscrepanciesFound)

	runs, err := f.engine.ListRuns(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, runs, 1, "zero-discrepancy runs are recorded too")
	assert.Empty(t, runs[0].Error)

	events, err := f.events.Query(ctx, domain.AuditQuery{EntityType: domain.EntityReconciliation})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Success)
}

func TestRunOnce_SmallDriftAutoCorrected(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.AutoCorrectMaxShares = d("5")
	f := newFixture(cfg)
	f.local(t, "tok-yes", "100")
	f.ex.SetHolding("tok-yes", d("97"), d("0.5"))

	report, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)

	disc := report.Discrepancies[0]
	assert.True(t, disc.Difference.Equal(d("-3")), "difference %s", disc.Difference)
	assert.Equal(t, domain.SeverityWarning, disc.Severity)
	assert.True(t, disc.Resolved)
	assert.Equal(t, domain.ResolutionAuto, disc.Resolution)
	assert.Equal(t, 1, report.Run.CorrectionsApplied)

	pos, err := f.positions.Get(ctx, "tok-yes")
	require.NoError(t, err)
	assert.True(t, pos.Shares.Equal(d("97")))

	stored, err := f.store.GetDiscrepancy(ctx, disc.ID)
	require.NoError(t, err)
	assert.True(t, stored.Resolved)
}

func TestRunOnce_AutoCorrectDisabledByDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(DefaultConfig())
	f.local(t, "tok-yes", "100")
	f.ex.SetHolding("tok-yes", d("97"), d("0.5"))

	report, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	assert.False(t, report.Discrepancies[0].Resolved)
	assert.Zero(t, report.Run.CorrectionsApplied)

	pos, err := f.positions.Get(ctx, "tok-yes")
	require.NoError(t, err)
	assert.True(t, pos.Shares.Equal(d("100")), "local position untouched")
}

func TestRunOnce_DriftAboveThresholdLeftOpen(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.AutoCorrectMaxShares = d("2")
	f := newFixture(cfg)
	f.local(t, "tok-yes", "100")
	f.ex.SetHolding("tok-yes", d("97"), d("0.5"))

	report, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	assert.False(t, report.Discrepancies[0].Resolved)

	unresolved := false
	open, err := f.engine.ListDiscrepancies(ctx, storage.DiscrepancyFilter{Resolved: &unresolved})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestRunOnce_CriticalNeverAutoCorrected(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.AutoCorrectMaxShares = d("1000")
	f := newFixture(cfg)
	f.local(t, "tok-yes", "100")

	report, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	disc := report.Discrepancies[0]
	assert.Equal(t, domain.SeverityCritical, disc.Severity)
	assert.True(t, disc.ExchangeShares.IsZero())
	assert.False(t, disc.Resolved)
}

func TestRunOnce_ExchangeOnlyHolding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(DefaultConfig())
	f.ex.SetHolding("tok-no", d("4"), d("0.3"))

	report, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	assert.True(t, report.Discrepancies[0].Difference.Equal(d("4")))
	assert.True(t, report.Discrepancies[0].LocalShares.IsZero())
}

func TestRunOnce_PersistentDriftRecordedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(DefaultConfig())
	f.local(t, "tok-yes", "100")
	f.ex.SetHolding("tok-yes", d("97"), d("0.5"))

	first, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	second, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Discrepancies[0].ID, second.Discrepancies[0].ID)
	assert.Equal(t, 1, second.Run.DiscrepanciesFound)

	all, err := f.engine.ListDiscrepancies(ctx, storage.DiscrepancyFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRunOnce_ConvergedClosesOpenDiscrepancy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(DefaultConfig())
	f.local(t, "tok-yes", "100")
	f.ex.SetHolding("tok-yes", d("97"), d("0.5"))

	first, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)

	f.ex.SetHolding("tok-yes", d("100"), d("0.5"))
	second, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-yes"}, second.Converged)

	stored, err := f.store.GetDiscrepancy(ctx, first.Discrepancies[0].ID)
	require.NoError(t, err)
	assert.True(t, stored.Resolved)
	assert.Equal(t, domain.ResolutionConverged, stored.Resolution)
}

func TestRunOnce_ChangedDriftSupersedes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(DefaultConfig())
	f.local(t, "tok-yes", "100")
	f.ex.SetHolding("tok-yes", d("97"), d("0.5"))

	first, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)

	f.ex.SetHolding("tok-yes", d("95"), d("0.5"))
	second, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, second.Discrepancies, 1)
	assert.NotEqual(t, first.Discrepancies[0].ID, second.Discrepancies[0].ID)

	old, err := f.store.GetDiscrepancy(ctx, first.Discrepancies[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ResolutionSuperseded, old.Resolution)
}

type brokenExchange struct{ paper.Exchange }

func (*brokenExchange) GetHoldings(context.Context) ([]exchange.Holding, error) {
	return nil, exchange.ErrTransient
}

func TestRunOnce_ExchangeFailureStillRecorded(t *testing.T) {
	ctx := context.Background()
	store := memory.NewReconciliationStore()
	e := New(Options{
		Exchange:  &brokenExchange{},
		Positions: memory.NewPositionStore(),
		Store:     store,
		Now:       func() time.Time { return now },
	})

	report, err := e.RunOnce(ctx)
	assert.True(t, errors.Is(err, exchange.ErrTransient))
	require.NotNil(t, report)

	runs, err := store.ListRuns(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Error, "fetch holdings")
}

func TestRunOnce_OrderConvergence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(DefaultConfig())

	req := exchange.OrderRequest{
		ClientOrderID: "c-1", Identity: "wallet-1", Nonce: 1,
		Token: "tok-yes", Side: domain.SideBuy, Price: d("0.5"), Size: d("10"),
	}
	_, err := f.ex.PlaceOrder(ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.ex.Fill(req))

	for _, o := range []*domain.Order{
		{ClientOrderID: "c-1", CreatedAt: now.Add(-10 * time.Minute)},
		{ClientOrderID: "c-unknown", CreatedAt: now.Add(-10 * time.Minute)},
		{ClientOrderID: "c-young", CreatedAt: now.Add(-10 * time.Second)},
	} {
		o.Identity, o.Token, o.Side = "wallet-1", "tok-yes", domain.SideBuy
		o.Price, o.Size, o.Status = d("0.5"), d("10"), domain.OrderPending
		o.UpdatedAt = o.CreatedAt
		require.NoError(t, f.orders.Insert(ctx, o))
	}
	f.local(t, "tok-yes", "10")

	report, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Run.OrdersConverged)

	require.Len(t, f.updater.acks, 1)
	assert.Equal(t, "c-1", f.updater.acks[0].ClientOrderID)
	assert.Equal(t, domain.OrderFilled, f.updater.acks[0].Status)
	assert.Empty(t, f.updater.abandoned, "unknown orders younger than the horizon are left alone")
}

func TestRunOnce_AbandonsLongUnknownOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(DefaultConfig())
	f.updater.retrying = map[string]bool{"c-queued": true}

	for _, o := range []*domain.Order{
		{ClientOrderID: "c-lost", CreatedAt: now.Add(-20 * time.Minute)},
		{ClientOrderID: "c-queued", CreatedAt: now.Add(-20 * time.Minute)},
		{ClientOrderID: "c-recent", CreatedAt: now.Add(-5 * time.Minute)},
	} {
		o.Identity, o.Token, o.Side = "wallet-1", "tok-yes", domain.SideBuy
		o.Price, o.Size, o.Status = d("0.5"), d("10"), domain.OrderPending
		o.UpdatedAt = o.CreatedAt
		require.NoError(t, f.orders.Insert(ctx, o))
	}

	report, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Run.OrdersConverged)
	assert.Equal(t, []string{"c-lost"}, f.updater.abandoned)
}

func TestConfig_Classify(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		diff, price string
		want        domain.Severity
	}{
		{"0.5", "0.5", domain.SeverityInfo},
		{"-3", "0.5", domain.SeverityWarning},
		{"-60", "0.1", domain.SeverityCritical},
		{"2", "300", domain.SeverityCritical},
		{"0.2", "60", domain.SeverityWarning},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.Classify(d(tt.diff), d(tt.price)), "diff %s price %s", tt.diff, tt.price)
	}
}

func TestResolveDiscrepancy_Operator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(DefaultConfig())
	f.local(t, "tok-yes", "100")

	report, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	id := report.Discrepancies[0].ID

	require.NoError(t, f.engine.ResolveDiscrepancy(ctx, id, "manual transfer confirmed", "ops@desk"))
	assert.ErrorIs(t, f.engine.ResolveDiscrepancy(ctx, id, "again", "ops@desk"), storage.ErrTerminal)
}
