package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
)

func TestReconciliationStore_Runs(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewReconciliationStore(pool)
	ctx := context.Background()

	run := &domain.ReconciliationRun{
		ID:                 "run-1",
		StartedAt:          ts(0),
		Duration:           250 * time.Millisecond,
		DiscrepanciesFound: 2,
		CorrectionsApplied: 1,
	}
	require.NoError(t, store.InsertRun(ctx, run))
	assert.ErrorIs(t, store.InsertRun(ctx, run), storage.ErrDuplicateKey)

	runs, err := store.ListRuns(ctx, ts(-time.Minute), ts(time.Minute))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 250*time.Millisecond, runs[0].Duration)
	assert.Equal(t, 2, runs[0].DiscrepanciesFound)
}

func TestReconciliationStore_Discrepancies(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewReconciliationStore(pool)
	ctx := context.Background()

	insert := func(id, token string, sev domain.Severity, at time.Duration) {
		require.NoError(t, store.InsertDiscrepancy(ctx, &domain.Discrepancy{
			ID:             id,
			RunID:          "run-1",
			Token:          token,
			LocalShares:    decimal.NewFromInt(100),
			ExchangeShares: decimal.RequireFromString("99.5"),
			Difference:     decimal.RequireFromString("-0.5"),
			Severity:       sev,
			CreatedAt:      ts(at),
		}))
	}
	insert("d1", "YES", domain.SeverityInfo, 0)
	insert("d2", "YES", domain.SeverityCritical, time.Second)
	insert("d3", "NO", domain.SeverityWarning, 2*time.Second)

	got, err := store.GetDiscrepancy(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("-0.5").Equal(got.Difference))

	warnOrWorse, err := store.ListDiscrepancies(ctx, storage.DiscrepancyFilter{MinSeverity: domain.SeverityWarning})
	require.NoError(t, err)
	require.Len(t, warnOrWorse, 2)
	assert.Equal(t, "d2", warnOrWorse[0].ID)

	require.NoError(t, store.ResolveDiscrepancy(ctx, "d1", domain.ResolutionConverged, ts(time.Minute)))
	assert.ErrorIs(t, store.ResolveDiscrepancy(ctx, "d1", "manual", ts(time.Minute)), storage.ErrTerminal)
	assert.ErrorIs(t, store.ResolveDiscrepancy(ctx, "missing", "manual", ts(time.Minute)), storage.ErrNotFound)

	open, err := store.ListDiscrepancies(ctx, storage.DiscrepancyFilter{Token: "YES", Resolved: ptr(false)})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "d2", open[0].ID)

	resolved, err := store.GetDiscrepancy(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, domain.ResolutionConverged, resolved.Resolution)
}
