package nonce

import (
	"context"
	"crypto/ed25519"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-engine/internal/audit"
	"order-engine/internal/domain"
	"order-engine/internal/identity"
	"order-engine/internal/storage"
	"order-engine/internal/storage/memory"
)

var epoch = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

func newIssuer(store storage.NonceStore, events storage.AuditEventStore) *Issuer {
	return New(Options{
		Store: store,
		Audit: audit.New(audit.Options{Store: events}),
		Now:   func() time.Time { return epoch },
	})
}

func TestIssueNext_SeedsFromWallClock(t *testing.T) {
	ctx := context.Background()
	iss := newIssuer(memory.NewNonceStore(), memory.NewAuditEventStore())

	first, err := iss.IssueNext(ctx, "wallet-1")
	require.NoError(t, err)
	assert.Equal(t, epoch.UnixMilli(), first)

	second, err := iss.IssueNext(ctx, "wallet-1")
	require.NoError(t, err)
	assert.Equal(t, first+1, second)

	other, err := iss.IssueNext(ctx, "wallet-2")
	require.NoError(t, err)
	assert.Equal(t, epoch.UnixMilli(), other, "identities are independent")
}

func TestIssueNext_ConcurrentStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	iss := newIssuer(memory.NewNonceStore(), memory.NewAuditEventStore())

	const n = 64
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got []int64
	)
	for k := 0; k < n; k++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := iss.IssueNext(ctx, "wallet-1")
			if err != nil {
				t.Errorf("IssueNext: %v", err)
				return
			}
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, got, n)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for k := 1; k < n; k++ {
		assert.Equal(t, got[k-1]+1, got[k])
	}
}

func TestIssueNext_AcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := memory.NewNonceStore()

	before := newIssuer(store, memory.NewAuditEventStore())
	var last int64
	for k := 0; k < 3; k++ {
		v, err := before.IssueNext(ctx, "wallet-1")
		require.NoError(t, err)
		last = v
	}

	// A new process whose clock is behind must still continue the sequence.
	after := New(Options{Store: store, Now: func() time.Time { return epoch.Add(-time.Hour) }})
	cur, err := after.Recover(ctx, "wallet-1")
	require.NoError(t, err)
	assert.Equal(t, last, cur)

	next, err := after.IssueNext(ctx, "wallet-1")
	require.NoError(t, err)
	assert.Equal(t, last+1, next)
}

func TestIssueNext_DetectsRegression(t *testing.T) {
	ctx := context.Background()
	store := memory.NewNonceStore()
	iss := newIssuer(store, memory.NewAuditEventStore())

	v, err := iss.IssueNext(ctx, "wallet-1")
	require.NoError(t, err)

	// Counter rewound behind the issuer's back.
	require.NoError(t, store.Reset(ctx, "wallet-1", v-10, epoch))

	_, err = iss.IssueNext(ctx, "wallet-1")
	assert.ErrorIs(t, err, ErrRegression)
}

func TestRecover_NewIdentity(t *testing.T) {
	iss := newIssuer(memory.NewNonceStore(), memory.NewAuditEventStore())
	cur, err := iss.Recover(context.Background(), "wallet-9")
	require.NoError(t, err)
	assert.Zero(t, cur)
}

func TestReleaseAndMarkUsed(t *testing.T) {
	ctx := context.Background()
	store := memory.NewNonceStore()
	iss := newIssuer(store, memory.NewAuditEventStore())

	a, err := iss.IssueNext(ctx, "wallet-1")
	require.NoError(t, err)
	b, err := iss.IssueNext(ctx, "wallet-1")
	require.NoError(t, err)

	require.NoError(t, iss.Release(ctx, "wallet-1", a, ReasonStaleQuote))
	require.NoError(t, iss.MarkUsed(ctx, "wallet-1", b, "order-1"))

	allocA, err := store.GetAllocation(ctx, "wallet-1", a)
	require.NoError(t, err)
	assert.Equal(t, domain.NonceReleased, allocA.Status)
	assert.Equal(t, ReasonStaleQuote, allocA.Reason)

	allocB, err := store.GetAllocation(ctx, "wallet-1", b)
	require.NoError(t, err)
	assert.Equal(t, domain.NonceUsed, allocB.Status)
	assert.Equal(t, "order-1", allocB.OrderID)

	assert.ErrorIs(t, iss.MarkUsed(ctx, "wallet-1", a, "order-2"), storage.ErrTerminal)

	c, err := iss.IssueNext(ctx, "wallet-1")
	require.NoError(t, err)
	assert.Equal(t, b+1, c, "released values are skipped, not reissued")
}

func TestReset_AuditedAndReuseRefused(t *testing.T) {
	ctx := context.Background()
	store := memory.NewNonceStore()
	events := memory.NewAuditEventStore()
	iss := newIssuer(store, events)

	v, err := iss.IssueNext(ctx, "wallet-1")
	require.NoError(t, err)

	err = iss.Reset(ctx, "wallet-1", v-1, "drill", "ops@desk")
	assert.ErrorIs(t, err, ErrReused)

	// Issuance is unaffected by the refused reset.
	next, err := iss.IssueNext(ctx, "wallet-1")
	require.NoError(t, err)
	assert.Equal(t, v+1, next)

	require.NoError(t, iss.Reset(ctx, "wallet-1", v+100, "skip ahead", "ops@desk"))
	next, err = iss.IssueNext(ctx, "wallet-1")
	require.NoError(t, err)
	assert.Equal(t, v+101, next)

	got, err := events.Query(ctx, domain.AuditQuery{EntityType: domain.EntityNonce, EntityID: "wallet-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "reset", got[0].Action)
	assert.False(t, got[0].Success)
	assert.JSONEq(t, `{"reason":"drill","actor":"ops@desk"}`, string(got[0].Details))
	assert.True(t, got[1].Success)
}

func TestIssueNext_ValidatesIdentity(t *testing.T) {
	ctx := context.Background()
	iss := New(Options{Store: memory.NewNonceStore(), Validate: ValidateEd25519})

	_, err := iss.IssueNext(ctx, "wallet-1")
	assert.ErrorIs(t, err, identity.ErrInvalid)

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, err = iss.IssueNext(ctx, base58.Encode(pub))
	assert.NoError(t, err)

	_, err = iss.IssueNext(ctx, "")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
