package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"order-engine/internal/domain"
	"order-engine/internal/storage"
	"order-engine/internal/storage/memory"
)

type failingStore struct{ err error }

func (f failingStore) Append(context.Context, *domain.AuditEvent) error { return f.err }
func (f failingStore) Query(context.Context, domain.AuditQuery) ([]*domain.AuditEvent, error) {
	return nil, f.err
}

var _ storage.AuditEventStore = failingStore{}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestRecord_WritesPrimaryAndMirror(t *testing.T) {
	ctx := context.Background()
	primary := memory.NewAuditEventStore()
	mirror := memory.NewAuditEventStore()
	l := New(Options{Store: primary, Mirror: mirror, Logger: zaptest.NewLogger(t).Sugar(), Now: fixedNow})

	err := l.Record(ctx, Event{
		EntityType: domain.EntityCycle,
		EntityID:   "c-1",
		Action:     "submit_leg1",
		FromState:  "idle",
		ToState:    "leg1_pending",
		Success:    true,
		Details:    map[string]int64{"version": 1},
	})
	require.NoError(t, err)

	got, err := l.Query(ctx, domain.AuditQuery{EntityID: "c-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "leg1_pending", got[0].ToState)
	assert.True(t, got[0].Success)
	assert.JSONEq(t, `{"version":1}`, string(got[0].Details))
	assert.Equal(t, fixedNow(), got[0].CreatedAt)

	mirrored, err := mirror.Query(ctx, domain.AuditQuery{EntityID: "c-1"})
	require.NoError(t, err)
	require.Len(t, mirrored, 1)
	assert.Equal(t, got[0].ID, mirrored[0].ID)
}

func TestRecord_ErrorText(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAuditEventStore()
	l := New(Options{Store: store, Now: fixedNow})

	require.NoError(t, l.Record(ctx, Event{
		EntityType: domain.EntityCycle,
		EntityID:   "c-2",
		Action:     "fill_leg1",
		Err:        errors.New("version conflict"),
	}))

	got, err := store.Query(ctx, domain.AuditQuery{EntityID: "c-2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Success)
	assert.Equal(t, "version conflict", got[0].Error)
	assert.Nil(t, got[0].Details)
}

func TestRecord_PrimaryFailureReturned(t *testing.T) {
	boom := errors.New("db down")
	l := New(Options{Store: failingStore{err: boom}})

	err := l.Record(context.Background(), Event{EntityType: domain.EntityOrder, EntityID: "o-1"})
	assert.ErrorIs(t, err, boom)
}

func TestRecord_MirrorFailureIgnored(t *testing.T) {
	store := memory.NewAuditEventStore()
	l := New(Options{Store: store, Mirror: failingStore{err: errors.New("clickhouse down")}})

	assert.NoError(t, l.Record(context.Background(), Event{EntityType: domain.EntityOrder, EntityID: "o-2"}))
}

func TestNilLog(t *testing.T) {
	var l *Log
	assert.NoError(t, l.Record(context.Background(), Event{}))
	got, err := l.Query(context.Background(), domain.AuditQuery{})
	assert.NoError(t, err)
	assert.Nil(t, got)
}
