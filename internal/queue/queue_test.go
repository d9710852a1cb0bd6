package queue

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-intercom/agent-intercom/internal/store"
)

type fakeSessionLookup struct {
	byChannel map[string]string
}

func (f *fakeSessionLookup) ActiveSessionForChannel(ctx context.Context, channelID string) (string, bool) {
	id, ok := f.byChannel[channelID]
	return id, ok
}

func newTestQueue(t *testing.T, singleChannel bool, lookup *fakeSessionLookup) (*Queue, *store.Store) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.NewWithDB(db)
	require.NoError(t, err)

	return New(st, lookup, singleChannel), st
}

func TestEnqueueSteeringRoutesByChannel(t *testing.T) {
	lookup := &fakeSessionLookup{byChannel: map[string]string{"C1": "sess-1"}}
	q, st := newTestQueue(t, false, lookup)
	ctx := context.Background()

	require.NoError(t, q.EnqueueSteering(ctx, "", "C1", "pause please", store.SourceSlack))

	msgs, err := st.DrainSteeringMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "pause please", msgs[0].Text)
}

func TestEnqueueSteeringRejectsUnresolvableChannelWhenMultiChannel(t *testing.T) {
	lookup := &fakeSessionLookup{byChannel: map[string]string{}}
	q, _ := newTestQueue(t, false, lookup)

	err := q.EnqueueSteering(context.Background(), "", "unknown-channel", "text", store.SourceSlack)
	assert.Error(t, err)
}

func TestEnqueueSteeringFallsBackToActiveSessionWhenSingleChannel(t *testing.T) {
	lookup := &fakeSessionLookup{byChannel: map[string]string{"": "sess-only"}}
	q, st := newTestQueue(t, true, lookup)
	ctx := context.Background()

	require.NoError(t, q.EnqueueSteering(ctx, "", "", "continue", store.SourceIPC))

	msgs, err := st.DrainSteeringMessages(ctx, "sess-only")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestDrainInboxFallsBackToUnfilteredQueueWhenSingleChannel(t *testing.T) {
	q, _ := newTestQueue(t, true, &fakeSessionLookup{})
	ctx := context.Background()

	require.NoError(t, q.EnqueueTask(ctx, "", "do the thing", store.SourceIPC))

	items, err := q.DrainInbox(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "do the thing", items[0].Text)
}

func TestDrainInboxIsOnceOnly(t *testing.T) {
	q, _ := newTestQueue(t, false, &fakeSessionLookup{})
	ctx := context.Background()

	require.NoError(t, q.EnqueueTask(ctx, "C1", "task one", store.SourceSlack))

	first, err := q.DrainInbox(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := q.DrainInbox(ctx, "C1")
	require.NoError(t, err)
	assert.Empty(t, second)
}
