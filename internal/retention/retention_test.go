package retention

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.NewWithDB(db)
	require.NoError(t, err)
	return st
}

type recordedEntry struct {
	action, sessionID string
}

type fakeAuditor struct {
	entries []recordedEntry
}

func (f *fakeAuditor) Record(actor, action, sessionID, requestID string, fields map[string]interface{}) {
	f.entries = append(f.entries, recordedEntry{action: action, sessionID: sessionID})
}

func createTerminatedSession(t *testing.T, st *store.Store) store.Session {
	t.Helper()
	ctx := context.Background()
	sess := &store.Session{
		OwnerID:         "U1",
		ProtocolMode:    store.ModeReqResp,
		WorkspaceRoot:   "/tmp/ws",
		OperationalMode: store.OpRemote,
	}
	require.NoError(t, st.CreateSession(ctx, sess))
	require.NoError(t, st.UpdateStatus(ctx, sess.ID, store.SessionActive))
	require.NoError(t, st.UpdateStatus(ctx, sess.ID, store.SessionTerminated))

	got, ok, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	return got
}

func TestSweepPurgesSessionsPastRetentionWindow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := createTerminatedSession(t, st)

	// A negative RetentionDays pushes the threshold into the future, so a
	// session terminated moments ago is already "older than the window".
	sweeper := New(st, Config{RetentionDays: -1}, obslog.Default())
	require.NoError(t, sweeper.Sweep(ctx))

	_, ok, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, ok, "session past the retention window should have been purged")
}

func TestSweepLeavesSessionsWithinRetentionWindow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := createTerminatedSession(t, st)

	sweeper := New(st, Config{RetentionDays: 30}, obslog.Default())
	require.NoError(t, sweeper.Sweep(ctx))

	_, ok, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, ok, "a session terminated moments ago is within a 30-day window")
}

func TestSweepCascadesChildRecords(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := createTerminatedSession(t, st)
	require.NoError(t, st.CreateClearanceRequest(ctx, &store.ClearanceRequest{
		SessionID: sess.ID,
		Title:     "add helper",
		FilePath:  "a.go",
		RiskLevel: store.RiskLow,
		Status:    store.ClearancePending,
	}))

	sweeper := New(st, Config{RetentionDays: -1}, obslog.Default())
	require.NoError(t, sweeper.Sweep(ctx))

	pending, err := st.ListPendingClearances(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, pending, "cascade delete should remove child clearance rows with their session")
}

func TestSweepRecordsAuditEntryPerPurgedSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := createTerminatedSession(t, st)

	sweeper := New(st, Config{RetentionDays: -1}, obslog.Default())
	fa := &fakeAuditor{}
	sweeper.SetAuditLogger(fa)
	require.NoError(t, sweeper.Sweep(ctx))

	require.Len(t, fa.entries, 1)
	assert.Equal(t, "session_purged", fa.entries[0].action)
	assert.Equal(t, sess.ID, fa.entries[0].sessionID)
}

func TestSweepWithNoCandidatesIsANoop(t *testing.T) {
	st := newTestStore(t)
	sweeper := New(st, Config{RetentionDays: 30}, obslog.Default())
	require.NoError(t, sweeper.Sweep(context.Background()))
}

func TestRunStopsOnClose(t *testing.T) {
	st := newTestStore(t)
	sweeper := New(st, Config{RetentionDays: 30, Interval: time.Millisecond}, obslog.Default())

	done := make(chan struct{})
	go func() {
		sweeper.Run(context.Background())
		close(done)
	}()
	sweeper.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}
