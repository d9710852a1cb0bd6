package clearance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/policy"
	"github.com/agent-intercom/agent-intercom/internal/store"
)

type fakeNotifier struct {
	postedClearances []store.ClearanceRequest
	postedPrompts    []store.ContinuationPrompt
}

func (f *fakeNotifier) PostClearance(ctx context.Context, cr store.ClearanceRequest) (string, error) {
	f.postedClearances = append(f.postedClearances, cr)
	return "chat-handle-" + cr.ID, nil
}

func (f *fakeNotifier) PostPrompt(ctx context.Context, p store.ContinuationPrompt) (string, error) {
	f.postedPrompts = append(f.postedPrompts, p)
	return "chat-handle-" + p.ID, nil
}

func (f *fakeNotifier) PostCommandApproval(ctx context.Context, sessionID, command string, risk store.RiskLevel) (string, error) {
	return "chat-handle-cmd", nil
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeNotifier) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.NewWithDB(db)
	require.NoError(t, err)

	notifier := &fakeNotifier{}
	eng := New(st, notifier, nil, Config{ApprovalTimeout: 2 * time.Second, PromptTimeout: 2 * time.Second})
	return eng, st, notifier
}

func TestRequestClearanceApproved(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	sess := &store.Session{OwnerID: "U1", ProtocolMode: store.ModeReqResp, WorkspaceRoot: "/tmp", OperationalMode: store.OpRemote}
	require.NoError(t, st.CreateSession(ctx, sess))

	cr := store.ClearanceRequest{SessionID: sess.ID, Title: "patch foo.go", FilePath: "foo.go", RiskLevel: store.RiskLow}

	resultCh := make(chan Outcome, 1)
	go func() {
		out, err := eng.RequestClearance(ctx, cr, "write_file")
		require.NoError(t, err)
		resultCh <- out
	}()

	// Give RequestClearance time to register and post before we try to
	// decide — the real id is assigned inside CreateClearanceRequest, so we
	// poll the store for it rather than guessing a UUID.
	var id string
	require.Eventually(t, func() bool {
		pending, err := st.ListPendingClearances(ctx, sess.ID)
		require.NoError(t, err)
		if len(pending) == 1 {
			id = pending[0].ID
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)

	won, err := eng.DecideClearance(ctx, id, true)
	require.NoError(t, err)
	assert.True(t, won)

	select {
	case out := <-resultCh:
		assert.Equal(t, store.ClearanceApproved, out.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("RequestClearance did not return")
	}
}

func TestRequestClearanceExpiresOnTimeout(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	eng.approvalTimeout = 30 * time.Millisecond
	ctx := context.Background()

	st := eng.st
	sess := &store.Session{OwnerID: "U1", ProtocolMode: store.ModeReqResp, WorkspaceRoot: "/tmp", OperationalMode: store.OpRemote}
	require.NoError(t, st.CreateSession(ctx, sess))

	cr := store.ClearanceRequest{SessionID: sess.ID, Title: "t", FilePath: "f", RiskLevel: store.RiskLow}
	out, err := eng.RequestClearance(ctx, cr, "write_file")
	require.NoError(t, err)
	assert.Equal(t, store.ClearanceExpired, out.Status)
}

func TestDecideClearanceSecondCallerLoses(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	sess := &store.Session{OwnerID: "U1", ProtocolMode: store.ModeReqResp, WorkspaceRoot: "/tmp", OperationalMode: store.OpRemote}
	require.NoError(t, st.CreateSession(ctx, sess))

	cr := store.ClearanceRequest{SessionID: sess.ID, Title: "t", FilePath: "f", RiskLevel: store.RiskLow}
	require.NoError(t, st.CreateClearanceRequest(ctx, &cr))
	eng.clearances.Register(cr.ID)

	won1, err := eng.DecideClearance(ctx, cr.ID, true)
	require.NoError(t, err)
	assert.True(t, won1)

	won2, err := eng.DecideClearance(ctx, cr.ID, false)
	require.NoError(t, err)
	assert.False(t, won2)
}

func TestInterruptSessionResolvesPending(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	sess := &store.Session{OwnerID: "U1", ProtocolMode: store.ModeReqResp, WorkspaceRoot: "/tmp", OperationalMode: store.OpRemote}
	require.NoError(t, st.CreateSession(ctx, sess))

	cr := store.ClearanceRequest{SessionID: sess.ID, Title: "t", FilePath: "f", RiskLevel: store.RiskLow}

	resultCh := make(chan Outcome, 1)
	go func() {
		out, err := eng.RequestClearance(ctx, cr, "write_file")
		require.NoError(t, err)
		resultCh <- out
	}()

	require.Eventually(t, func() bool {
		pending, _ := st.ListPendingClearances(ctx, sess.ID)
		return len(pending) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, eng.InterruptSession(ctx, sess.ID))

	select {
	case out := <-resultCh:
		assert.Equal(t, store.ClearanceInterrupted, out.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("RequestClearance did not return after interrupt")
	}
}

func TestRequestClearanceAutoApprovesWithoutChat(t *testing.T) {
	eng, st, notifier := newTestEngine(t)
	ctx := context.Background()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".intercom"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, policy.SettingsFile), []byte(`{
		"enabled": true,
		"tools": ["read_file"],
		"write_patterns": [],
		"read_patterns": ["**"],
		"risk_level_threshold": "Low"
	}`), 0o644))

	cache, err := policy.NewCache(obslog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	require.NoError(t, cache.Watch(root))
	eng.cache = cache

	sess := &store.Session{OwnerID: "U1", ProtocolMode: store.ModeReqResp, WorkspaceRoot: root, OperationalMode: store.OpRemote}
	require.NoError(t, st.CreateSession(ctx, sess))

	cr := store.ClearanceRequest{SessionID: sess.ID, Title: "read foo.go", FilePath: "foo.go", RiskLevel: store.RiskLow}
	out, err := eng.RequestClearance(ctx, cr, "read_file")
	require.NoError(t, err)
	assert.Equal(t, store.ClearanceApproved, out.Status)
	assert.NotEmpty(t, out.RequestID)
	assert.Empty(t, notifier.postedClearances)
}
