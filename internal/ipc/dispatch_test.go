package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-intercom/agent-intercom/internal/clearance"
	"github.com/agent-intercom/agent-intercom/internal/driver"
	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/queue"
	"github.com/agent-intercom/agent-intercom/internal/session"
	"github.com/agent-intercom/agent-intercom/internal/stall"
	"github.com/agent-intercom/agent-intercom/internal/store"
)

type fakeNotifier struct{}

func (fakeNotifier) PostClearance(ctx context.Context, cr store.ClearanceRequest) (string, error) {
	return "h", nil
}
func (fakeNotifier) PostPrompt(ctx context.Context, p store.ContinuationPrompt) (string, error) {
	return "h", nil
}
func (fakeNotifier) PostCommandApproval(ctx context.Context, sessionID, command string, risk store.RiskLevel) (string, error) {
	return "h", nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store, *session.Orchestrator) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.NewWithDB(db)
	require.NoError(t, err)

	eng := clearance.New(st, fakeNotifier{}, nil, clearance.Config{
		ApprovalTimeout: time.Second, PromptTimeout: time.Second,
	})
	drv := driver.NewReqRespDriver()
	orch := session.New(st, eng, drv, obslog.Default(), context.Background(), session.Config{
		MaxConcurrentSessions: 5,
		Stall: stall.Config{
			InactivityThreshold: time.Hour, EscalationThreshold: time.Hour, MaxRetries: 3,
		},
	})
	q := queue.New(st, orch, true)

	return NewDispatcher(st, eng, orch, q), st, orch
}

func TestApproveResolvesPendingClearance(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	ctx := context.Background()

	sess := &store.Session{OwnerID: "U1", ProtocolMode: store.ModeReqResp, WorkspaceRoot: "/tmp", OperationalMode: store.OpRemote}
	require.NoError(t, st.CreateSession(ctx, sess))
	cr := &store.ClearanceRequest{SessionID: sess.ID, Title: "t", FilePath: "a.go", RiskLevel: store.RiskLow}
	require.NoError(t, st.CreateClearanceRequest(ctx, cr))

	resp := d.Dispatch(ctx, Request{Command: CommandApprove, ID: cr.ID})
	require.True(t, resp.OK)

	got, ok, err := st.GetClearanceRequest(ctx, cr.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.ClearanceApproved, got.Status)
}

func TestRejectResolvesPendingPromptWithReason(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	ctx := context.Background()

	sess := &store.Session{OwnerID: "U1", ProtocolMode: store.ModeReqResp, WorkspaceRoot: "/tmp", OperationalMode: store.OpRemote}
	require.NoError(t, st.CreateSession(ctx, sess))
	p := &store.ContinuationPrompt{SessionID: sess.ID, PromptText: "continue?", Type: store.PromptContinuation}
	require.NoError(t, st.CreateContinuationPrompt(ctx, p))

	resp := d.Dispatch(ctx, Request{Command: CommandReject, ID: p.ID, Reason: "not now"})
	require.True(t, resp.OK)

	got, ok, err := st.GetContinuationPrompt(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got.Decision)
	assert.Equal(t, store.DecisionStop, *got.Decision)
	require.NotNil(t, got.Instruction)
	assert.Equal(t, "not now", *got.Instruction)
}

func TestDecideUnknownIDIsRejected(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{Command: CommandApprove, ID: "missing"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "no pending request")
}

func TestModeRequiresExactlyOneActiveSession(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	resp := d.Dispatch(ctx, Request{Command: CommandMode, Value: "Local"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "no active session")
}

func TestModeSetsOperationalModeOnSoleActiveSession(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	ctx := context.Background()

	sess := &store.Session{OwnerID: "U1", ProtocolMode: store.ModeReqResp, WorkspaceRoot: "/tmp", OperationalMode: store.OpRemote}
	require.NoError(t, st.CreateSession(ctx, sess))
	require.NoError(t, st.UpdateStatus(ctx, sess.ID, store.SessionActive))

	resp := d.Dispatch(ctx, Request{Command: CommandMode, Value: "Local"})
	require.True(t, resp.OK)

	got, ok, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.OpLocal, got.OperationalMode)
}

func TestModeRejectsUnknownValue(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{Command: CommandMode, Value: "Bogus"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "must be one of")
}

func TestSteerEnqueuesSteeringMessage(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	ctx := context.Background()

	sess := &store.Session{OwnerID: "U1", ProtocolMode: store.ModeReqResp, WorkspaceRoot: "/tmp", OperationalMode: store.OpRemote}
	require.NoError(t, st.CreateSession(ctx, sess))

	resp := d.Dispatch(ctx, Request{Command: CommandSteer, SessionID: sess.ID, Text: "keep going"})
	require.True(t, resp.OK)

	msgs, err := st.DrainSteeringMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "keep going", msgs[0].Text)
	assert.Equal(t, store.SourceIPC, msgs[0].Source)
}

func TestTaskEnqueuesInboxItem(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	ctx := context.Background()

	resp := d.Dispatch(ctx, Request{Command: CommandTask, Channel: "C1", Text: "do this later"})
	require.True(t, resp.OK)

	items, err := st.DrainTaskInbox(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "do this later", items[0].Text)
}

func TestListReturnsActiveSessionsWithPendingRecords(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	ctx := context.Background()

	sess := &store.Session{OwnerID: "U1", ProtocolMode: store.ModeReqResp, WorkspaceRoot: "/tmp", OperationalMode: store.OpRemote}
	require.NoError(t, st.CreateSession(ctx, sess))
	require.NoError(t, st.UpdateStatus(ctx, sess.ID, store.SessionActive))
	require.NoError(t, st.CreateClearanceRequest(ctx, &store.ClearanceRequest{
		SessionID: sess.ID, Title: "t", FilePath: "a.go", RiskLevel: store.RiskLow,
	}))

	resp := d.Dispatch(ctx, Request{Command: CommandList})
	require.True(t, resp.OK)

	out, ok := resp.Data.([]sessionSummary)
	require.True(t, ok)
	require.Len(t, out, 1)
	assert.Equal(t, sess.ID, out[0].ID)
	assert.Len(t, out[0].PendingClearances, 1)
}

func TestUnrecognizedCommandIsRejected(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{Command: "bogus"})
	assert.False(t, resp.OK)
}
