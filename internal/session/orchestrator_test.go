package session

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

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *store.Store) {
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

	if cfg.Stall.InactivityThreshold == 0 {
		cfg.Stall = stall.Config{
			InactivityThreshold: time.Hour,
			EscalationThreshold: time.Hour,
			MaxRetries:          3,
			DefaultNudgeText:    "still there?",
		}
	}

	o := New(st, eng, drv, obslog.Default(), context.Background(), cfg)
	t.Cleanup(func() {
		o.mu.Lock()
		dets := make([]*stall.Detector, 0, len(o.detectors))
		for _, d := range o.detectors {
			dets = append(dets, d)
		}
		o.mu.Unlock()
		for _, d := range dets {
			d.Close()
		}
	})
	return o, st
}

func TestBindCreatesNewSessionWhenNoneExists(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{MaxConcurrentSessions: 5})
	ctx := context.Background()

	sess, created, err := o.Bind(ctx, "U1", "C1", "/tmp", store.ModeReqResp, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, store.SessionActive, sess.Status)
}

func TestBindReattachesToExistingActiveSession(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{MaxConcurrentSessions: 5})
	ctx := context.Background()

	first, _, err := o.Bind(ctx, "U1", "C1", "/tmp", store.ModeReqResp, "")
	require.NoError(t, err)

	second, created, err := o.Bind(ctx, "U1", "C1", "/tmp", store.ModeReqResp, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestBindRejectsBeyondConcurrencyCap(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{MaxConcurrentSessions: 1})
	ctx := context.Background()

	_, _, err := o.Bind(ctx, "U1", "C1", "/tmp", store.ModeReqResp, "")
	require.NoError(t, err)

	_, _, err = o.Bind(ctx, "U2", "C1", "/tmp", store.ModeReqResp, "")
	assert.Error(t, err)
}

func TestTerminateMarksSessionTerminated(t *testing.T) {
	o, st := newTestOrchestrator(t, Config{MaxConcurrentSessions: 5})
	ctx := context.Background()

	sess, _, err := o.Bind(ctx, "U1", "C1", "/tmp", store.ModeReqResp, "")
	require.NoError(t, err)

	require.NoError(t, o.Terminate(ctx, sess.ID))

	got, ok, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.SessionTerminated, got.Status)
}

func TestColdStartRecoverInterruptsActiveAndPaused(t *testing.T) {
	o, st := newTestOrchestrator(t, Config{MaxConcurrentSessions: 5})
	ctx := context.Background()

	sess, _, err := o.Bind(ctx, "U1", "C1", "/tmp", store.ModeReqResp, "")
	require.NoError(t, err)

	require.NoError(t, o.ColdStartRecover(ctx))

	got, ok, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.SessionInterrupted, got.Status)
}

func TestCheckpointAndRestoreRoundTrip(t *testing.T) {
	o, st := newTestOrchestrator(t, Config{MaxConcurrentSessions: 5})
	ctx := context.Background()

	sess, _, err := o.Bind(ctx, "U1", "C1", "/tmp", store.ModeReqResp, "")
	require.NoError(t, err)

	require.NoError(t, st.UpdateProgress(ctx, sess.ID, "edit_file", `[{"label":"step1","status":"done"}]`))

	cp, err := o.Checkpoint(ctx, sess.ID, "before risky change", "{}", `{"foo.go":"abc123"}`)
	require.NoError(t, err)
	assert.Equal(t, `[{"label":"step1","status":"done"}]`, cp.ProgressJSON)

	require.NoError(t, st.UpdateProgress(ctx, sess.ID, "edit_file", `[]`))

	restored, err := o.Restore(ctx, sess.ID, "")
	require.NoError(t, err)
	assert.Equal(t, cp.ID, restored.ID)

	got, ok, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `[{"label":"step1","status":"done"}]`, got.ProgressJSON)
}

func TestActiveSessionForChannelReturnsMostRecentlyUpdated(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{MaxConcurrentSessions: 5})
	ctx := context.Background()

	sess, _, err := o.Bind(ctx, "U1", "C1", "/tmp", store.ModeReqResp, "")
	require.NoError(t, err)

	id, ok := o.ActiveSessionForChannel(ctx, "C1")
	require.True(t, ok)
	assert.Equal(t, sess.ID, id)
}
