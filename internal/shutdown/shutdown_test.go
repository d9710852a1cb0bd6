package shutdown

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-intercom/agent-intercom/internal/chat/outbound"
	"github.com/agent-intercom/agent-intercom/internal/clearance"
	"github.com/agent-intercom/agent-intercom/internal/driver"
	"github.com/agent-intercom/agent-intercom/internal/obslog"
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

type alwaysFailPoster struct{ calls int32 }

func (p *alwaysFailPoster) Post(ctx context.Context, msg outbound.Message) (string, error) {
	atomic.AddInt32(&p.calls, 1)
	return "", assert.AnError
}

func newTestOrchestrator(t *testing.T) (*store.Store, *session.Orchestrator) {
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
	return st, orch
}

func TestRunCancelsRootTokenAndClosesStore(t *testing.T) {
	st, orch := newTestOrchestrator(t)
	var cancelled int32
	cancel := func() { atomic.StoreInt32(&cancelled, 1) }

	c := New(cancel, nil, orch, st, obslog.Default(), Config{DrainTimeout: 10 * time.Millisecond, HardDeadline: time.Second})
	require.NoError(t, c.Run())

	assert.Equal(t, int32(1), atomic.LoadInt32(&cancelled))
	_, err := st.GetSession(context.Background(), "anything")
	assert.Error(t, err, "store should be closed after Run")
}

func TestInterruptActiveSessionsMarksActiveAndPausedInterrupted(t *testing.T) {
	st, orch := newTestOrchestrator(t)
	ctx := context.Background()

	active, _, err := orch.Bind(ctx, "U1", "C1", "/tmp/ws", store.ModeReqResp, "")
	require.NoError(t, err)
	require.NoError(t, st.UpdateStatus(ctx, active.ID, store.SessionActive))

	paused, _, err := orch.Bind(ctx, "U2", "C2", "/tmp/ws2", store.ModeReqResp, "")
	require.NoError(t, err)
	require.NoError(t, st.UpdateStatus(ctx, paused.ID, store.SessionActive))
	require.NoError(t, orch.Pause(ctx, paused.ID))

	c := New(func() {}, nil, orch, st, obslog.Default(), Config{DrainTimeout: 10 * time.Millisecond, HardDeadline: time.Second})
	require.NoError(t, c.interruptActiveSessions(ctx))

	gotActive, ok, err := st.GetSession(ctx, active.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.SessionInterrupted, gotActive.Status)

	gotPaused, ok, err := st.GetSession(ctx, paused.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.SessionInterrupted, gotPaused.Status)
}

func TestDrainOutboundStopsAtDeadlineWithoutBlockingRun(t *testing.T) {
	st, orch := newTestOrchestrator(t)
	poster := &alwaysFailPoster{}
	cfg := outbound.Config{
		MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond,
		BreakerTimeout: time.Hour, FailureThreshold: 1,
	}
	oq := outbound.New(poster, obslog.Default(), cfg)
	// Drive enough failing posts to trip the breaker, then one more so it
	// lands in the pending-replay queue instead of being attempted directly.
	for i := 0; i < 3; i++ {
		_, _ = oq.Post(context.Background(), outbound.Message{ChannelID: "C1", Text: "hi"}, cfg)
	}
	require.Greater(t, oq.PendingCount(), 0)

	c := New(func() {}, oq, orch, st, obslog.Default(), Config{DrainTimeout: 50 * time.Millisecond, HardDeadline: time.Second})

	done := make(chan struct{})
	go func() {
		_ = c.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run blocked past its bounded drain timeout")
	}
}

func TestDrainOutboundNoopWhenQueueNil(t *testing.T) {
	st, orch := newTestOrchestrator(t)
	c := New(func() {}, nil, orch, st, obslog.Default(), Config{DrainTimeout: 10 * time.Millisecond, HardDeadline: time.Second})
	require.NoError(t, c.Run())
}
