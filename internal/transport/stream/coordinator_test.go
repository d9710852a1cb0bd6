package stream

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

func newTestCoordinator(t *testing.T, hostCLI string, hostCLIArgs []string) (*Coordinator, *store.Store) {
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
	drv := driver.NewStreamDriver(obslog.Default())
	orch := session.New(st, eng, drv, obslog.Default(), context.Background(), session.Config{
		MaxConcurrentSessions: 5,
		Stall: stall.Config{
			InactivityThreshold: time.Hour, EscalationThreshold: time.Hour, MaxRetries: 3,
		},
	})

	c := New(Config{HostCLI: hostCLI, HostCLIArgs: hostCLIArgs}, drv, orch, eng, st, obslog.Default())
	return c, st
}

func TestLaunchConsumesHeartbeatAndUpdatesProgress(t *testing.T) {
	script := `read line
echo '{"type":"heartbeat","session_id":"placeholder","data":{"lastTool":"edit_file","progressJson":"{\"step\":1}"}}'
sleep 1`
	c, st := newTestCoordinator(t, "sh", []string{"-c", script})

	sess, err := c.Launch(context.Background(), "U1", "", t.TempDir(), "http://localhost:8787", "")
	require.NoError(t, err)

	require.NoError(t, c.drv.SendCommand(context.Background(), sess.ID, nil))

	deadline := time.After(3 * time.Second)
	for {
		got, ok, err := st.GetSession(context.Background(), sess.ID)
		require.NoError(t, err)
		require.True(t, ok)
		if got.ProgressJSON == `{"step":1}` {
			assert.Equal(t, "edit_file", got.LastTool)
			break
		}
		select {
		case <-deadline:
			t.Fatalf("progress was never persisted, last seen: %q", got.ProgressJSON)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestUnexpectedExitMarksSessionInterrupted(t *testing.T) {
	c, st := newTestCoordinator(t, "sh", []string{"-c", "exit 1"})

	sess, err := c.Launch(context.Background(), "U2", "", t.TempDir(), "http://localhost:8787", "")
	require.NoError(t, err)

	deadline := time.After(3 * time.Second)
	for {
		got, ok, err := st.GetSession(context.Background(), sess.ID)
		require.NoError(t, err)
		require.True(t, ok)
		if got.Status == store.SessionInterrupted {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("session was never marked interrupted, status: %s", got.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}
