package driver

import (
	"context"
	"testing"
	"time"

	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReqRespDriverSendAndReceiveEvent(t *testing.T) {
	d := NewReqRespDriver()
	ctx := context.Background()

	require.NoError(t, d.Bind(ctx, "s1"))
	events, err := d.Events("s1")
	require.NoError(t, err)

	require.NoError(t, d.SendEvent(ctx, &wire.Event{Type: wire.EventProgress, SessionID: "s1"}))

	select {
	case ev := <-events:
		assert.Equal(t, wire.EventProgress, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("did not receive event")
	}

	require.NoError(t, d.Close("s1"))
	_, err = d.Events("s1")
	require.Error(t, err)
}

func TestReqRespDriverRejectsUnboundSession(t *testing.T) {
	d := NewReqRespDriver()
	err := d.SendEvent(context.Background(), &wire.Event{Type: wire.EventProgress, SessionID: "missing"})
	require.Error(t, err)
}

func TestStreamDriverRunsEchoProcess(t *testing.T) {
	d := NewStreamDriver(obslog.Default())
	ctx := context.Background()

	// A trivial shell pipeline stands in for an agent binary: it reads one
	// line from stdin and echoes a wire.Event back on stdout.
	err := d.BindProcess(ctx, "s2", "sh", []string{"-c", `read line; echo "{\"type\":\"progress\",\"session_id\":\"s2\"}"`}, t.TempDir(), nil)
	require.NoError(t, err)
	defer d.Close("s2")

	require.NoError(t, d.SendCommand(ctx, "s2", &wire.Command{Type: wire.CommandSteer, SessionID: "s2"}))

	events, err := d.Events("s2")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, wire.EventProgress, ev.Type)
		assert.Equal(t, "s2", ev.SessionID)
	case <-time.After(3 * time.Second):
		t.Fatal("did not receive event from agent process")
	}
}
