package ipc

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	d, st, _ := newTestDispatcher(t)

	// A random suffix keeps concurrent test runs on the same machine from
	// colliding on the same socket path.
	cfg := Config{IPCName: fmt.Sprintf("agent-intercom-test-%d", rand.Int63())}
	srv, err := New(cfg, d, obslog.Default())
	require.NoError(t, err)
	return srv, st
}

func TestRoundTripSteerOverControlChannel(t *testing.T) {
	srv, st := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.ListenAndServe(ctx)
	waitForListener(t, srv.Addr())

	sess := &store.Session{OwnerID: "U1", ProtocolMode: store.ModeReqResp, WorkspaceRoot: "/tmp", OperationalMode: store.OpRemote}
	require.NoError(t, st.CreateSession(context.Background(), sess))

	token, err := ReadTokenFile(srv.TokenPath())
	require.NoError(t, err)
	cl := NewClient(srv.Addr(), token)

	resp, err := cl.Send(context.Background(), Request{Command: CommandSteer, SessionID: sess.ID, Text: "hi"})
	require.NoError(t, err)
	assert.True(t, resp.OK)

	msgs, err := st.DrainSteeringMessages(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
}

func TestWrongTokenIsUnauthorized(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.ListenAndServe(ctx)
	waitForListener(t, srv.Addr())

	cl := NewClient(srv.Addr(), "wrong-token")
	resp, err := cl.Send(context.Background(), Request{Command: CommandList})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, "unauthorized", resp.Error)
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		cl := NewClient(addr, "")
		if _, err := cl.Send(context.Background(), Request{Command: CommandList}); err == nil {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("ipc listener never became reachable at %s", addr)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
