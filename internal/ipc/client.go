package ipc

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
)

// Client sends one Request and reads one Response over the control
// channel — the companion CLI's only interaction with a running
// agent-intercom process.
type Client struct {
	addr  string
	token string
}

// NewClient builds a Client for the control channel at addr, authenticating
// with token (normally read via ReadTokenFile).
func NewClient(addr, token string) *Client {
	return &Client{addr: addr, token: token}
}

// ResolveAddress computes the same control address Server.New binds to, so
// the companion CLI can find a running instance's socket/port and token
// file without duplicating the platform-specific addressing scheme.
func ResolveAddress(ipcName, modeSuffix string) (string, error) {
	return controlAddress(ipcName, modeSuffix)
}

// TokenPath returns where New persists the auth token for addr.
func TokenPath(addr string) string {
	return addr + ".token"
}

// Send dials, sends req (stamped with the client's token), and returns the
// single Response before the connection closes.
func (c *Client) Send(ctx context.Context, req Request) (Response, error) {
	req.Token = c.token

	var d net.Dialer
	conn, err := d.DialContext(ctx, dialNetwork, c.addr)
	if err != nil {
		return Response{}, ierr.Wrap(ierr.Unavailable, "dial ipc control channel", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(requestDeadline))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, ierr.Wrap(ierr.Io, "send ipc request", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, ierr.Wrap(ierr.Io, "read ipc response", err)
	}
	return resp, nil
}
