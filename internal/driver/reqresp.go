package driver

import (
	"context"
	"sync"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
	"github.com/agent-intercom/agent-intercom/internal/wire"
)

// ReqRespDriver implements Driver for the request/response protocol mode: an
// agent process calls in over HTTP (C12), and the HTTP tool handlers return
// each call's result directly as its response. There is no persistent
// connection, so "Events" is served from a small in-memory per-session
// channel that SendEvent feeds; the HTTP handlers do not read it.
type ReqRespDriver struct {
	mu       sync.RWMutex
	sessions map[string]*reqRespSession
}

type reqRespSession struct {
	events  chan *wire.Event
	pending sync.Map // command correlation, reserved for future use
}

// NewReqRespDriver constructs an empty ReqRespDriver.
func NewReqRespDriver() *ReqRespDriver {
	return &ReqRespDriver{sessions: make(map[string]*reqRespSession)}
}

func (d *ReqRespDriver) Bind(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[sessionID]; ok {
		return nil
	}
	d.sessions[sessionID] = &reqRespSession{events: make(chan *wire.Event, 64)}
	return nil
}

func (d *ReqRespDriver) Close(sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.sessions[sessionID]
	if !ok {
		return nil
	}
	close(sess.events)
	delete(d.sessions, sessionID)
	return nil
}

func (d *ReqRespDriver) SendEvent(ctx context.Context, ev *wire.Event) error {
	d.mu.RLock()
	sess, ok := d.sessions[ev.SessionID]
	d.mu.RUnlock()
	if !ok {
		return ierr.New(ierr.Unavailable, "no bound session for req/resp event: "+ev.SessionID)
	}
	select {
	case sess.events <- ev:
		return nil
	case <-ctx.Done():
		return ierr.Wrap(ierr.Cancelled, "send event cancelled", ctx.Err())
	}
}

// SendCommand in the req/resp mode does not push to a live connection —
// there isn't one. It always returns a Protocol error: the HTTP tool
// handlers (C12) return each call's result as that call's synchronous
// response and never route commands through the driver.
func (d *ReqRespDriver) SendCommand(ctx context.Context, sessionID string, cmd *wire.Command) error {
	return ierr.New(ierr.Protocol, "SendCommand is not used in req/resp mode; commands are returned synchronously by the HTTP handler")
}

func (d *ReqRespDriver) Events(sessionID string) (<-chan *wire.Event, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sess, ok := d.sessions[sessionID]
	if !ok {
		return nil, ierr.New(ierr.Unavailable, "no bound session: "+sessionID)
	}
	return sess.events, nil
}
