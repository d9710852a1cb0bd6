package ipc

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
	"github.com/agent-intercom/agent-intercom/internal/obslog"
)

// requestDeadline bounds how long a single control-channel connection may
// take to send its request and read its response.
const requestDeadline = 10 * time.Second

// Config names this instance's control channel. ModeSuffix disambiguates
// two agent-intercom instances on one host (e.g. a req/resp and a stream
// instance run side by side), per spec §4.13.
type Config struct {
	IPCName    string
	ModeSuffix string
}

// Server is the local control-channel listener (C14, spec §4.13): one JSON
// request per connection, one JSON response, then close. Grounded on
// internal/transport/reqresp's eager-listen/select-on-ctx shutdown shape,
// adapted from HTTP to a raw framed socket since the client here is a
// companion CLI rather than a browser or agent runtime.
type Server struct {
	dispatcher *Dispatcher
	logger     *obslog.Logger
	addr       string
	tokenPath  string
	token      string
}

// New resolves this instance's control address, generates a fresh auth
// token, and persists it 0600 alongside the socket so a companion CLI
// running as the same user can read it back.
func New(cfg Config, d *Dispatcher, logger *obslog.Logger) (*Server, error) {
	addr, err := controlAddress(cfg.IPCName, cfg.ModeSuffix)
	if err != nil {
		return nil, ierr.Wrap(ierr.Io, "resolve ipc control address", err)
	}
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	tokenPath := addr + ".token"
	if err := writeTokenFile(tokenPath, token); err != nil {
		return nil, err
	}

	return &Server{dispatcher: d, logger: logger, addr: addr, tokenPath: tokenPath, token: token}, nil
}

// Addr returns the bound control address.
func (s *Server) Addr() string { return s.addr }

// TokenPath returns where the auth token was persisted.
func (s *Server) TokenPath() string { return s.tokenPath }

// ListenAndServe binds the listener eagerly, then accepts connections until
// ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := newListener(s.addr)
	if err != nil {
		return ierr.Wrap(ierr.Unavailable, "bind ipc listener "+s.addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return ierr.Wrap(ierr.Unavailable, "ipc accept", err)
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(requestDeadline))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Warn("malformed ipc request", zap.Error(err))
		json.NewEncoder(conn).Encode(Response{OK: false, Error: "malformed request"})
		return
	}

	if req.Token != s.token {
		json.NewEncoder(conn).Encode(Response{OK: false, Error: "unauthorized"})
		return
	}

	resp := s.dispatcher.Dispatch(context.Background(), req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Warn("write ipc response failed", zap.Error(err))
	}
}
