package reqresp

import (
	"context"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agent-intercom/agent-intercom/internal/clearance"
	"github.com/agent-intercom/agent-intercom/internal/common/httpmw"
	"github.com/agent-intercom/agent-intercom/internal/driver"
	"github.com/agent-intercom/agent-intercom/internal/ierr"
	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/queue"
	"github.com/agent-intercom/agent-intercom/internal/session"
	"github.com/agent-intercom/agent-intercom/internal/store"
)

// Config tunes the HTTP listener.
type Config struct {
	Addr           string
	MaxConnections int // connection-count semaphore (spec §4.10)
}

// Server is the req/resp protocol server (C12).
type Server struct {
	cfg       Config
	orch      *session.Orchestrator
	clearance *clearance.Engine
	queue     *queue.Queue
	st        *store.Store
	drv       *driver.ReqRespDriver
	logger    *obslog.Logger
	router    *gin.Engine
	sem       chan struct{}
}

// New builds a Server and its gin router, but does not start listening.
func New(cfg Config, orch *session.Orchestrator, eng *clearance.Engine, q *queue.Queue, st *store.Store, drv *driver.ReqRespDriver, logger *obslog.Logger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 64
	}

	s := &Server{
		cfg:       cfg,
		orch:      orch,
		clearance: eng,
		queue:     q,
		st:        st,
		drv:       drv,
		logger:    logger,
		sem:       make(chan struct{}, cfg.MaxConnections),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(logger, "agent-intercom-reqresp"))
	r.Use(httpmw.OtelTracing("agent-intercom-reqresp"))
	r.Use(s.semaphoreMiddleware)

	r.POST("/mcp", s.handleMCP)
	r.Any("/sse", s.handleLegacySSE)

	s.router = r
	return s
}

// Handler exposes the underlying http.Handler, for ListenAndServe wiring and
// for tests that want to exercise it via httptest without binding a port.
func (s *Server) Handler() http.Handler { return s.router }

// semaphoreMiddleware bounds concurrent in-flight requests (spec §4.10's
// "connection-count semaphore guarantees bounded concurrency on the
// listener"). A full semaphore rejects with 503 rather than queuing
// indefinitely, since a stuck blocking tool call (clearance/prompt) can hold
// a slot for the full approval timeout.
func (s *Server) semaphoreMiddleware(c *gin.Context) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
		c.Next()
	default:
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "too many concurrent connections"})
	}
}

// handleLegacySSE rejects the pre-streamable-HTTP SSE transport (spec
// §4.10): "/sse returns 410 Gone with a migration message."
func (s *Server) handleLegacySSE(c *gin.Context) {
	c.JSON(http.StatusGone, gin.H{
		"error": "the /sse transport has been retired; connect via POST /mcp instead",
	})
}

// ListenAndServe binds the listener eagerly, so a port conflict surfaces
// before any accept loop goroutine is spawned (spec §4.10), then serves
// until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return ierr.Wrap(ierr.Unavailable, "bind req/resp listener "+s.cfg.Addr, err)
	}

	srv := &http.Server{Handler: s.router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return ierr.Wrap(ierr.Unavailable, "req/resp listener", err)
	}
}
