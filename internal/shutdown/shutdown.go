// Package shutdown implements agent-intercom's graceful stop sequence (spec
// §4.14): on SIGINT/SIGTERM, stop accepting new connections, drain the
// outbound chat queue, interrupt every still-running session, close the
// store, and exit — all bounded by a hard deadline so one stuck task can
// never hang the process. Grounded on kdlbs-kandev's cmd/kandev main.go,
// which runs the identical signal-wait-then-teardown sequence (HTTP server
// shutdown, then orchestrator stop, then lifecycle manager stop) against a
// fixed deadline.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agent-intercom/agent-intercom/internal/chat/outbound"
	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/session"
	"github.com/agent-intercom/agent-intercom/internal/store"
)

// Config tunes how long shutdown is allowed to take.
type Config struct {
	// DrainTimeout bounds how long the outbound chat queue is given to empty
	// before shutdown moves on regardless (spec: "bounded sleep even when no
	// channel is configured" — draining never waits forever just because
	// nothing is actually queued).
	DrainTimeout time.Duration
	// HardDeadline bounds the context the drain and interrupt steps run
	// under; when it elapses they stop waiting, and Run still closes the
	// store and returns that Close error.
	HardDeadline time.Duration
}

// DefaultConfig matches the spec's own described defaults.
func DefaultConfig() Config {
	return Config{
		DrainTimeout: 5 * time.Second,
		HardDeadline: 30 * time.Second,
	}
}

// Coordinator owns the teardown sequence. cancel is the root cancellation
// token whose cancellation alone stops both internal/transport/reqresp's and
// internal/ipc's listen loops (both already select on ctx.Done() to stop
// accepting new connections), so step 1 ("stop accepting new connections")
// and step 2 ("cancel the root token") of spec §4.14 collapse into the same
// call here.
type Coordinator struct {
	cancel   context.CancelFunc
	outbound *outbound.Queue
	orch     *session.Orchestrator
	st       *store.Store
	logger   *obslog.Logger
	cfg      Config
}

// New constructs a Coordinator. outboundQ may be nil if no chat channel is
// configured — drain then becomes an immediate no-op.
func New(cancel context.CancelFunc, outboundQ *outbound.Queue, orch *session.Orchestrator, st *store.Store, logger *obslog.Logger, cfg Config) *Coordinator {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig().DrainTimeout
	}
	if cfg.HardDeadline <= 0 {
		cfg.HardDeadline = DefaultConfig().HardDeadline
	}
	return &Coordinator{
		cancel:   cancel,
		outbound: outboundQ,
		orch:     orch,
		st:       st,
		logger:   logger,
		cfg:      cfg,
	}
}

// WaitForSignal blocks until SIGINT or SIGTERM arrives (Ctrl+C maps to
// SIGINT on every platform Go supports, including Windows), then runs the
// shutdown sequence and returns. Intended to be the last call in main.
func (c *Coordinator) WaitForSignal() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	c.logger.Info("shutdown signal received")
	return c.Run()
}

// Run executes the teardown sequence against a hard deadline: cancel the
// root token, drain outbound chat, interrupt every Active/Paused session,
// close the store, return. Exported separately from WaitForSignal so tests
// (and any operator-triggered shutdown path) can invoke it without sending
// a real OS signal.
func (c *Coordinator) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HardDeadline)
	defer cancel()

	c.cancel()

	c.drainOutbound(ctx)

	if err := c.interruptActiveSessions(ctx); err != nil {
		c.logger.Warn("interrupting active sessions during shutdown failed", zap.Error(err))
	}

	if err := c.st.Close(); err != nil {
		c.logger.Warn("closing store during shutdown failed", zap.Error(err))
		return err
	}

	c.logger.Info("shutdown complete")
	return nil
}

// drainOutbound gives the outbound chat queue up to cfg.DrainTimeout to
// flush whatever was queued while the circuit breaker was open, polling
// rather than blocking so an already-empty queue (or one with no channel
// configured at all) returns immediately instead of sleeping the full
// timeout for nothing.
func (c *Coordinator) drainOutbound(ctx context.Context) {
	if c.outbound == nil {
		return
	}
	deadline := time.Now().Add(c.cfg.DrainTimeout)
	const pollInterval = 100 * time.Millisecond
	for {
		if c.outbound.PendingCount() == 0 {
			return
		}
		if time.Now().After(deadline) {
			c.logger.Warn("outbound chat queue did not fully drain before shutdown deadline",
				zap.Int("pending", c.outbound.PendingCount()))
			return
		}
		if err := c.outbound.ReplayPending(ctx, outbound.DefaultConfig()); err != nil {
			c.logger.Warn("outbound replay during drain failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

func (c *Coordinator) interruptActiveSessions(ctx context.Context) error {
	sessions, err := c.st.ListActiveSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.Status != store.SessionActive && sess.Status != store.SessionPaused {
			continue
		}
		if err := c.orch.MarkInterrupted(ctx, sess.ID); err != nil {
			return err
		}
	}
	return nil
}
