// Package retention is the periodic cascade-delete sweeper (spec §4.13): on
// a fixed interval it finds every terminated session older than the
// configured retention window and deletes it, letting the schema's ON
// DELETE CASCADE foreign keys (internal/store/schema.go) take care of every
// child record (stall alerts, checkpoints, prompts, approvals, steering) in
// the same statement. Task-inbox items are keyed by channel, not session,
// and are not deleted. The audit log (internal/audit) is a
// separate append-only store this package never touches.
package retention

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"

	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/store"
)

// purgeConcurrency bounds how many sessions are deleted concurrently within
// one sweep; a single errgroup keeps one slow/locked row from serializing an
// otherwise-parallel purge without letting one sweep open an unbounded
// number of transactions against the same database file.
const purgeConcurrency = 4

// auditor is the minimal subset of audit.Logger retention needs, declared
// locally the same way internal/session and internal/clearance do, so audit
// logging stays an optional setter-injected dependency rather than a
// required construction parameter.
type auditor interface {
	Record(actor, action, sessionID, requestID string, fields map[string]interface{})
}

// Config controls sweep timing and the retention window.
type Config struct {
	// Interval between sweeps. Defaults to one hour (spec §4.13) if zero.
	Interval time.Duration
	// RetentionDays is how long a terminated session's records survive
	// before becoming eligible for purge.
	RetentionDays int
}

// Sweeper runs the periodic purge loop.
type Sweeper struct {
	st     *store.Store
	cfg    Config
	logger *obslog.Logger
	audit  auditor

	stop chan struct{}
}

// New constructs a Sweeper. cfg.Interval defaults to one hour if zero.
func New(st *store.Store, cfg Config, logger *obslog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Sweeper{
		st:     st,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// SetAuditLogger attaches the audit sink (C15) after construction; nil (the
// zero value) leaves audit recording disabled, matching every existing test
// that constructs a Sweeper directly.
func (s *Sweeper) SetAuditLogger(a auditor) { s.audit = a }

// Run blocks, sweeping on cfg.Interval until ctx is cancelled or Close is
// called. Intended to be launched in its own goroutine, mirroring
// internal/stall.Detector.Run's loop shape.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-time.After(s.cfg.Interval):
			if err := s.Sweep(ctx); err != nil {
				s.logger.Warn("retention sweep failed", zap.Error(err))
			}
		}
	}
}

// Close stops a running Run loop. Safe to call multiple times.
func (s *Sweeper) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// Sweep runs one purge pass immediately, without waiting for the next
// scheduled tick. Exported so cold-start recovery or an operator-triggered
// sweep (neither currently wired) and tests can invoke it directly.
func (s *Sweeper) Sweep(ctx context.Context) error {
	threshold := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	candidates, err := s.st.ListTerminatedSessionsBefore(ctx, threshold)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(purgeConcurrency)
	for _, sess := range candidates {
		sess := sess
		g.Go(func() error {
			if err := s.st.DeleteSession(gctx, sess.ID); err != nil {
				return err
			}
			s.recordAudit("session_purged", sess.ID, map[string]interface{}{
				"terminated_at": sess.TerminatedAt,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("retention sweep purged sessions", zap.Int("count", len(candidates)))
	return nil
}

func (s *Sweeper) recordAudit(action, sessionID string, fields map[string]interface{}) {
	if s.audit == nil {
		return
	}
	s.audit.Record("system", action, sessionID, "", fields)
}
