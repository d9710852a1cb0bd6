// Package session is the per-agent lifecycle orchestrator (spec §4.8): it
// binds protocol initializations to a session (existing or new), enforces
// the concurrent-session cap, propagates pause/resume/terminate to the
// clearance engine and stall detector, and recovers interrupted sessions at
// cold start. Grounded on kdlbs-kandev's
// internal/orchestrator/controller.Controller composition-layer shape
// (a thin coordinator wrapping a lower-level service), adapted from task
// execution to session lifecycle.
package session

import (
	"context"
	"sync"

	"github.com/agent-intercom/agent-intercom/internal/clearance"
	"github.com/agent-intercom/agent-intercom/internal/driver"
	"github.com/agent-intercom/agent-intercom/internal/ierr"
	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/stall"
	"github.com/agent-intercom/agent-intercom/internal/store"
	"go.uber.org/zap"
)

// Config tunes the orchestrator.
type Config struct {
	MaxConcurrentSessions int
	Stall                 stall.Config
}

// auditor is the subset of audit.Logger the orchestrator needs, declared
// locally so audit logging stays an optional, setter-injected dependency
// (spec §4.14) rather than a required construction parameter every existing
// caller would need to thread through.
type auditor interface {
	Record(actor, action, sessionID, requestID string, fields map[string]interface{})
}

// Orchestrator owns every active session's lifecycle.
type Orchestrator struct {
	st       *store.Store
	engine   *clearance.Engine
	drv      driver.Driver
	logger   *obslog.Logger
	cfg      Config
	rootCtx  context.Context
	audit    auditor

	stallEvents chan stall.Event

	mu        sync.Mutex
	detectors map[string]*stall.Detector
}

// New constructs an Orchestrator. rootCtx is the shared cancellation token
// (spec §4.5's "cancellation via a shared cancel token cleanly stops every
// detector at shutdown"); every per-session stall detector derives its Run
// context from it.
func New(st *store.Store, engine *clearance.Engine, drv driver.Driver, logger *obslog.Logger, rootCtx context.Context, cfg Config) *Orchestrator {
	return &Orchestrator{
		st:          st,
		engine:      engine,
		drv:         drv,
		logger:      logger,
		cfg:         cfg,
		rootCtx:     rootCtx,
		stallEvents: make(chan stall.Event, 64),
		detectors:   make(map[string]*stall.Detector),
	}
}

// SetAuditLogger attaches the audit sink (C15) after construction; nil (the
// zero value) leaves audit recording disabled, which is the case in every
// existing test that constructs an Orchestrator directly.
func (o *Orchestrator) SetAuditLogger(a auditor) { o.audit = a }

func (o *Orchestrator) recordAudit(action, sessionID string, fields map[string]interface{}) {
	if o.audit == nil {
		return
	}
	o.audit.Record("system", action, sessionID, "", fields)
}

// StallEvents exposes the shared bounded channel every session's stall
// detector sends to; the caller (cmd/agent-intercom's wiring) runs a
// consumer loop over it to render chat alerts and record them in the store.
func (o *Orchestrator) StallEvents() <-chan stall.Event { return o.stallEvents }

// Bind resolves the session a protocol initialization should attach to:
// an explicit sessionIDOverride if it names an Active or Paused session
// owned by ownerID, else the most recently touched Active/Paused session
// for that owner, else a newly created one. Returns the session and whether
// it was newly created.
func (o *Orchestrator) Bind(ctx context.Context, ownerID, channelID, workspaceRoot string, mode store.ProtocolMode, sessionIDOverride string) (store.Session, bool, error) {
	if sessionIDOverride != "" {
		sess, ok, err := o.st.GetSession(ctx, sessionIDOverride)
		if err != nil {
			return store.Session{}, false, err
		}
		if ok && sess.OwnerID == ownerID && (sess.Status == store.SessionActive || sess.Status == store.SessionPaused) {
			return sess, false, nil
		}
	}

	existing, err := o.findBindableSession(ctx, ownerID)
	if err != nil {
		return store.Session{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}

	return o.create(ctx, ownerID, channelID, workspaceRoot, mode)
}

func (o *Orchestrator) findBindableSession(ctx context.Context, ownerID string) (*store.Session, error) {
	active, err := o.st.ListActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	var best *store.Session
	for i := range active {
		s := active[i]
		if s.OwnerID != ownerID {
			continue
		}
		if s.Status != store.SessionActive && s.Status != store.SessionPaused {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = &s
		}
	}
	return best, nil
}

func (o *Orchestrator) create(ctx context.Context, ownerID, channelID, workspaceRoot string, mode store.ProtocolMode) (store.Session, bool, error) {
	active, err := o.st.ListActiveSessions(ctx)
	if err != nil {
		return store.Session{}, false, err
	}
	count := 0
	for _, s := range active {
		if s.Status == store.SessionActive {
			count++
		}
	}
	if o.cfg.MaxConcurrentSessions > 0 && count >= o.cfg.MaxConcurrentSessions {
		return store.Session{}, false, ierr.New(ierr.Unavailable, "concurrent session cap reached")
	}

	sess := store.Session{
		OwnerID:         ownerID,
		ProtocolMode:    mode,
		WorkspaceRoot:   workspaceRoot,
		ChannelID:       channelID,
		OperationalMode: store.OpRemote,
	}
	if err := o.st.CreateSession(ctx, &sess); err != nil {
		return store.Session{}, false, err
	}
	if err := o.st.UpdateStatus(ctx, sess.ID, store.SessionActive); err != nil {
		return store.Session{}, false, err
	}
	sess.Status = store.SessionActive

	o.startDetector(sess.ID)
	o.recordAudit("session_created", sess.ID, map[string]interface{}{
		"owner_id": ownerID, "protocol_mode": mode, "workspace_root": workspaceRoot,
	})
	return sess, true, nil
}

func (o *Orchestrator) startDetector(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.detectors[sessionID]; exists {
		return
	}
	d := stall.New(sessionID, o.cfg.Stall, o.stallEvents, o.logger)
	o.detectors[sessionID] = d
	go d.Run(o.rootCtx)
}

// NotifyActivity resets the session's stall detector; called by the driver
// layer on every observed tool call.
func (o *Orchestrator) NotifyActivity(sessionID string) {
	o.mu.Lock()
	d := o.detectors[sessionID]
	o.mu.Unlock()
	if d != nil {
		d.Reset()
	}
}

// Pause transitions a session to Paused and pauses its stall detector.
func (o *Orchestrator) Pause(ctx context.Context, sessionID string) error {
	if err := o.st.UpdateStatus(ctx, sessionID, store.SessionPaused); err != nil {
		return err
	}
	if err := o.st.SetStallPaused(ctx, sessionID, true); err != nil {
		return err
	}
	o.mu.Lock()
	d := o.detectors[sessionID]
	o.mu.Unlock()
	if d != nil {
		d.Pause()
	}
	o.recordAudit("session_paused", sessionID, nil)
	return nil
}

// Resume transitions a session back to Active and resumes its detector.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) error {
	if err := o.st.UpdateStatus(ctx, sessionID, store.SessionActive); err != nil {
		return err
	}
	if err := o.st.SetStallPaused(ctx, sessionID, false); err != nil {
		return err
	}
	o.mu.Lock()
	d := o.detectors[sessionID]
	o.mu.Unlock()
	if d != nil {
		d.Resume()
	}
	o.recordAudit("session_resumed", sessionID, nil)
	return nil
}

// Terminate marks a session Terminated, releases every pending clearance and
// prompt rendezvous for it with an Interrupted outcome (pending command
// approvals run until decided or timed out), stops its detector, and closes
// its driver binding.
func (o *Orchestrator) Terminate(ctx context.Context, sessionID string) error {
	if err := o.engine.InterruptSession(ctx, sessionID); err != nil {
		o.logger.Warn("interrupt session pending records failed during terminate",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := o.st.UpdateStatus(ctx, sessionID, store.SessionTerminated); err != nil {
		return err
	}

	o.mu.Lock()
	d := o.detectors[sessionID]
	delete(o.detectors, sessionID)
	o.mu.Unlock()
	if d != nil {
		d.Close()
	}

	if err := o.drv.Close(sessionID); err != nil {
		o.logger.Warn("driver close failed during terminate",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	o.recordAudit("session_terminated", sessionID, nil)
	return nil
}

// MarkInterrupted transitions a single session to Interrupted following an
// unexpected agent process exit under the stream transport (C13): unlike
// Terminate, the driver binding is already gone (the process exited on its
// own) so there is nothing left to close, only pending rendezvous records to
// release and the detector to stop.
func (o *Orchestrator) MarkInterrupted(ctx context.Context, sessionID string) error {
	if err := o.engine.InterruptSession(ctx, sessionID); err != nil {
		o.logger.Warn("interrupt session pending records failed during unexpected exit",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := o.st.UpdateStatus(ctx, sessionID, store.SessionInterrupted); err != nil {
		return err
	}

	o.mu.Lock()
	d := o.detectors[sessionID]
	delete(o.detectors, sessionID)
	o.mu.Unlock()
	if d != nil {
		d.Close()
	}
	o.recordAudit("session_interrupted", sessionID, nil)
	return nil
}

// ColdStartRecover transitions every session last seen Active or Paused to
// Interrupted, run once at startup before accepting new connections (spec
// §4.8's "surface all sessions last seen Active or Paused").
func (o *Orchestrator) ColdStartRecover(ctx context.Context) error {
	active, err := o.st.ListActiveSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range active {
		if sess.Status != store.SessionActive && sess.Status != store.SessionPaused {
			continue
		}
		if err := o.st.UpdateStatus(ctx, sess.ID, store.SessionInterrupted); err != nil {
			return err
		}
	}
	return nil
}

// ActiveSessionForChannel implements queue.SessionLookup: the most recently
// touched Active session bound to channelID (or, if channelID is empty,
// across all channels).
func (o *Orchestrator) ActiveSessionForChannel(ctx context.Context, channelID string) (string, bool) {
	var sessions []store.Session
	var err error
	if channelID != "" {
		sessions, err = o.st.ListSessionsByChannel(ctx, channelID)
	} else {
		sessions, err = o.st.ListActiveSessions(ctx)
	}
	if err != nil {
		return "", false
	}
	var best *store.Session
	for i := range sessions {
		s := sessions[i]
		if s.Status != store.SessionActive {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = &s
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

// InterruptedSessionForOwner returns the most recently touched Interrupted
// session owned by ownerID, if any, along with its latest checkpoint (if
// one was ever captured). The req/resp transport (C12) surfaces this as a
// "reboot" recovery offer on the next initialization from that owner, per
// spec §4.8.
func (o *Orchestrator) InterruptedSessionForOwner(ctx context.Context, ownerID string) (store.Session, *store.Checkpoint, bool, error) {
	active, err := o.st.ListActiveSessions(ctx)
	if err != nil {
		return store.Session{}, nil, false, err
	}
	var best *store.Session
	for i := range active {
		s := active[i]
		if s.OwnerID != ownerID || s.Status != store.SessionInterrupted {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = &s
		}
	}
	if best == nil {
		return store.Session{}, nil, false, nil
	}

	cp, ok, err := o.st.LatestCheckpoint(ctx, best.ID)
	if err != nil {
		return store.Session{}, nil, false, err
	}
	if !ok {
		return *best, nil, true, nil
	}
	return *best, &cp, true, nil
}

// Checkpoint captures a restorable snapshot of a session's current progress
// and file-hash manifest (spec §3 Checkpoint, §4.8). fileHashesJSON is a
// caller-supplied pre-serialized JSON text, matching store's "JSON fields
// are stored as text" rule; stateJSON carries whatever opaque agent-specific
// state the driver wants restorable.
func (o *Orchestrator) Checkpoint(ctx context.Context, sessionID, label, stateJSON, fileHashesJSON string) (store.Checkpoint, error) {
	sess, ok, err := o.st.GetSession(ctx, sessionID)
	if err != nil {
		return store.Checkpoint{}, err
	}
	if !ok {
		return store.Checkpoint{}, ierr.New(ierr.Db, "session not found: "+sessionID)
	}

	cp := store.Checkpoint{
		SessionID:      sessionID,
		Label:          label,
		StateJSON:      stateJSON,
		FileHashesJSON: fileHashesJSON,
		WorkspaceRoot:  sess.WorkspaceRoot,
		ProgressJSON:   sess.ProgressJSON,
	}
	if err := o.st.CreateCheckpoint(ctx, &cp); err != nil {
		return store.Checkpoint{}, err
	}
	return cp, nil
}

// Restore re-applies a checkpoint's progress snapshot to its session,
// offered to the owning operator on the next initialization after a cold-
// start Interrupted transition (spec §4.8's "reboot" recovery). checkpointID
// empty means "the most recent checkpoint for this session".
func (o *Orchestrator) Restore(ctx context.Context, sessionID, checkpointID string) (store.Checkpoint, error) {
	var cp store.Checkpoint
	var ok bool
	var err error
	if checkpointID == "" {
		cp, ok, err = o.st.LatestCheckpoint(ctx, sessionID)
	} else {
		cp, ok, err = o.st.GetCheckpoint(ctx, checkpointID)
	}
	if err != nil {
		return store.Checkpoint{}, err
	}
	if !ok {
		return store.Checkpoint{}, ierr.New(ierr.Db, "no checkpoint to restore for session: "+sessionID)
	}
	if cp.SessionID != sessionID {
		return store.Checkpoint{}, ierr.New(ierr.Protocol, "checkpoint does not belong to session: "+sessionID)
	}

	if err := o.st.UpdateProgress(ctx, sessionID, "", cp.ProgressJSON); err != nil {
		return store.Checkpoint{}, err
	}
	return cp, nil
}
