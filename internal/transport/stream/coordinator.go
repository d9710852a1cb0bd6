// Package stream is the child-process supervisory transport (C13, spec
// §4.12): agent-intercom launches the supervised agent as a subprocess and
// exchanges newline-delimited JSON over its stdio via
// internal/driver.StreamDriver. This package is the layer above the raw
// framing — it owns spawning (env wiring), the per-session event consumer
// that turns wire.Event into clearance/session-orchestrator calls, and the
// exit monitor that marks a session Interrupted if the process dies
// unexpectedly. Grounded on kdlbs-kandev's agentctl process supervisor
// (internal/agentctl/server/process), adapted from Docker container
// lifecycle management to a direct os/exec child process.
package stream

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agent-intercom/agent-intercom/internal/clearance"
	"github.com/agent-intercom/agent-intercom/internal/driver"
	"github.com/agent-intercom/agent-intercom/internal/ierr"
	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/session"
	"github.com/agent-intercom/agent-intercom/internal/store"
	"github.com/agent-intercom/agent-intercom/internal/wire"
)

// Config tunes how a supervised agent process is launched.
type Config struct {
	HostCLI     string
	HostCLIArgs []string
}

// Coordinator owns every stream-mode session's subprocess lifecycle.
type Coordinator struct {
	cfg    Config
	drv    *driver.StreamDriver
	orch   *session.Orchestrator
	engine *clearance.Engine
	st     *store.Store
	logger *obslog.Logger
}

// New constructs a Coordinator.
func New(cfg Config, drv *driver.StreamDriver, orch *session.Orchestrator, engine *clearance.Engine, st *store.Store, logger *obslog.Logger) *Coordinator {
	return &Coordinator{cfg: cfg, drv: drv, orch: orch, engine: engine, st: st, logger: logger}
}

// serverEndpointEnv, sessionIDEnv, and workspaceRootEnv are the environment
// variable names a supervised agent reads to discover how to reach
// agent-intercom out of band (e.g. to fetch a policy file or report
// diagnostics); the wire protocol itself only needs the process's own
// stdio, but a well-behaved agent binary wants to know its own identity.
const (
	sessionIDEnv      = "AGENT_INTERCOM_SESSION_ID"
	workspaceRootEnv  = "AGENT_INTERCOM_WORKSPACE_ROOT"
	serverEndpointEnv = "AGENT_INTERCOM_SERVER_ENDPOINT"
)

// Launch binds ownerID/channelID/workspaceRoot to a session (reusing an
// existing Active/Paused one the way Bind always does), spawns the agent
// subprocess for it, and starts the background consumer + exit-monitor
// goroutines. serverEndpoint is informational only (e.g. "http://localhost:8787")
// and is not dialed by agent-intercom itself.
func (c *Coordinator) Launch(ctx context.Context, ownerID, channelID, workspaceRoot, serverEndpoint, sessionIDOverride string) (store.Session, error) {
	sess, created, err := c.orch.Bind(ctx, ownerID, channelID, workspaceRoot, store.ModeStream, sessionIDOverride)
	if err != nil {
		return store.Session{}, err
	}

	env := []string{
		sessionIDEnv + "=" + sess.ID,
		workspaceRootEnv + "=" + workspaceRoot,
		serverEndpointEnv + "=" + serverEndpoint,
	}
	if err := c.drv.BindProcess(ctx, sess.ID, c.cfg.HostCLI, c.cfg.HostCLIArgs, workspaceRoot, env); err != nil {
		return store.Session{}, err
	}

	events, err := c.drv.Events(sess.ID)
	if err != nil {
		return store.Session{}, err
	}
	exited, err := c.drv.Exited(sess.ID)
	if err != nil {
		return store.Session{}, err
	}

	go c.consume(sess.ID, events)
	go c.monitorExit(sess.ID, exited)

	if created {
		c.logger.Info("spawned agent process for new session",
			zap.String("session_id", sess.ID), zap.String("workspace_root", workspaceRoot))
	} else {
		c.logger.Info("spawned agent process for reattached session", zap.String("session_id", sess.ID))
	}
	return sess, nil
}

// consume drains sessionID's event channel until it closes (on Close) and
// dispatches each wire.Event by type.
func (c *Coordinator) consume(sessionID string, events <-chan *wire.Event) {
	for ev := range events {
		c.handleEvent(sessionID, ev)
	}
}

func (c *Coordinator) handleEvent(sessionID string, ev *wire.Event) {
	ctx := context.Background()

	switch ev.Type {
	case wire.EventHeartbeat, wire.EventStatus:
		c.orch.NotifyActivity(sessionID)
		var payload statusPayload
		if decodeInto(ev.Data, &payload) == nil && (payload.LastTool != "" || payload.ProgressJSON != "") {
			if err := c.st.UpdateProgress(ctx, sessionID, payload.LastTool, payload.ProgressJSON); err != nil {
				c.logger.Warn("persist progress from stream status event failed",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}

	case wire.EventClearanceReq:
		go c.resolveClearance(ctx, sessionID, ev)

	case wire.EventPromptReq:
		go c.resolvePrompt(ctx, sessionID, ev)

	case wire.EventCommandReq:
		go c.resolveCommandApproval(ctx, sessionID, ev)

	case wire.EventApplyReq:
		go c.resolveApply(ctx, sessionID, ev)

	case wire.EventResult, wire.EventError:
		c.logger.Info("agent process reported terminal event",
			zap.String("session_id", sessionID), zap.String("type", string(ev.Type)))

	case wire.EventLog:
		// Informational only; nothing to persist or act on.

	default:
		c.logger.Debug("unrecognized stream event type",
			zap.String("session_id", sessionID), zap.String("type", string(ev.Type)))
	}
}

// monitorExit marks sessionID Interrupted if the agent process exits while
// its session is still Active/Paused (spec §4.12's "an agent process dying
// outside of an operator-issued stop is treated the same as a crash").
func (c *Coordinator) monitorExit(sessionID string, exited <-chan struct{}) {
	<-exited
	ctx := context.Background()

	sess, ok, err := c.st.GetSession(ctx, sessionID)
	if err != nil || !ok {
		return
	}
	if sess.Status != store.SessionActive && sess.Status != store.SessionPaused {
		return
	}

	if exitErr := c.drv.ExitErr(sessionID); exitErr != nil {
		c.logger.Warn("agent process exited unexpectedly",
			zap.String("session_id", sessionID), zap.Error(exitErr))
	} else {
		c.logger.Info("agent process exited", zap.String("session_id", sessionID))
	}

	if err := c.orch.MarkInterrupted(ctx, sessionID); err != nil {
		c.logger.Warn("mark session interrupted after process exit failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func decodeInto(data map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return ierr.Wrap(ierr.Protocol, "marshal event data", err)
	}
	return json.Unmarshal(raw, out)
}
