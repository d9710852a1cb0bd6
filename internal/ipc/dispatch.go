package ipc

import (
	"context"
	"fmt"

	"github.com/agent-intercom/agent-intercom/internal/clearance"
	"github.com/agent-intercom/agent-intercom/internal/ierr"
	"github.com/agent-intercom/agent-intercom/internal/queue"
	"github.com/agent-intercom/agent-intercom/internal/session"
	"github.com/agent-intercom/agent-intercom/internal/store"
)

// Dispatcher executes one decoded Request against the live session,
// clearance, and queue state. It is the same set of operations the Slack
// chat dispatcher (C6) drives, reached through a different front door.
type Dispatcher struct {
	st     *store.Store
	engine *clearance.Engine
	orch   *session.Orchestrator
	queue  *queue.Queue
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(st *store.Store, engine *clearance.Engine, orch *session.Orchestrator, q *queue.Queue) *Dispatcher {
	return &Dispatcher{st: st, engine: engine, orch: orch, queue: q}
}

// Dispatch executes req and returns the Response to send back.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	switch req.Command {
	case CommandList:
		return d.list(ctx)
	case CommandApprove:
		return d.decide(ctx, req.ID, true, "")
	case CommandReject:
		return d.decide(ctx, req.ID, false, req.Reason)
	case CommandResume:
		return d.resume(ctx, req.SessionID, req.Instruction)
	case CommandMode:
		return d.mode(ctx, req.Value)
	case CommandSteer:
		return d.steer(ctx, req.SessionID, req.Text)
	case CommandTask:
		return d.task(ctx, req.Channel, req.Text)
	default:
		return errResponse(ierr.New(ierr.Protocol, "unrecognized command: "+req.Command))
	}
}

func errResponse(err error) Response      { return Response{OK: false, Error: err.Error()} }
func okResponse(data interface{}) Response { return Response{OK: true, Data: data} }

type sessionSummary struct {
	store.Session
	PendingClearances []store.ClearanceRequest   `json:"pending_clearances,omitempty"`
	PendingPrompts    []store.ContinuationPrompt `json:"pending_prompts,omitempty"`
}

func (d *Dispatcher) list(ctx context.Context) Response {
	sessions, err := d.st.ListActiveSessions(ctx)
	if err != nil {
		return errResponse(err)
	}

	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		clrs, err := d.st.ListPendingClearances(ctx, sess.ID)
		if err != nil {
			return errResponse(err)
		}
		prompts, err := d.st.ListPendingPrompts(ctx, sess.ID)
		if err != nil {
			return errResponse(err)
		}
		out = append(out, sessionSummary{Session: sess, PendingClearances: clrs, PendingPrompts: prompts})
	}
	return okResponse(out)
}

// decide resolves id against whichever blocking-record table it belongs to:
// a clearance request, a continuation prompt, or — having no store row of
// its own — a pending command approval, tried in that order since
// approve/reject {id} doesn't say which kind of request id names.
func (d *Dispatcher) decide(ctx context.Context, id string, approve bool, reason string) Response {
	if id == "" {
		return errResponse(ierr.New(ierr.Protocol, "id is required"))
	}

	if _, ok, err := d.st.GetClearanceRequest(ctx, id); err != nil {
		return errResponse(err)
	} else if ok {
		applied, err := d.engine.DecideClearance(ctx, id, approve)
		if err != nil {
			return errResponse(err)
		}
		if !applied {
			return errResponse(ierr.New(ierr.Protocol, "clearance request already resolved: "+id))
		}
		return okResponse(map[string]string{"resolved": "clearance"})
	}

	if _, ok, err := d.st.GetContinuationPrompt(ctx, id); err != nil {
		return errResponse(err)
	} else if ok {
		decision := store.DecisionContinue
		if !approve {
			decision = store.DecisionStop
		}
		var instruction *string
		if reason != "" {
			instruction = &reason
		}
		applied, err := d.engine.DecidePrompt(ctx, id, decision, instruction)
		if err != nil {
			return errResponse(err)
		}
		if !applied {
			return errResponse(ierr.New(ierr.Protocol, "continuation prompt already resolved: "+id))
		}
		return okResponse(map[string]string{"resolved": "prompt"})
	}

	if d.engine.DecideCommandApproval(id, approve) {
		return okResponse(map[string]string{"resolved": "command_approval"})
	}
	return errResponse(ierr.New(ierr.Protocol, "no pending request with id: "+id))
}

func (d *Dispatcher) resume(ctx context.Context, sessionID, instruction string) Response {
	if sessionID == "" {
		return errResponse(ierr.New(ierr.Protocol, "session_id is required"))
	}
	if err := d.orch.Resume(ctx, sessionID); err != nil {
		return errResponse(err)
	}
	if instruction != "" {
		if err := d.queue.EnqueueSteering(ctx, sessionID, "", instruction, store.SourceIPC); err != nil {
			return errResponse(err)
		}
	}
	return okResponse(map[string]string{"session_id": sessionID, "status": "resumed"})
}

// mode sets the operational mode of the single active session. With zero or
// more than one active session there is no unambiguous target, so the
// command is rejected rather than guessed at.
func (d *Dispatcher) mode(ctx context.Context, value string) Response {
	m := store.OperationalMode(value)
	switch m {
	case store.OpRemote, store.OpLocal, store.OpHybrid:
	default:
		return errResponse(ierr.New(ierr.Protocol, "mode must be one of Remote, Local, Hybrid"))
	}

	sessions, err := d.st.ListActiveSessions(ctx)
	if err != nil {
		return errResponse(err)
	}
	if len(sessions) == 0 {
		return errResponse(ierr.New(ierr.Protocol, "no active session to set mode on"))
	}
	if len(sessions) > 1 {
		return errResponse(ierr.New(ierr.Protocol, fmt.Sprintf("%d active sessions, ambiguous mode target", len(sessions))))
	}

	if err := d.st.SetOperationalMode(ctx, sessions[0].ID, m); err != nil {
		return errResponse(err)
	}
	return okResponse(map[string]string{"session_id": sessions[0].ID, "mode": value})
}

func (d *Dispatcher) steer(ctx context.Context, sessionID, text string) Response {
	if err := d.queue.EnqueueSteering(ctx, sessionID, "", text, store.SourceIPC); err != nil {
		return errResponse(err)
	}
	return okResponse(map[string]string{"status": "queued"})
}

func (d *Dispatcher) task(ctx context.Context, channel, text string) Response {
	if err := d.queue.EnqueueTask(ctx, channel, text, store.SourceIPC); err != nil {
		return errResponse(err)
	}
	return okResponse(map[string]string{"status": "queued"})
}
