// Package clearance is the standby engine (spec §4.9): it turns a proposed
// file change, a non-file continuation decision, or a terminal command into
// a blocking record, posts it to chat, and resumes the caller with whatever
// decision arrives first — an operator reply, a timeout, or the engine being
// torn down underneath it. Grounded on kdlbs-kandev's
// internal/clarification package, generalized from one request kind to
// three sharing the same rendezvous/policy plumbing.
package clearance

import (
	"context"
	"time"

	"github.com/agent-intercom/agent-intercom/internal/policy"
	"github.com/agent-intercom/agent-intercom/internal/rendezvous"
	"github.com/agent-intercom/agent-intercom/internal/store"
)

// Outcome is the result a caller of RequestClearance, RequestPrompt or
// RequestCommandApproval blocks for.
type Outcome struct {
	Status    store.ClearanceStatus
	RequestID string                 // id of the created record, so a later apply call has something to reference
	Decision  *store.PromptDecision  // only set for prompts
}

var interruptedOutcome = Outcome{Status: store.ClearanceInterrupted}

// Notifier is the subset of the chat dispatch component (C6) the engine
// needs: post a new blocking record and get back a chat handle to store.
type Notifier interface {
	PostClearance(ctx context.Context, cr store.ClearanceRequest) (chatHandle string, err error)
	PostPrompt(ctx context.Context, p store.ContinuationPrompt) (chatHandle string, err error)
	PostCommandApproval(ctx context.Context, sessionID, command string, riskLevel store.RiskLevel) (chatHandle string, err error)
}

// auditor is the subset of audit.Logger the engine needs, declared locally
// so audit logging stays an optional, setter-injected dependency (spec
// §4.14) rather than a required construction parameter.
type auditor interface {
	Record(actor, action, sessionID, requestID string, fields map[string]interface{})
}

// Engine coordinates the store, the rendezvous tables, and chat notification
// for all three blocking-record kinds.
type Engine struct {
	st       *store.Store
	notifier Notifier
	cache    *policy.Cache
	audit    auditor

	clearances *rendezvous.Table[Outcome]
	prompts    *rendezvous.Table[Outcome]
	commands   *rendezvous.Table[Outcome]

	approvalTimeout time.Duration
	promptTimeout   time.Duration
}

// Config bundles Engine construction parameters.
type Config struct {
	ApprovalTimeout time.Duration
	PromptTimeout   time.Duration
}

// New constructs an Engine. cache may be nil if no workspace policy file is
// configured, in which case RiskForPath always returns store.RiskHigh (the
// conservative default).
func New(st *store.Store, notifier Notifier, cache *policy.Cache, cfg Config) *Engine {
	return &Engine{
		st:              st,
		notifier:        notifier,
		cache:           cache,
		clearances:      rendezvous.NewTable[Outcome](),
		prompts:         rendezvous.NewTable[Outcome](),
		commands:        rendezvous.NewTable[Outcome](),
		approvalTimeout: cfg.ApprovalTimeout,
		promptTimeout:   cfg.PromptTimeout,
	}
}

// SetAuditLogger attaches the audit sink (C15) after construction; nil (the
// zero value) leaves audit recording disabled, which is the case in every
// existing test that constructs an Engine directly.
func (e *Engine) SetAuditLogger(a auditor) { e.audit = a }

func (e *Engine) recordAudit(action, sessionID, requestID string, fields map[string]interface{}) {
	if e.audit == nil {
		return
	}
	e.audit.Record("operator", action, sessionID, requestID, fields)
}

// RiskForPath classifies relPath against policyPath's currently active rule
// set, defaulting to High when no policy is registered for that path.
func (e *Engine) RiskForPath(policyPath, relPath string) store.RiskLevel {
	if e.cache == nil {
		return store.RiskHigh
	}
	rs := e.cache.Get(policyPath)
	if rs == nil {
		return store.RiskHigh
	}
	return rs.ClassifyPath(relPath)
}

// policyForWorkspace returns the active RuleSet for sessionID's workspace, or
// nil if no cache is configured, the session can't be found, or no RuleSet
// is registered for that workspace — any of which means "never auto-approve".
func (e *Engine) policyForWorkspace(ctx context.Context, sessionID string) *policy.RuleSet {
	if e.cache == nil {
		return nil
	}
	sess, ok, err := e.st.GetSession(ctx, sessionID)
	if err != nil || !ok {
		return nil
	}
	return e.cache.Get(sess.WorkspaceRoot)
}

// RequestClearance creates a clearance request, posts it to chat, and blocks
// until it is resolved, ctx is cancelled, or the configured approval timeout
// (applied here on top of ctx) elapses; on cancellation or timeout the
// record is marked Expired. tool names the agent-side operation proposing the
// change (e.g. "write_file"); it is consulted against the workspace policy's
// tool-bypass set before anything is posted to chat (spec §4.7 step 2, P5).
func (e *Engine) RequestClearance(ctx context.Context, cr store.ClearanceRequest, tool string) (Outcome, error) {
	if rs := e.policyForWorkspace(ctx, cr.SessionID); rs.Evaluate(policy.EvalInput{
		Tool:      tool,
		FilePath:  cr.FilePath,
		Intent:    "write",
		RiskLevel: cr.RiskLevel,
	}) {
		cr.Status = store.ClearanceApproved
		if err := e.st.CreateClearanceRequest(ctx, &cr); err != nil {
			return Outcome{}, err
		}
		e.recordAudit("clearance_auto_approved", cr.SessionID, cr.ID, map[string]interface{}{"tool": tool})
		return Outcome{Status: store.ClearanceApproved, RequestID: cr.ID}, nil
	}

	if err := e.st.CreateClearanceRequest(ctx, &cr); err != nil {
		return Outcome{}, err
	}
	e.clearances.Register(cr.ID)

	handle, err := e.notifier.PostClearance(ctx, cr)
	if err != nil {
		e.clearances.Cancel(cr.ID, interruptedOutcome)
		return Outcome{}, err
	}
	if err := e.st.SetChatHandle(ctx, cr.ID, handle); err != nil {
		return Outcome{}, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, e.approvalTimeout)
	defer cancel()

	outcome, err := e.clearances.Wait(timeoutCtx, cr.ID)
	if err != nil {
		if _, expireErr := e.st.ExpireClearance(ctx, cr.ID); expireErr != nil {
			return Outcome{}, expireErr
		}
		return Outcome{Status: store.ClearanceExpired, RequestID: cr.ID}, nil
	}
	outcome.RequestID = cr.ID
	return outcome, nil
}

// RegisterPendingClearance re-registers a clearance request's rendezvous
// entry without creating a new store row or posting to chat, used at
// restart recovery (spec §4.17) when a Pending clearance survives the
// process crash but no goroutine is blocked in Wait for it yet.
func (e *Engine) RegisterPendingClearance(id string) { e.clearances.Register(id) }

// RegisterPendingPrompt mirrors RegisterPendingClearance for prompts.
func (e *Engine) RegisterPendingPrompt(id string) { e.prompts.Register(id) }

// DecideClearance is called by the dispatcher (C6) when an operator replies
// to a posted clearance. It returns false if the clearance was already
// resolved (expired, already decided, or the engine has moved on).
func (e *Engine) DecideClearance(ctx context.Context, id string, approve bool) (bool, error) {
	status := store.ClearanceRejected
	if approve {
		status = store.ClearanceApproved
	}
	won, err := e.st.ResolveClearance(ctx, id, status)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	e.clearances.Submit(id, Outcome{Status: status})
	sessionID := ""
	if cr, ok, _ := e.st.GetClearanceRequest(ctx, id); ok {
		sessionID = cr.SessionID
	}
	e.recordAudit("clearance_decided", sessionID, id, map[string]interface{}{"status": status})
	return true, nil
}

// RequestPrompt mirrors RequestClearance for non-file continuation prompts.
func (e *Engine) RequestPrompt(ctx context.Context, p store.ContinuationPrompt) (Outcome, error) {
	if err := e.st.CreateContinuationPrompt(ctx, &p); err != nil {
		return Outcome{}, err
	}
	e.prompts.Register(p.ID)

	handle, err := e.notifier.PostPrompt(ctx, p)
	if err != nil {
		e.prompts.Cancel(p.ID, interruptedOutcome)
		return Outcome{}, err
	}
	if err := e.st.SetPromptChatHandle(ctx, p.ID, handle); err != nil {
		return Outcome{}, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, e.promptTimeout)
	defer cancel()

	outcome, err := e.prompts.Wait(timeoutCtx, p.ID)
	if err != nil {
		if _, expireErr := e.st.ExpirePrompt(ctx, p.ID); expireErr != nil {
			return Outcome{}, expireErr
		}
		return Outcome{Status: store.ClearanceExpired, RequestID: p.ID}, nil
	}
	outcome.RequestID = p.ID
	return outcome, nil
}

// DecidePrompt resolves a pending prompt with an operator's decision and
// optional free-text instruction (used for "Refine").
func (e *Engine) DecidePrompt(ctx context.Context, id string, decision store.PromptDecision, instruction *string) (bool, error) {
	won, err := e.st.ResolvePrompt(ctx, id, decision, instruction)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	d := decision
	e.prompts.Submit(id, Outcome{Status: store.ClearanceConsumed, Decision: &d})
	sessionID := ""
	if p, ok, _ := e.st.GetContinuationPrompt(ctx, id); ok {
		sessionID = p.SessionID
	}
	e.recordAudit("prompt_decided", sessionID, id, map[string]interface{}{"decision": decision})
	return true, nil
}

// RequestCommandApproval is the third blocking-record kind added in
// SPEC_FULL.md §D: a terminal command not covered by the workspace policy's
// pre-approved list blocks the same way a file clearance does, with its own
// rendezvous table keyed by the caller-assigned requestID and the same
// approval timeout, since both are "may this action proceed" questions with
// the same shape. No store row is written for a command approval.
func (e *Engine) RequestCommandApproval(ctx context.Context, sessionID, requestID, command string, riskLevel store.RiskLevel) (Outcome, error) {
	if rs := e.policyForWorkspace(ctx, sessionID); rs.Evaluate(policy.EvalInput{
		Command:   command,
		RiskLevel: riskLevel,
	}) {
		e.recordAudit("command_approval_auto_approved", sessionID, requestID, map[string]interface{}{"command": command})
		return Outcome{Status: store.ClearanceApproved, RequestID: requestID}, nil
	}

	e.commands.Register(requestID)

	handle, err := e.notifier.PostCommandApproval(ctx, sessionID, command, riskLevel)
	if err != nil {
		e.commands.Cancel(requestID, interruptedOutcome)
		return Outcome{}, err
	}
	_ = handle

	timeoutCtx, cancel := context.WithTimeout(ctx, e.approvalTimeout)
	defer cancel()

	outcome, err := e.commands.Wait(timeoutCtx, requestID)
	if err != nil {
		return Outcome{Status: store.ClearanceExpired, RequestID: requestID}, nil
	}
	outcome.RequestID = requestID
	return outcome, nil
}

// DecideCommandApproval resolves a pending command-approval request.
func (e *Engine) DecideCommandApproval(requestID string, approve bool) bool {
	status := store.ClearanceRejected
	if approve {
		status = store.ClearanceApproved
	}
	submitted := e.commands.Submit(requestID, Outcome{Status: status})
	if submitted {
		e.recordAudit("command_approval_decided", "", requestID, map[string]interface{}{"status": status})
	}
	return submitted
}

// RecordForcedApply writes an audit entry noting that a clearance request's
// pre-image hash mismatch was overridden with force: true (spec §8 scenario
// 2, SPEC_FULL.md §E.3).
func (e *Engine) RecordForcedApply(sessionID, requestID string) {
	e.recordAudit("clearance_force_applied", sessionID, requestID, nil)
}

// InterruptSession cancels every pending clearance and prompt for a session
// with an Interrupted outcome, called during session teardown (spec §4.9,
// §4.17). Pending command approvals are not cancelled here: they have no
// store row to find them by session, so they stay open until decided or
// until the approval timeout elapses.
func (e *Engine) InterruptSession(ctx context.Context, sessionID string) error {
	pendingClearances, err := e.st.ListPendingClearances(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, cr := range pendingClearances {
		e.clearances.Cancel(cr.ID, interruptedOutcome)
	}

	pendingPrompts, err := e.st.ListPendingPrompts(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, p := range pendingPrompts {
		e.prompts.Cancel(p.ID, interruptedOutcome)
	}

	return e.st.InterruptPending(ctx, sessionID)
}
