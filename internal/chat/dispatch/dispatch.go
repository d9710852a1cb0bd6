// Package dispatch is the interaction dispatcher (spec §4.6): it receives
// inbound chat events (button clicks, slash commands, free-text replies),
// checks the sender against the configured authorized member list, and
// guards against double submission: only the first decision on a record wins
// in the engine and edits the originating message to its result, while a
// second click racing the first loses in the engine and changes nothing.
// Grounded on kdlbs-kandev's
// internal/clarification/handlers.go message-status-update idiom, adapted
// from a DB-message update to a Slack message edit.
package dispatch

import (
	"context"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/agent-intercom/agent-intercom/internal/chat/aliases"
	"github.com/agent-intercom/agent-intercom/internal/clearance"
	"github.com/agent-intercom/agent-intercom/internal/ierr"
	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/queue"
	"github.com/agent-intercom/agent-intercom/internal/store"
	"go.uber.org/zap"
)

// decisionAction identifies which button or slash command fired.
type decisionAction string

const (
	actionApprove decisionAction = "approve"
	actionReject  decisionAction = "reject"
	actionForce   decisionAction = "force_apply"
	actionStop    decisionAction = "stop"
	actionRefine  decisionAction = "refine"
	actionContinue decisionAction = "continue"
)

// Editor is the subset of the Slack client the dispatcher needs to edit a
// message in place once a decision is accepted.
type Editor interface {
	UpdateMessage(channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
}

// Dispatcher wires inbound chat interactions to the clearance engine and the
// steering/inbox queue.
type Dispatcher struct {
	engine       *clearance.Engine
	queue        *queue.Queue
	editor       Editor
	authorized   map[string]struct{}
	logger       *obslog.Logger
	aliasMatcher *aliases.Matcher
}

// New constructs a Dispatcher. authorizedUserIDs is the Slack member ID
// allow-list from config; an empty list means every member of the
// configured channel is authorized (spec §4.6's default-permissive mode for
// single-operator deployments).
func New(engine *clearance.Engine, q *queue.Queue, editor Editor, authorizedUserIDs []string, aliasMatcher *aliases.Matcher, logger *obslog.Logger) *Dispatcher {
	authorized := make(map[string]struct{}, len(authorizedUserIDs))
	for _, id := range authorizedUserIDs {
		authorized[id] = struct{}{}
	}
	return &Dispatcher{
		engine:       engine,
		queue:        q,
		editor:       editor,
		authorized:   authorized,
		logger:       logger,
		aliasMatcher: aliasMatcher,
	}
}

// IsAuthorized reports whether userID may act on blocking records. An empty
// allow-list authorizes everyone.
func (d *Dispatcher) IsAuthorized(userID string) bool {
	if len(d.authorized) == 0 {
		return true
	}
	_, ok := d.authorized[userID]
	return ok
}

// BlockAction is one button-click interaction payload, already decoded from
// Slack's block_actions callback.
type BlockAction struct {
	UserID     string
	ChannelID  string
	MessageTS  string
	ActionID   string
	RecordID   string // the clearance/prompt/command-approval request id
	RecordKind RecordKind
	Value      string // free-text, when the action carries one (e.g. refine instruction)
}

// RecordKind identifies which of the three blocking-record kinds an action
// targets.
type RecordKind string

const (
	RecordClearance RecordKind = "clearance"
	RecordPrompt    RecordKind = "prompt"
	RecordCommand   RecordKind = "command"
)

// HandleBlockAction processes a decoded button click: authorizes the sender,
// resolves the targeted blocking record, and, when this click won, edits the
// originating message to reflect the outcome; a racing second click loses in
// the engine and is a no-op.
func (d *Dispatcher) HandleBlockAction(ctx context.Context, a BlockAction) error {
	if !d.IsAuthorized(a.UserID) {
		d.logger.Warn("unauthorized chat interaction", zap.String("user_id", a.UserID))
		return ierr.New(ierr.Auth, "user not authorized to act on blocking records: "+a.UserID)
	}

	var resolved bool
	var resultText string
	var err error

	switch a.RecordKind {
	case RecordClearance:
		resolved, resultText, err = d.resolveClearance(ctx, a)
	case RecordPrompt:
		resolved, resultText, err = d.resolvePrompt(ctx, a)
	case RecordCommand:
		resolved = d.engine.DecideCommandApproval(a.RecordID, a.ActionID == string(actionApprove))
		resultText = decisionText(decisionAction(a.ActionID), a.UserID)
	default:
		return ierr.New(ierr.Protocol, "unknown record kind: "+string(a.RecordKind))
	}
	if err != nil {
		return err
	}

	if !resolved {
		// Someone else already decided this record first; leave the message
		// as the winning decision left it rather than re-announcing a decision.
		return nil
	}

	_, _, _, editErr := d.editor.UpdateMessage(a.ChannelID, a.MessageTS, slack.MsgOptionText(resultText, false))
	if editErr != nil {
		d.logger.Warn("failed to edit chat message after decision", zap.Error(editErr))
	}
	return nil
}

func (d *Dispatcher) resolveClearance(ctx context.Context, a BlockAction) (bool, string, error) {
	switch decisionAction(a.ActionID) {
	case actionApprove, actionForce:
		won, err := d.engine.DecideClearance(ctx, a.RecordID, true)
		return won, decisionText(decisionAction(a.ActionID), a.UserID), err
	case actionReject:
		won, err := d.engine.DecideClearance(ctx, a.RecordID, false)
		return won, decisionText(actionReject, a.UserID), err
	default:
		return false, "", ierr.New(ierr.Protocol, "unknown clearance action: "+a.ActionID)
	}
}

func (d *Dispatcher) resolvePrompt(ctx context.Context, a BlockAction) (bool, string, error) {
	var decision store.PromptDecision
	var instruction *string
	switch decisionAction(a.ActionID) {
	case actionContinue:
		decision = store.DecisionContinue
	case actionRefine:
		decision = store.DecisionRefine
		instruction = &a.Value
	case actionStop:
		decision = store.DecisionStop
	default:
		return false, "", ierr.New(ierr.Protocol, "unknown prompt action: "+a.ActionID)
	}
	won, err := d.engine.DecidePrompt(ctx, a.RecordID, decision, instruction)
	return won, decisionText(decisionAction(a.ActionID), a.UserID), err
}

func decisionText(action decisionAction, userID string) string {
	verb := map[decisionAction]string{
		actionApprove:  "approved",
		actionForce:    "force-applied",
		actionReject:   "rejected",
		actionStop:     "stopped",
		actionRefine:   "requested changes to",
		actionContinue: "continued",
	}[action]
	return "<@" + userID + "> " + verb + " this request."
}

// HandleMessageEvent processes a free-text chat message: it first checks
// for a registered slash-style alias (e.g. "!pause"), then — if the message
// is not an alias and the sender is authorized — treats it as a steering
// injection for the session bound to the message's channel.
func (d *Dispatcher) HandleMessageEvent(ctx context.Context, ev *slackevents.MessageEvent, sessionID string) error {
	text := strings.TrimSpace(ev.Text)
	if cmd, ok := d.aliasMatcher.Match(text); ok {
		return d.dispatchAlias(ctx, sessionID, ev.Channel, cmd)
	}

	if !d.IsAuthorized(ev.User) {
		return nil // silently ignore steering from unauthorized members
	}

	return d.queue.EnqueueSteering(ctx, sessionID, ev.Channel, text, store.SourceSlack)
}

func (d *Dispatcher) dispatchAlias(ctx context.Context, sessionID, channelID, resolvedCommand string) error {
	return d.queue.EnqueueSteering(ctx, sessionID, channelID, resolvedCommand, store.SourceSlack)
}
