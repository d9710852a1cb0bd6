// Package slackvendor is agent-intercom's concrete Slack binding: it
// implements internal/chat/outbound's Poster (the retrying delivery queue's
// vendor call) and internal/clearance's Notifier (posting a new blocking
// record and formatting it as Block Kit), plus internal/chat/dispatch's
// Editor, all against one *slack.Client. Everything that actually talks to
// Slack lives here; every other package only knows the three small
// interfaces it needs. Grounded on kdlbs-kandev's provider adapters, which
// keep the same "implement the small interface against the vendor SDK"
// shape for a single external collaborator.
package slackvendor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/slack-go/slack"

	"github.com/agent-intercom/agent-intercom/internal/chat/dispatch"
	"github.com/agent-intercom/agent-intercom/internal/chat/outbound"
	"github.com/agent-intercom/agent-intercom/internal/store"
)

// Poster wraps a Slack client for both the outbound queue's vendor call and
// the clearance engine's notification posts. channelFor resolves a session
// id to its bound Slack channel, since neither ClearanceRequest nor
// ContinuationPrompt carries one directly.
type Poster struct {
	client     *slack.Client
	channelFor func(ctx context.Context, sessionID string) (string, error)
}

// New constructs a Poster. channelFor is called once per blocking record to
// resolve which channel to post into; callers typically pass a closure over
// their *store.Store's GetSession.
func New(client *slack.Client, channelFor func(ctx context.Context, sessionID string) (string, error)) *Poster {
	return &Poster{client: client, channelFor: channelFor}
}

// Post implements outbound.Poster: a new top-level post, or an edit of
// msg.ThreadHandle when msg.Edit is set.
func (p *Poster) Post(ctx context.Context, msg outbound.Message) (string, error) {
	opts := postOptions(msg)
	if msg.Edit && msg.ThreadHandle != "" {
		_, ts, _, err := p.client.UpdateMessageContext(ctx, msg.ChannelID, msg.ThreadHandle, opts...)
		return ts, err
	}
	_, ts, err := p.client.PostMessageContext(ctx, msg.ChannelID, opts...)
	return ts, err
}

// UpdateMessage satisfies internal/chat/dispatch's Editor interface
// directly against the underlying client.
func (p *Poster) UpdateMessage(channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error) {
	return p.client.UpdateMessage(channelID, timestamp, options...)
}

func postOptions(msg outbound.Message) []slack.MsgOption {
	if len(msg.Blocks) > 0 {
		return []slack.MsgOption{slack.MsgOptionBlocks(msg.Blocks...), slack.MsgOptionText(msg.Text, false)}
	}
	return []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
}

// Block id values encode "<record kind>:<record id>" and each button's action
// id is the bare decision verb (e.g. "approve"), so the socketmode
// interaction consumer can recover the dispatcher's RecordKind, the record id
// and the decisionAction from one button click without a second round trip
// to the store.
const (
	kindClearance = "clearance"
	kindPrompt    = "prompt"
	kindCommand   = "command"
)

// PostClearance implements clearance.Notifier.
func (p *Poster) PostClearance(ctx context.Context, cr store.ClearanceRequest) (string, error) {
	channelID, err := p.channelFor(ctx, cr.SessionID)
	if err != nil {
		return "", err
	}
	text := fmt.Sprintf("*Clearance requested:* %s\n%s\n`%s` · risk: %s", cr.Title, cr.Description, cr.FilePath, cr.RiskLevel)
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
		diffBlock(cr.Diff),
		actionBlock(kindClearance, cr.ID,
			button("Approve", "approve", slack.StylePrimary),
			button("Reject", "reject", slack.StyleDanger),
		),
	}
	_, ts, err := p.client.PostMessageContext(ctx, channelID, slack.MsgOptionBlocks(blocks...), slack.MsgOptionText(text, false))
	return ts, err
}

// PostPrompt implements clearance.Notifier.
func (p *Poster) PostPrompt(ctx context.Context, prompt store.ContinuationPrompt) (string, error) {
	channelID, err := p.channelFor(ctx, prompt.SessionID)
	if err != nil {
		return "", err
	}
	text := fmt.Sprintf("*%s:* %s", prompt.Type, prompt.PromptText)
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
		actionBlock(kindPrompt, prompt.ID,
			button("Continue", "continue", slack.StylePrimary),
			button("Refine", "refine", slack.StyleDefault),
			button("Stop", "stop", slack.StyleDanger),
		),
	}
	_, ts, err := p.client.PostMessageContext(ctx, channelID, slack.MsgOptionBlocks(blocks...), slack.MsgOptionText(text, false))
	return ts, err
}

// PostCommandApproval implements clearance.Notifier.
func (p *Poster) PostCommandApproval(ctx context.Context, sessionID, command string, riskLevel store.RiskLevel) (string, error) {
	channelID, err := p.channelFor(ctx, sessionID)
	if err != nil {
		return "", err
	}
	text := fmt.Sprintf("*Command approval requested* (risk: %s)\n```%s```", riskLevel, command)
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
		actionBlock(kindCommand, sessionID,
			button("Approve", "approve", slack.StylePrimary),
			button("Reject", "reject", slack.StyleDanger),
		),
	}
	_, ts, err := p.client.PostMessageContext(ctx, channelID, slack.MsgOptionBlocks(blocks...), slack.MsgOptionText(text, false))
	return ts, err
}

func button(label, action string, style slack.Style) *slack.ButtonBlockElement {
	b := slack.NewButtonBlockElement(action, action, slack.NewTextBlockObject(slack.PlainTextType, label, false, false))
	b.Style = style
	return b
}

func actionBlock(kind, recordID string, elements ...*slack.ButtonBlockElement) *slack.ActionBlock {
	// block_id carries "<kind>:<record id>"; ActionID on each element is left
	// as the bare action verb so decisionAction(actionID) parses unchanged.
	els := make([]slack.BlockElement, len(elements))
	for i, e := range elements {
		els[i] = e
	}
	return slack.NewActionBlock(kind+":"+recordID, els...)
}

// recordKinds maps the block_id kind prefix back to dispatch.RecordKind,
// the other half of the encoding actionBlock writes.
var recordKinds = map[string]dispatch.RecordKind{
	kindClearance: dispatch.RecordClearance,
	kindPrompt:    dispatch.RecordPrompt,
	kindCommand:   dispatch.RecordCommand,
}

// ParseBlockID recovers the record kind and id an interaction button
// targets from the block_id actionBlock wrote it into. Used by the
// socketmode interaction consumer to build a dispatch.BlockAction.
func ParseBlockID(blockID string) (dispatch.RecordKind, string, bool) {
	kind, recordID, found := strings.Cut(blockID, ":")
	if !found {
		return "", "", false
	}
	rk, ok := recordKinds[kind]
	if !ok {
		return "", "", false
	}
	return rk, recordID, true
}

func diffBlock(diff string) slack.Block {
	if diff == "" {
		return slack.NewDividerBlock()
	}
	truncated := diff
	const maxLen = 2800
	if len(truncated) > maxLen {
		truncated = truncated[:maxLen] + "\n… (truncated, " + strconv.Itoa(len(diff)) + " bytes total)"
	}
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, "```"+truncated+"```", false, false), nil, nil)
}
