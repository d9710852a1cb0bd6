package main

import (
	"context"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"

	"github.com/agent-intercom/agent-intercom/internal/chat/dispatch"
	"github.com/agent-intercom/agent-intercom/internal/chat/slackvendor"
	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/secretsource"
	"github.com/agent-intercom/agent-intercom/internal/session"
	"github.com/agent-intercom/agent-intercom/internal/store"
)

// chatBinding bundles everything main needs from the Slack side: a Poster
// satisfying outbound.Poster/clearance.Notifier/dispatch.Editor, and a
// started socketmode client feeding the dispatcher. Both are nil when the
// bot token or the app-level token is missing — every caller must treat chat as optional, the
// same way internal/shutdown already treats a nil outbound queue.
type chatBinding struct {
	poster *slackvendor.Poster
	socket *socketmode.Client
}

// connectSlack resolves credentials for mode and, if both a bot token and an
// app-level token are present, builds the Socket Mode client (spec §6: no public HTTP endpoint
// for inbound Slack events, matching a single-operator deployment with no
// reachable webhook URL). Returns a nil binding, not an error, when chat is
// simply unconfigured — a deployment with no Slack channel at all is valid.
func connectSlack(mode secretsource.Mode, st *store.Store, logger *obslog.Logger) (*chatBinding, secretsource.Credentials) {
	creds := secretsource.ResolveSlackCredentials(mode)
	if creds.BotToken == "" || creds.AppToken == "" {
		logger.Warn("no Slack credentials resolved, running with chat disabled")
		return nil, creds
	}

	client := slack.New(creds.BotToken, slack.OptionAppLevelToken(creds.AppToken))
	socket := socketmode.New(client)

	channelFor := func(ctx context.Context, sessionID string) (string, error) {
		sess, ok, err := st.GetSession(ctx, sessionID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", nil
		}
		return sess.ChannelID, nil
	}

	return &chatBinding{poster: slackvendor.New(client, channelFor), socket: socket}, creds
}

// runSocketmodeConsumer drains the socketmode event stream until ctx is
// cancelled, acking each Events API and interactive event as Slack's API
// requires and routing the two
// kinds the dispatcher understands — a posted message (steering/alias) and
// a block_actions button click — to it. Every other event type is ignored.
func runSocketmodeConsumer(ctx context.Context, socket *socketmode.Client, orch *session.Orchestrator, d *dispatch.Dispatcher, logger *obslog.Logger) {
	go socket.RunContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if evt.Request != nil {
					socket.Ack(*evt.Request)
				}
				handleEventsAPI(ctx, eventsAPIEvent, orch, d, logger)
			case socketmode.EventTypeInteractive:
				callback, ok := evt.Data.(slack.InteractionCallback)
				if !ok {
					continue
				}
				if evt.Request != nil {
					socket.Ack(*evt.Request)
				}
				handleInteraction(ctx, callback, d, logger)
			}
		}
	}
}

func handleEventsAPI(ctx context.Context, outer slackevents.EventsAPIEvent, orch *session.Orchestrator, d *dispatch.Dispatcher, logger *obslog.Logger) {
	inner, ok := outer.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	if inner.BotID != "" || inner.SubType != "" {
		return // ignore bot echoes and edits/joins/etc.
	}
	sessionID, ok := orch.ActiveSessionForChannel(ctx, inner.Channel)
	if !ok {
		return // no bound session for this channel; nothing to steer
	}
	if err := d.HandleMessageEvent(ctx, inner, sessionID); err != nil {
		logger.Warn("handling chat message event failed", zap.Error(err))
	}
}

func handleInteraction(ctx context.Context, callback slack.InteractionCallback, d *dispatch.Dispatcher, logger *obslog.Logger) {
	if callback.Type != slack.InteractionTypeBlockActions || len(callback.ActionCallback.BlockActions) == 0 {
		return
	}
	action := callback.ActionCallback.BlockActions[0]
	kind, recordID, ok := slackvendor.ParseBlockID(action.BlockID)
	if !ok {
		logger.Warn("unrecognized block_id in interaction callback", zap.String("block_id", action.BlockID))
		return
	}

	ba := dispatch.BlockAction{
		UserID:     callback.User.ID,
		ChannelID:  callback.Channel.ID,
		MessageTS:  callback.Message.Timestamp,
		ActionID:   strings.TrimSpace(action.ActionID),
		RecordID:   recordID,
		RecordKind: kind,
		Value:      action.Value,
	}
	if err := d.HandleBlockAction(ctx, ba); err != nil {
		logger.Warn("handling chat interaction failed", zap.Error(err))
	}
}
