// Package queue is the steering-message and task-inbox service (spec §3,
// §4.*, SPEC_FULL.md §E.2): a thin routing layer over the store's persisted
// queues, deciding which session a chat message steers and which channel's
// inbox a queued task belongs to. Grounded on kdlbs-kandev's
// internal/orchestrator/queue.TaskQueue naming (Enqueue/Drain/Len), adapted
// from an in-memory priority heap to the store's durable, transactional
// drain since steering messages must survive a restart.
package queue

import (
	"context"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
	"github.com/agent-intercom/agent-intercom/internal/store"
)

// SessionLookup resolves which active session a channel's steering traffic
// should be routed to. The session orchestrator (C10) implements this.
type SessionLookup interface {
	ActiveSessionForChannel(ctx context.Context, channelID string) (sessionID string, ok bool)
}

// Queue is the steering/inbox routing service.
type Queue struct {
	st            *store.Store
	sessions      SessionLookup
	singleChannel bool
}

// New constructs a Queue. singleChannel mirrors
// config.Config.IsSingleChannelDeployment, computed once at startup: when
// true, steering messages with no resolvable channel route to whichever
// session is active rather than being dropped.
func New(st *store.Store, sessions SessionLookup, singleChannel bool) *Queue {
	return &Queue{st: st, sessions: sessions, singleChannel: singleChannel}
}

// EnqueueSteering persists a steering message for sessionID. sessionID may
// be empty, in which case it is resolved from channelID via SessionLookup;
// if that also fails to resolve and this is not a single-channel deployment,
// the message is rejected rather than silently misrouted.
func (q *Queue) EnqueueSteering(ctx context.Context, sessionID, channelID, text string, source store.SteeringSource) error {
	if sessionID == "" {
		resolved, ok := q.resolveSession(ctx, channelID)
		if !ok {
			return ierr.New(ierr.Protocol, "no active session to route steering message to")
		}
		sessionID = resolved
	}

	var channelPtr *string
	if channelID != "" {
		channelPtr = &channelID
	}

	return q.st.EnqueueSteeringMessage(ctx, &store.SteeringMessage{
		SessionID: sessionID,
		ChannelID: channelPtr,
		Text:      text,
		Source:    source,
	})
}

func (q *Queue) resolveSession(ctx context.Context, channelID string) (string, bool) {
	if channelID != "" {
		if id, ok := q.sessions.ActiveSessionForChannel(ctx, channelID); ok {
			return id, true
		}
	}
	if !q.singleChannel {
		return "", false
	}
	return q.sessions.ActiveSessionForChannel(ctx, "")
}

// DrainSteering returns and consumes every pending steering message for a
// session, in arrival order, for the session orchestrator to inject into the
// driver's next turn.
func (q *Queue) DrainSteering(ctx context.Context, sessionID string) ([]store.SteeringMessage, error) {
	return q.st.DrainSteeringMessages(ctx, sessionID)
}

// EnqueueTask persists a task-inbox item for later pickup at cold start.
func (q *Queue) EnqueueTask(ctx context.Context, channelID, text string, source store.SteeringSource) error {
	return q.st.EnqueueTaskInboxItem(ctx, &store.TaskInboxItem{
		ChannelID: channelIDPtr(channelID),
		Text:      text,
		Source:    source,
	})
}

// DrainInbox returns and consumes every queued task-inbox item for a
// channel. When channelID is non-empty but has no queued items and this is
// a single-channel deployment, it falls back to the unfiltered
// (channel-less) queue per SPEC_FULL.md §E.2; an empty channelID drains the
// channel-less queue directly.
func (q *Queue) DrainInbox(ctx context.Context, channelID string) ([]store.TaskInboxItem, error) {
	items, err := q.st.DrainTaskInbox(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 && channelID != "" && q.singleChannel {
		return q.st.DrainTaskInbox(ctx, "")
	}
	return items, nil
}

func channelIDPtr(channelID string) *string {
	if channelID == "" {
		return nil
	}
	return &channelID
}
