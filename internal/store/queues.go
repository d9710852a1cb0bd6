package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
)

// EnqueueSteeringMessage inserts a new unconsumed steering message.
func (s *Store) EnqueueSteeringMessage(ctx context.Context, m *SteeringMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.NamedExecContext(ctx, `
INSERT INTO steering_messages (id, session_id, channel_id, text, source, created_at, consumed)
VALUES (:id, :session_id, :channel_id, :text, :source, :created_at, :consumed)
`, m)
	return ierr.Wrap(ierr.Db, "enqueue steering message", err)
}

// DrainSteeringMessages returns every unconsumed steering message for a
// session in arrival order and marks them consumed in the same transaction,
// so a crash between the SELECT and the UPDATE cannot deliver a message
// twice.
func (s *Store) DrainSteeringMessages(ctx context.Context, sessionID string) ([]SteeringMessage, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, ierr.Wrap(ierr.Db, "begin drain steering tx", err)
	}
	defer tx.Rollback()

	var out []SteeringMessage
	if err := tx.SelectContext(ctx, &out, `
SELECT * FROM steering_messages WHERE session_id = ? AND consumed = 0 ORDER BY created_at
`, sessionID); err != nil {
		return nil, ierr.Wrap(ierr.Db, "select pending steering messages", err)
	}
	if len(out) > 0 {
		if _, err := tx.ExecContext(ctx, `
UPDATE steering_messages SET consumed = 1 WHERE session_id = ? AND consumed = 0
`, sessionID); err != nil {
			return nil, ierr.Wrap(ierr.Db, "mark steering messages consumed", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, ierr.Wrap(ierr.Db, "commit drain steering tx", err)
	}
	return out, nil
}

// EnqueueTaskInboxItem inserts a new unconsumed inbox task.
func (s *Store) EnqueueTaskInboxItem(ctx context.Context, item *TaskInboxItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.NamedExecContext(ctx, `
INSERT INTO task_inbox_items (id, channel_id, text, source, created_at, consumed)
VALUES (:id, :channel_id, :text, :source, :created_at, :consumed)
`, item)
	return ierr.Wrap(ierr.Db, "enqueue task inbox item", err)
}

// DrainTaskInbox returns and consumes every unconsumed inbox item for a
// channel (or, when channelID is empty, every channel-less item), in arrival
// order. Used at cold start so a queued task is picked up by the very next
// session spun up against that channel.
func (s *Store) DrainTaskInbox(ctx context.Context, channelID string) ([]TaskInboxItem, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, ierr.Wrap(ierr.Db, "begin drain inbox tx", err)
	}
	defer tx.Rollback()

	var out []TaskInboxItem
	if err := tx.SelectContext(ctx, &out, `
SELECT * FROM task_inbox_items WHERE channel_id IS ? AND consumed = 0 ORDER BY created_at
`, nullableChannelID(channelID)); err != nil {
		return nil, ierr.Wrap(ierr.Db, "select pending inbox items", err)
	}
	if len(out) > 0 {
		if _, err := tx.ExecContext(ctx, `
UPDATE task_inbox_items SET consumed = 1 WHERE channel_id IS ? AND consumed = 0
`, nullableChannelID(channelID)); err != nil {
			return nil, ierr.Wrap(ierr.Db, "mark inbox items consumed", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, ierr.Wrap(ierr.Db, "commit drain inbox tx", err)
	}
	return out, nil
}

func nullableChannelID(channelID string) interface{} {
	if channelID == "" {
		return nil
	}
	return channelID
}
