package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
)

// CreateCheckpoint inserts a new checkpoint snapshot.
func (s *Store) CreateCheckpoint(ctx context.Context, c *Checkpoint) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.StateJSON == "" {
		c.StateJSON = "{}"
	}
	if c.FileHashesJSON == "" {
		c.FileHashesJSON = "{}"
	}
	if c.ProgressJSON == "" {
		c.ProgressJSON = "[]"
	}

	_, err := s.db.NamedExecContext(ctx, `
INSERT INTO checkpoints (id, session_id, label, state_json, file_hashes_json, workspace_root, progress_json, created_at)
VALUES (:id, :session_id, :label, :state_json, :file_hashes_json, :workspace_root, :progress_json, :created_at)
`, c)
	return ierr.Wrap(ierr.Db, "create checkpoint", err)
}

// GetCheckpoint returns the checkpoint with the given id.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (c Checkpoint, ok bool, err error) {
	err = s.db.GetContext(ctx, &c, `SELECT * FROM checkpoints WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, ierr.Wrap(ierr.Db, "get checkpoint", err)
	}
	return c, true, nil
}

// LatestCheckpoint returns the most recently created checkpoint for a
// session, used by session restore when no explicit checkpoint id is given.
func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (c Checkpoint, ok bool, err error) {
	err = s.db.GetContext(ctx, &c, `
SELECT * FROM checkpoints WHERE session_id = ? ORDER BY created_at DESC LIMIT 1
`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, ierr.Wrap(ierr.Db, "get latest checkpoint", err)
	}
	return c, true, nil
}

// ListCheckpoints returns every checkpoint for a session, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.db.SelectContext(ctx, &out, `
SELECT * FROM checkpoints WHERE session_id = ? ORDER BY created_at DESC
`, sessionID)
	if err != nil {
		return nil, ierr.Wrap(ierr.Db, "list checkpoints", err)
	}
	return out, nil
}
