package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
)

// CreateStallAlert inserts a new Pending stall alert.
func (s *Store) CreateStallAlert(ctx context.Context, a *StallAlert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = StallPending
	}
	if a.ProgressJSON == "" {
		a.ProgressJSON = "[]"
	}

	_, err := s.db.NamedExecContext(ctx, `
INSERT INTO stall_alerts (id, session_id, last_tool, last_activity_at, idle_seconds, nudge_count,
	status, nudge_text, progress_json, chat_handle, created_at)
VALUES (:id, :session_id, :last_tool, :last_activity_at, :idle_seconds, :nudge_count,
	:status, :nudge_text, :progress_json, :chat_handle, :created_at)
`, a)
	return ierr.Wrap(ierr.Db, "create stall alert", err)
}

// GetStallAlert returns the stall alert with the given id.
func (s *Store) GetStallAlert(ctx context.Context, id string) (a StallAlert, ok bool, err error) {
	err = s.db.GetContext(ctx, &a, `SELECT * FROM stall_alerts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return StallAlert{}, false, nil
	}
	if err != nil {
		return StallAlert{}, false, ierr.Wrap(ierr.Db, "get stall alert", err)
	}
	return a, true, nil
}

// LatestOpenStallAlert returns the most recent non-terminal stall alert for a
// session, if any — the stall detector only ever has one open alert per
// session at a time.
func (s *Store) LatestOpenStallAlert(ctx context.Context, sessionID string) (a StallAlert, ok bool, err error) {
	err = s.db.GetContext(ctx, &a, `
SELECT * FROM stall_alerts
WHERE session_id = ? AND status IN (?, ?)
ORDER BY created_at DESC LIMIT 1
`, sessionID, StallPending, StallNudged)
	if errors.Is(err, sql.ErrNoRows) {
		return StallAlert{}, false, nil
	}
	if err != nil {
		return StallAlert{}, false, ierr.Wrap(ierr.Db, "get latest open stall alert", err)
	}
	return a, true, nil
}

// UpdateStallStatus moves a stall alert to a new status; the recorded
// nudge text is left unchanged.
func (s *Store) UpdateStallStatus(ctx context.Context, id string, status StallStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE stall_alerts SET status = ? WHERE id = ?`, status, id)
	return ierr.Wrap(ierr.Db, "update stall alert status", err)
}

// IncrementStallNudgeCount bumps the per-alert nudge count and returns the
// new value.
func (s *Store) IncrementStallNudgeCount(ctx context.Context, id string) (int, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE stall_alerts SET nudge_count = nudge_count + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, ierr.Wrap(ierr.Db, "increment stall alert nudge count", err)
	}
	a, ok, err := s.GetStallAlert(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ierr.New(ierr.Db, "stall alert not found: "+id)
	}
	return a.NudgeCount, nil
}
