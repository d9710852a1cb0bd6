package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
)

// Get* methods report a missing row through an ok bool rather than an
// error, so "absent" never requires the caller to string-match an error.

// allowedSessionTransitions encodes the Session status graph from spec §3.
var allowedSessionTransitions = map[SessionStatus]map[SessionStatus]bool{
	SessionCreated:     {SessionActive: true, SessionInterrupted: true, SessionTerminated: true},
	SessionActive:      {SessionPaused: true, SessionInterrupted: true, SessionTerminated: true},
	SessionPaused:      {SessionActive: true, SessionInterrupted: true, SessionTerminated: true},
	SessionInterrupted: {SessionActive: true, SessionTerminated: true},
}

// ErrInvalidTransition is returned when UpdateStatus is asked to move a
// session through an edge the status graph does not allow.
type ErrInvalidTransition struct {
	From, To SessionStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}

// CreateSession inserts a new session row, generating an ID if sess.ID is
// empty and stamping CreatedAt/UpdatedAt to time.Now().UTC() if zero.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = SessionCreated
	}
	if sess.ProgressJSON == "" {
		sess.ProgressJSON = "[]"
	}

	_, err := s.db.NamedExecContext(ctx, `
INSERT INTO sessions (id, owner_id, protocol_mode, workspace_root, channel_id, status,
	operational_mode, last_tool, nudge_count, stall_paused, progress_json, created_at, updated_at, terminated_at)
VALUES (:id, :owner_id, :protocol_mode, :workspace_root, :channel_id, :status,
	:operational_mode, :last_tool, :nudge_count, :stall_paused, :progress_json, :created_at, :updated_at, :terminated_at)
`, sess)
	return ierr.Wrap(ierr.Db, "create session", err)
}

// GetSession returns the session with the given id. ok is false when no such
// row exists; this is not treated as an error.
func (s *Store) GetSession(ctx context.Context, id string) (sess Session, ok bool, err error) {
	err = s.db.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, ierr.Wrap(ierr.Db, "get session", err)
	}
	return sess, true, nil
}

// ListActiveSessions returns every session not in a terminal status, used by
// C17 graceful shutdown to enumerate what must be marked Interrupted.
func (s *Store) ListActiveSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	err := s.db.SelectContext(ctx, &out, `
SELECT * FROM sessions WHERE status NOT IN (?, ?) ORDER BY created_at
`, SessionTerminated, SessionSelfRecovered)
	if err != nil {
		return nil, ierr.Wrap(ierr.Db, "list active sessions", err)
	}
	return out, nil
}

// ListSessionsByChannel returns every non-terminal session bound to channelID.
func (s *Store) ListSessionsByChannel(ctx context.Context, channelID string) ([]Session, error) {
	var out []Session
	err := s.db.SelectContext(ctx, &out, `
SELECT * FROM sessions WHERE channel_id = ? AND status NOT IN (?, ?) ORDER BY created_at
`, channelID, SessionTerminated, SessionSelfRecovered)
	if err != nil {
		return nil, ierr.Wrap(ierr.Db, "list sessions by channel", err)
	}
	return out, nil
}

// UpdateStatus validates the requested transition against the status graph
// and, if allowed, updates status (and terminated_at, when moving to
// Terminated) in a single statement guarded by the previous status so a
// concurrent racing writer cannot silently clobber an intervening change.
func (s *Store) UpdateStatus(ctx context.Context, id string, to SessionStatus) error {
	sess, ok, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ierr.New(ierr.Db, "session not found: "+id)
	}
	if sess.Status == to {
		return nil
	}
	if !allowedSessionTransitions[sess.Status][to] {
		return &ErrInvalidTransition{From: sess.Status, To: to}
	}

	now := time.Now().UTC()
	var terminatedAt sql.NullTime
	if to == SessionTerminated {
		terminatedAt = sql.NullTime{Time: now, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET status = ?, updated_at = ?, terminated_at = COALESCE(?, terminated_at)
WHERE id = ? AND status = ?
`, to, now, terminatedAt, id, sess.Status)
	if err != nil {
		return ierr.Wrap(ierr.Db, "update session status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ierr.Wrap(ierr.Db, "update session status rows affected", err)
	}
	if n == 0 {
		return &ErrInvalidTransition{From: sess.Status, To: to}
	}
	return nil
}

// UpdateProgress replaces the session's progress snapshot and last-tool
// marker, refreshing updated_at; used by the req/resp report_status tool
// (C12), the stream transport's status events (C13) and checkpoint restore
// (C10).
func (s *Store) UpdateProgress(ctx context.Context, id, lastTool, progressJSON string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE sessions SET last_tool = ?, progress_json = ?, updated_at = ? WHERE id = ?
`, lastTool, progressJSON, time.Now().UTC(), id)
	return ierr.Wrap(ierr.Db, "update session progress", err)
}

// SetStallPaused flips the stall_paused flag (set by the orchestrator's
// Pause and Resume (C10) without tearing down the Session row).
func (s *Store) SetStallPaused(ctx context.Context, id string, paused bool) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE sessions SET stall_paused = ?, updated_at = ? WHERE id = ?
`, paused, time.Now().UTC(), id)
	return ierr.Wrap(ierr.Db, "set session stall_paused", err)
}

// SetOperationalMode updates a session's operational mode (Remote|Local|Hybrid),
// used by the IPC `mode` command (C14) to reflect where the operator is
// actually driving the agent from without touching protocol mode or status.
func (s *Store) SetOperationalMode(ctx context.Context, id string, mode OperationalMode) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE sessions SET operational_mode = ?, updated_at = ? WHERE id = ?
`, mode, time.Now().UTC(), id)
	return ierr.Wrap(ierr.Db, "set session operational_mode", err)
}

// IncrementNudgeCount bumps nudge_count by one and returns the new value.
func (s *Store) IncrementNudgeCount(ctx context.Context, id string) (int, error) {
	_, err := s.db.ExecContext(ctx, `
UPDATE sessions SET nudge_count = nudge_count + 1, updated_at = ? WHERE id = ?
`, time.Now().UTC(), id)
	if err != nil {
		return 0, ierr.Wrap(ierr.Db, "increment session nudge count", err)
	}
	sess, ok, err := s.GetSession(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ierr.New(ierr.Db, "session not found: "+id)
	}
	return sess.NudgeCount, nil
}

// ResetNudgeCount zeroes nudge_count, used on self-recovery.
func (s *Store) ResetNudgeCount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE sessions SET nudge_count = 0, updated_at = ? WHERE id = ?
`, time.Now().UTC(), id)
	return ierr.Wrap(ierr.Db, "reset session nudge count", err)
}

// ListTerminatedSessionsBefore returns every session in a terminal status
// (Terminated or SelfRecovered) whose terminal timestamp is older than
// before, used by C16 retention to find purge candidates. SelfRecovered
// sessions never set terminated_at (only UpdateStatus's move to Terminated
// does), so updated_at is the fallback terminal timestamp for those rows.
func (s *Store) ListTerminatedSessionsBefore(ctx context.Context, before time.Time) ([]Session, error) {
	var out []Session
	err := s.db.SelectContext(ctx, &out, `
SELECT * FROM sessions
WHERE status IN (?, ?) AND COALESCE(terminated_at, updated_at) < ?
ORDER BY id
`, SessionTerminated, SessionSelfRecovered, before)
	if err != nil {
		return nil, ierr.Wrap(ierr.Db, "list terminated sessions before", err)
	}
	return out, nil
}

// DeleteSession removes a session row. Every child table (clearance_requests,
// continuation_prompts, checkpoints, stall_alerts, steering_messages) has an
// ON DELETE CASCADE foreign key on session_id (schema.go), so this one
// statement is enough to purge a session's entire operational history; the
// audit log is a separate append-only store this never touches.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return ierr.Wrap(ierr.Db, "delete session", err)
}
