package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
)

// CreateContinuationPrompt inserts a new Pending continuation prompt.
func (s *Store) CreateContinuationPrompt(ctx context.Context, p *ContinuationPrompt) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = ClearancePending
	}

	_, err := s.db.NamedExecContext(ctx, `
INSERT INTO continuation_prompts (id, session_id, prompt_text, type, elapsed_seconds, actions_taken,
	status, decision, instruction, chat_handle, created_at, consumed_at)
VALUES (:id, :session_id, :prompt_text, :type, :elapsed_seconds, :actions_taken,
	:status, :decision, :instruction, :chat_handle, :created_at, :consumed_at)
`, p)
	return ierr.Wrap(ierr.Db, "create continuation prompt", err)
}

// GetContinuationPrompt returns the prompt with the given id.
func (s *Store) GetContinuationPrompt(ctx context.Context, id string) (p ContinuationPrompt, ok bool, err error) {
	err = s.db.GetContext(ctx, &p, `SELECT * FROM continuation_prompts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ContinuationPrompt{}, false, nil
	}
	if err != nil {
		return ContinuationPrompt{}, false, ierr.Wrap(ierr.Db, "get continuation prompt", err)
	}
	return p, true, nil
}

// ListPendingPrompts mirrors ListPendingClearances for restart recovery.
func (s *Store) ListPendingPrompts(ctx context.Context, sessionID string) ([]ContinuationPrompt, error) {
	var out []ContinuationPrompt
	err := s.db.SelectContext(ctx, &out, `
SELECT * FROM continuation_prompts WHERE session_id = ? AND status = ? ORDER BY created_at
`, sessionID, ClearancePending)
	if err != nil {
		return nil, ierr.Wrap(ierr.Db, "list pending prompts", err)
	}
	return out, nil
}

// SetPromptChatHandle records the chat message identifier for a prompt.
func (s *Store) SetPromptChatHandle(ctx context.Context, id, handle string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE continuation_prompts SET chat_handle = ? WHERE id = ?`, handle, id)
	return ierr.Wrap(ierr.Db, "set prompt chat handle", err)
}

// ResolvePrompt records an operator decision and moves the prompt to
// Consumed exactly once, with the same single-winner guard as
// ResolveClearance. instruction carries the free-text "Refine" guidance,
// when present.
func (s *Store) ResolvePrompt(ctx context.Context, id string, decision PromptDecision, instruction *string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE continuation_prompts SET status = ?, decision = ?, instruction = ?, consumed_at = ?
WHERE id = ? AND status = ?
`, ClearanceConsumed, decision, instruction, now, id, ClearancePending)
	if err != nil {
		return false, ierr.Wrap(ierr.Db, "resolve prompt", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ierr.Wrap(ierr.Db, "resolve prompt rows affected", err)
	}
	return n > 0, nil
}

// ExpirePrompt moves a Pending prompt to Expired, guarded the same way.
func (s *Store) ExpirePrompt(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE continuation_prompts SET status = ? WHERE id = ? AND status = ?
`, ClearanceExpired, id, ClearancePending)
	if err != nil {
		return false, ierr.Wrap(ierr.Db, "expire prompt", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ierr.Wrap(ierr.Db, "expire prompt rows affected", err)
	}
	return n > 0, nil
}

// ExpireClearance mirrors ExpirePrompt for clearance requests.
func (s *Store) ExpireClearance(ctx context.Context, id string) (bool, error) {
	return s.ResolveClearance(ctx, id, ClearanceExpired)
}

// InterruptPending moves every Pending clearance and prompt belonging to a
// session to Interrupted, used when a session is torn down (spec §4.9:
// in-flight blocking calls resolve to Interrupted rather than leaking).
func (s *Store) InterruptPending(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE clearance_requests SET status = ? WHERE session_id = ? AND status = ?
`, ClearanceInterrupted, sessionID, ClearancePending); err != nil {
		return ierr.Wrap(ierr.Db, "interrupt pending clearances", err)
	}
	if _, err := s.db.ExecContext(ctx, `
UPDATE continuation_prompts SET status = ? WHERE session_id = ? AND status = ?
`, ClearanceInterrupted, sessionID, ClearancePending); err != nil {
		return ierr.Wrap(ierr.Db, "interrupt pending prompts", err)
	}
	return nil
}
