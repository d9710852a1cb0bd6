package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
)

// CreateClearanceRequest inserts a new Pending clearance request.
func (s *Store) CreateClearanceRequest(ctx context.Context, cr *ClearanceRequest) error {
	if cr.ID == "" {
		cr.ID = uuid.NewString()
	}
	if cr.CreatedAt.IsZero() {
		cr.CreatedAt = time.Now().UTC()
	}
	if cr.Status == "" {
		cr.Status = ClearancePending
	}

	_, err := s.db.NamedExecContext(ctx, `
INSERT INTO clearance_requests (id, session_id, title, description, diff, file_path, risk_level,
	status, pre_image_hash, chat_handle, created_at, consumed_at)
VALUES (:id, :session_id, :title, :description, :diff, :file_path, :risk_level,
	:status, :pre_image_hash, :chat_handle, :created_at, :consumed_at)
`, cr)
	return ierr.Wrap(ierr.Db, "create clearance request", err)
}

// GetClearanceRequest returns the clearance request with the given id.
func (s *Store) GetClearanceRequest(ctx context.Context, id string) (cr ClearanceRequest, ok bool, err error) {
	err = s.db.GetContext(ctx, &cr, `SELECT * FROM clearance_requests WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ClearanceRequest{}, false, nil
	}
	if err != nil {
		return ClearanceRequest{}, false, ierr.Wrap(ierr.Db, "get clearance request", err)
	}
	return cr, true, nil
}

// ListPendingClearances returns every Pending clearance request for a session,
// oldest first — used to rebuild the rendezvous map after a process restart
// (a pending request survives the crash; its caller's channel does not).
func (s *Store) ListPendingClearances(ctx context.Context, sessionID string) ([]ClearanceRequest, error) {
	var out []ClearanceRequest
	err := s.db.SelectContext(ctx, &out, `
SELECT * FROM clearance_requests WHERE session_id = ? AND status = ? ORDER BY created_at
`, sessionID, ClearancePending)
	if err != nil {
		return nil, ierr.Wrap(ierr.Db, "list pending clearances", err)
	}
	return out, nil
}

// SetChatHandle records the chat message identifier a clearance request was
// posted as, so later edits (decision reflected in-place) can address it.
func (s *Store) SetChatHandle(ctx context.Context, id, handle string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE clearance_requests SET chat_handle = ? WHERE id = ?`, handle, id)
	return ierr.Wrap(ierr.Db, "set clearance chat handle", err)
}

// ResolveClearance moves a Pending clearance request to a terminal decision
// status (Approved/Rejected/Expired/Interrupted) exactly once: the UPDATE is
// guarded by status = 'Pending' so a second caller racing to resolve the same
// request (e.g. timeout firing the instant a reply arrives) affects zero rows
// and gets told so via the returned bool.
func (s *Store) ResolveClearance(ctx context.Context, id string, status ClearanceStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE clearance_requests SET status = ? WHERE id = ? AND status = ?
`, status, id, ClearancePending)
	if err != nil {
		return false, ierr.Wrap(ierr.Db, "resolve clearance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ierr.Wrap(ierr.Db, "resolve clearance rows affected", err)
	}
	return n > 0, nil
}

// MarkClearanceConsumed records the consumption timestamp once the approved
// patch has actually been applied to disk.
func (s *Store) MarkClearanceConsumed(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE clearance_requests SET status = ?, consumed_at = ? WHERE id = ?
`, ClearanceConsumed, now, id)
	return ierr.Wrap(ierr.Db, "mark clearance consumed", err)
}

// UpdatePreImageHash rewrites the stored pre-image hash to match the file's
// current on-disk hash. Used to clear the conflict indicator when an operator
// forces a patch through despite a hash mismatch (SPEC_FULL.md §E.3).
func (s *Store) UpdatePreImageHash(ctx context.Context, id, hash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE clearance_requests SET pre_image_hash = ? WHERE id = ?`, hash, id)
	return ierr.Wrap(ierr.Db, "update clearance pre-image hash", err)
}
