package reqresp

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/agent-intercom/agent-intercom/internal/atomicwrite"
	"github.com/agent-intercom/agent-intercom/internal/clearance"
	"github.com/agent-intercom/agent-intercom/internal/ierr"
	"github.com/agent-intercom/agent-intercom/internal/pathsafe"
	"github.com/agent-intercom/agent-intercom/internal/store"
)

type requestClearanceArgs struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Diff        string `json:"diff"`
	FilePath    string `json:"filePath"`
	Tool        string `json:"tool"`
}

// toolRequestClearance is the "request_clearance" tool: the agent proposes a
// file change, the engine persists and posts it, and the call blocks until
// an operator decides or the approval timeout fires (spec §4.7, §4.9).
func (s *Server) toolRequestClearance(ctx context.Context, sess store.Session, raw json.RawMessage) (interface{}, error) {
	var args requestClearanceArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}

	resolved, err := pathsafe.Resolve(sess.WorkspaceRoot, args.FilePath)
	if err != nil {
		return nil, err
	}
	preImageHash, err := atomicwrite.HashFile(resolved)
	if err != nil {
		return nil, err
	}

	risk := s.clearance.RiskForPath(sess.WorkspaceRoot, args.FilePath)
	outcome, err := s.clearance.RequestClearance(ctx, store.ClearanceRequest{
		SessionID:    sess.ID,
		Title:        args.Title,
		Description:  args.Description,
		Diff:         args.Diff,
		FilePath:     args.FilePath,
		RiskLevel:    risk,
		PreImageHash: preImageHash,
	}, args.Tool)
	if err != nil {
		return nil, err
	}
	return outcomeResult(outcome), nil
}

type applyArgs struct {
	RequestID string `json:"requestId"`
	Force     bool   `json:"force"`
}

// toolApply is the "apply" tool: the second half of the approve-then-apply
// flow (spec §4.2, §8 scenarios 1-2). It re-verifies the approved clearance
// request's frozen pre-image hash against the file's current bytes, writes
// the new content atomically, and records consumption so the same request
// can't be applied twice.
func (s *Server) toolApply(ctx context.Context, sess store.Session, raw json.RawMessage) (interface{}, error) {
	var args applyArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args.RequestID == "" {
		return nil, ierr.New(ierr.Protocol, "requestId is required")
	}

	cr, ok, err := s.st.GetClearanceRequest(ctx, args.RequestID)
	if err != nil {
		return nil, err
	}
	if !ok || cr.SessionID != sess.ID {
		return gin.H{"status": "error", "error_code": "not_found"}, nil
	}
	if cr.Status != store.ClearanceApproved {
		return gin.H{"status": "error", "error_code": "not_approved"}, nil
	}

	resolved, err := pathsafe.Resolve(sess.WorkspaceRoot, cr.FilePath)
	if err != nil {
		return gin.H{"status": "error", "error_code": "path_violation"}, nil
	}

	result, err := atomicwrite.Apply(resolved, cr.PreImageHash, []byte(cr.Diff), args.Force)
	if err != nil {
		if ierr.CodeOf(err) == ierr.PatchConflict {
			return gin.H{"status": "error", "error_code": "patch_conflict"}, nil
		}
		return nil, err
	}

	if args.Force {
		if err := s.st.UpdatePreImageHash(ctx, cr.ID, result.PostImageHash); err != nil {
			return nil, err
		}
		s.clearance.RecordForcedApply(sess.ID, cr.ID)
	}
	if err := s.st.MarkClearanceConsumed(ctx, cr.ID); err != nil {
		return nil, err
	}

	return gin.H{
		"status":        "applied",
		"post_hash":     result.PostImageHash,
		"bytes_written": len(cr.Diff),
	}, nil
}

type requestPromptArgs struct {
	PromptText     string          `json:"promptText"`
	Type           store.PromptType `json:"type"`
	ElapsedSeconds *int            `json:"elapsedSeconds"`
	ActionsTaken   *string         `json:"actionsTaken"`
}

// toolRequestPrompt is the "request_prompt" tool: a non-file continuation
// decision (spec §4.7).
func (s *Server) toolRequestPrompt(ctx context.Context, sess store.Session, raw json.RawMessage) (interface{}, error) {
	var args requestPromptArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args.Type == "" {
		args.Type = store.PromptContinuation
	}

	outcome, err := s.clearance.RequestPrompt(ctx, store.ContinuationPrompt{
		SessionID:      sess.ID,
		PromptText:     args.PromptText,
		Type:           args.Type,
		ElapsedSeconds: args.ElapsedSeconds,
		ActionsTaken:   args.ActionsTaken,
	})
	if err != nil {
		return nil, err
	}

	result := outcomeResult(outcome)
	if outcome.Decision != nil {
		result["decision"] = *outcome.Decision
	}
	return result, nil
}

type requestCommandApprovalArgs struct {
	RequestID string          `json:"requestId"`
	Command   string          `json:"command"`
	RiskLevel store.RiskLevel `json:"riskLevel"`
}

// toolRequestCommandApproval is the "request_command_approval" tool: a
// terminal command not covered by the workspace's pre-approved list blocks
// the same way a file clearance does (SPEC_FULL.md §D).
func (s *Server) toolRequestCommandApproval(ctx context.Context, sess store.Session, raw json.RawMessage) (interface{}, error) {
	var args requestCommandApprovalArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args.RequestID == "" {
		return nil, ierr.New(ierr.Protocol, "requestId is required")
	}
	if args.RiskLevel == "" {
		args.RiskLevel = store.RiskHigh
	}

	outcome, err := s.clearance.RequestCommandApproval(ctx, sess.ID, args.RequestID, args.Command, args.RiskLevel)
	if err != nil {
		return nil, err
	}
	return outcomeResult(outcome), nil
}

type reportStatusArgs struct {
	LastTool     string `json:"lastTool"`
	ProgressJSON string `json:"progressJson"`
}

// toolReportStatus is the "report_status" tool: a one-way progress/heartbeat
// signal. It resets the stall detector (spec §4.5) and persists the latest
// progress snapshot.
func (s *Server) toolReportStatus(ctx context.Context, sess store.Session, raw json.RawMessage) (interface{}, error) {
	var args reportStatusArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args.ProgressJSON == "" {
		args.ProgressJSON = sess.ProgressJSON
	}
	if err := s.st.UpdateProgress(ctx, sess.ID, args.LastTool, args.ProgressJSON); err != nil {
		return nil, err
	}
	s.orch.NotifyActivity(sess.ID)
	return gin.H{"acknowledged": true}, nil
}

// toolLiveness is the "liveness" tool: the steering queue's delivery point
// (spec §4.9) — drains every pending steering message for this session in
// one atomically-consumed batch.
func (s *Server) toolLiveness(ctx context.Context, sess store.Session) (interface{}, error) {
	s.orch.NotifyActivity(sess.ID)

	msgs, err := s.queue.DrainSteering(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	pending := make([]string, 0, len(msgs))
	for _, m := range msgs {
		pending = append(pending, m.Text)
	}
	return gin.H{"pending_steering": pending}, nil
}

type checkpointArgs struct {
	Label          string `json:"label"`
	StateJSON      string `json:"stateJson"`
	FileHashesJSON string `json:"fileHashesJson"`
}

// toolCheckpoint is the "checkpoint" tool: captures a restorable progress
// snapshot (SPEC_FULL.md §D).
func (s *Server) toolCheckpoint(ctx context.Context, sess store.Session, raw json.RawMessage) (interface{}, error) {
	var args checkpointArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args.StateJSON == "" {
		args.StateJSON = "{}"
	}
	if args.FileHashesJSON == "" {
		args.FileHashesJSON = "{}"
	}

	cp, err := s.orch.Checkpoint(ctx, sess.ID, args.Label, args.StateJSON, args.FileHashesJSON)
	if err != nil {
		return nil, err
	}
	return gin.H{"checkpointId": cp.ID, "createdAt": cp.CreatedAt}, nil
}

type restoreArgs struct {
	CheckpointID string `json:"checkpointId"`
}

// toolRestore is the "restore" tool: re-applies a checkpoint's progress
// snapshot to the bound session.
func (s *Server) toolRestore(ctx context.Context, sess store.Session, raw json.RawMessage) (interface{}, error) {
	var args restoreArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}

	cp, err := s.orch.Restore(ctx, sess.ID, args.CheckpointID)
	if err != nil {
		return nil, err
	}
	return gin.H{"checkpointId": cp.ID, "progressJson": cp.ProgressJSON}, nil
}

func outcomeResult(outcome clearance.Outcome) gin.H {
	result := gin.H{"status": outcome.Status}
	if outcome.RequestID != "" {
		result["request_id"] = outcome.RequestID
	}
	return result
}
