package stream

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agent-intercom/agent-intercom/internal/atomicwrite"
	"github.com/agent-intercom/agent-intercom/internal/ierr"
	"github.com/agent-intercom/agent-intercom/internal/pathsafe"
	"github.com/agent-intercom/agent-intercom/internal/store"
	"github.com/agent-intercom/agent-intercom/internal/wire"
)

// statusPayload is wire.Event.Data's shape for EventStatus/EventHeartbeat.
type statusPayload struct {
	LastTool     string `json:"lastTool"`
	ProgressJSON string `json:"progressJson"`
}

// clearanceReqPayload is wire.Event.Data's shape for EventClearanceReq.
type clearanceReqPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Diff        string `json:"diff"`
	FilePath    string `json:"filePath"`
	Tool        string `json:"tool"`
}

// applyReqPayload is wire.Event.Data's shape for EventApplyReq.
type applyReqPayload struct {
	RequestID string `json:"requestId"`
	Force     bool   `json:"force"`
}

// promptReqPayload is wire.Event.Data's shape for EventPromptReq.
type promptReqPayload struct {
	PromptText     string          `json:"promptText"`
	Type           store.PromptType `json:"type"`
	ElapsedSeconds *int            `json:"elapsedSeconds"`
	ActionsTaken   *string         `json:"actionsTaken"`
}

// commandReqPayload is wire.Event.Data's shape for EventCommandReq.
type commandReqPayload struct {
	RequestID string          `json:"requestId"`
	Command   string          `json:"command"`
	RiskLevel store.RiskLevel `json:"riskLevel"`
}

// resolveClearance blocks on the clearance engine, exactly as the req/resp
// transport's request_clearance tool does, then writes the decision back
// down the wire as a command rather than returning it as an HTTP response
// body — the only shape difference between the two protocol modes.
func (c *Coordinator) resolveClearance(ctx context.Context, sessionID string, ev *wire.Event) {
	var p clearanceReqPayload
	if err := decodeInto(ev.Data, &p); err != nil {
		c.logger.Warn("malformed clearance_request event", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	sess, ok, err := c.st.GetSession(ctx, sessionID)
	if err != nil || !ok {
		return
	}

	risk := c.engine.RiskForPath(sess.WorkspaceRoot, p.FilePath)
	preImageHash := ""
	if resolved, err := pathsafe.Resolve(sess.WorkspaceRoot, p.FilePath); err == nil {
		if h, err := atomicwrite.HashFile(resolved); err == nil {
			preImageHash = h
		}
	}

	outcome, err := c.engine.RequestClearance(ctx, store.ClearanceRequest{
		SessionID:    sessionID,
		Title:        p.Title,
		Description:  p.Description,
		Diff:         p.Diff,
		FilePath:     p.FilePath,
		RiskLevel:    risk,
		PreImageHash: preImageHash,
	}, p.Tool)
	if err != nil {
		c.logger.Warn("request clearance failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	c.sendResult(sessionID, wire.CommandClearanceResult, map[string]interface{}{
		"status":    outcome.Status,
		"requestId": outcome.RequestID,
	})
}

// resolveApply is the stream-mode equivalent of the req/resp "apply" tool:
// it re-verifies an approved clearance request's frozen pre-image hash
// against the file's current bytes, writes the new content atomically, and
// records consumption (spec §4.2, §8 scenarios 1-2).
func (c *Coordinator) resolveApply(ctx context.Context, sessionID string, ev *wire.Event) {
	var p applyReqPayload
	if err := decodeInto(ev.Data, &p); err != nil {
		c.logger.Warn("malformed apply_request event", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	cr, ok, err := c.st.GetClearanceRequest(ctx, p.RequestID)
	if err != nil {
		c.logger.Warn("apply: lookup clearance request failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if !ok || cr.SessionID != sessionID {
		c.sendResult(sessionID, wire.CommandApplyResult, map[string]interface{}{"status": "error", "error_code": "not_found"})
		return
	}
	if cr.Status != store.ClearanceApproved {
		c.sendResult(sessionID, wire.CommandApplyResult, map[string]interface{}{"status": "error", "error_code": "not_approved"})
		return
	}

	sess, ok, err := c.st.GetSession(ctx, sessionID)
	if err != nil || !ok {
		return
	}
	resolved, err := pathsafe.Resolve(sess.WorkspaceRoot, cr.FilePath)
	if err != nil {
		c.sendResult(sessionID, wire.CommandApplyResult, map[string]interface{}{"status": "error", "error_code": "path_violation"})
		return
	}

	result, err := atomicwrite.Apply(resolved, cr.PreImageHash, []byte(cr.Diff), p.Force)
	if err != nil {
		if ierr.CodeOf(err) == ierr.PatchConflict {
			c.sendResult(sessionID, wire.CommandApplyResult, map[string]interface{}{"status": "error", "error_code": "patch_conflict"})
			return
		}
		c.logger.Warn("apply failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	if p.Force {
		if err := c.st.UpdatePreImageHash(ctx, cr.ID, result.PostImageHash); err != nil {
			c.logger.Warn("apply: record forced pre-image hash failed", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		c.engine.RecordForcedApply(sessionID, cr.ID)
	}
	if err := c.st.MarkClearanceConsumed(ctx, cr.ID); err != nil {
		c.logger.Warn("apply: mark consumed failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	c.sendResult(sessionID, wire.CommandApplyResult, map[string]interface{}{
		"status":        "applied",
		"post_hash":     result.PostImageHash,
		"bytes_written": len(cr.Diff),
	})
}

func (c *Coordinator) resolvePrompt(ctx context.Context, sessionID string, ev *wire.Event) {
	var p promptReqPayload
	if err := decodeInto(ev.Data, &p); err != nil {
		c.logger.Warn("malformed prompt_request event", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if p.Type == "" {
		p.Type = store.PromptContinuation
	}

	outcome, err := c.engine.RequestPrompt(ctx, store.ContinuationPrompt{
		SessionID:      sessionID,
		PromptText:     p.PromptText,
		Type:           p.Type,
		ElapsedSeconds: p.ElapsedSeconds,
		ActionsTaken:   p.ActionsTaken,
	})
	if err != nil {
		c.logger.Warn("request prompt failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	data := map[string]interface{}{"status": outcome.Status}
	if outcome.Decision != nil {
		data["decision"] = *outcome.Decision
	}
	c.sendResult(sessionID, wire.CommandPromptResult, data)
}

func (c *Coordinator) resolveCommandApproval(ctx context.Context, sessionID string, ev *wire.Event) {
	var p commandReqPayload
	if err := decodeInto(ev.Data, &p); err != nil {
		c.logger.Warn("malformed command_approval_request event", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if p.RiskLevel == "" {
		p.RiskLevel = store.RiskHigh
	}

	outcome, err := c.engine.RequestCommandApproval(ctx, sessionID, p.RequestID, p.Command, p.RiskLevel)
	if err != nil {
		c.logger.Warn("request command approval failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	c.sendResult(sessionID, wire.CommandCommandResult, map[string]interface{}{
		"requestId": p.RequestID,
		"status":    outcome.Status,
	})
}

func (c *Coordinator) sendResult(sessionID string, cmdType wire.CommandType, data map[string]interface{}) {
	cmd := &wire.Command{
		Type:      cmdType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data:      data,
	}
	if err := c.drv.SendCommand(context.Background(), sessionID, cmd); err != nil {
		c.logger.Warn("send command to agent process failed",
			zap.String("session_id", sessionID), zap.String("type", string(cmdType)), zap.Error(err))
	}
}
