package reqresp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agent-intercom/agent-intercom/internal/store"
)

// handleMCP is the single endpoint both "initialize" and every subsequent
// tool call flow through; the session header (or its absence, for
// initialize) disambiguates which session a call binds to.
func (s *Server) handleMCP(c *gin.Context) {
	accept := c.GetHeader("Accept")
	if accept != "" && accept != "application/json" && accept != "text/event-stream" && accept != "*/*" {
		c.JSON(http.StatusNotAcceptable, gin.H{"error": "Accept must be application/json or text/event-stream"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body exceeds 64 KiB"})
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusOK, newError(nil, codeParseError, "malformed JSON-RPC request"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		c.JSON(http.StatusOK, newError(req.ID, codeInvalidRequest, "not a JSON-RPC 2.0 request"))
		return
	}

	ctx := c.Request.Context()

	if req.Method == "initialize" {
		s.handleInitialize(c, ctx, req)
		return
	}

	sessionID := c.GetHeader(SessionHeader)
	if sessionID == "" {
		c.JSON(http.StatusOK, newError(req.ID, codeSessionExpired, "missing "+SessionHeader+" header; call initialize first"))
		return
	}
	sess, ok, err := s.st.GetSession(ctx, sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, newError(req.ID, codeInternalError, err.Error()))
		return
	}
	if !ok || sess.Status == store.SessionTerminated {
		c.JSON(http.StatusOK, newError(req.ID, codeSessionExpired, "session expired or unknown: "+sessionID))
		return
	}

	switch req.Method {
	case "tools/list":
		s.handleToolsList(c, req)
	case "tools/call":
		s.handleToolsCall(c, ctx, req, sess)
	default:
		c.JSON(http.StatusOK, newError(req.ID, codeMethodNotFound, "unknown method: "+req.Method))
	}
}

func (s *Server) handleInitialize(c *gin.Context, ctx context.Context, req rpcRequest) {
	params, err := sanitizeInitialize(req.Params)
	if err != nil {
		c.JSON(http.StatusOK, newError(req.ID, codeInvalidParams, "malformed initialize params: "+err.Error()))
		return
	}
	ext := params.extension()
	if ext.OwnerID == "" || ext.WorkspaceRoot == "" {
		c.JSON(http.StatusOK, newError(req.ID, codeInvalidParams, "capabilities.experimental.agentIntercom.ownerId and workspaceRoot are required"))
		return
	}

	sess, created, err := s.orch.Bind(ctx, ext.OwnerID, ext.ChannelID, ext.WorkspaceRoot, store.ModeReqResp, ext.SessionIDOverride)
	if err != nil {
		c.JSON(http.StatusOK, newError(req.ID, codeInternalError, err.Error()))
		return
	}
	if err := s.drv.Bind(ctx, sess.ID); err != nil {
		c.JSON(http.StatusOK, newError(req.ID, codeInternalError, err.Error()))
		return
	}

	result := gin.H{
		"protocolVersion": params.ProtocolVersion,
		"serverInfo":      gin.H{"name": "agent-intercom", "version": "0.1.0"},
		"capabilities":    gin.H{"experimental": gin.H{}},
		"sessionId":       sess.ID,
		"created":         created,
	}

	if created {
		if interrupted, cp, ok, err := s.orch.InterruptedSessionForOwner(ctx, ext.OwnerID); err == nil && ok {
			recovery := gin.H{"interruptedSessionId": interrupted.ID}
			if cp != nil {
				recovery["checkpoint"] = gin.H{
					"id":           cp.ID,
					"label":        cp.Label,
					"progressJson": cp.ProgressJSON,
					"createdAt":    cp.CreatedAt,
				}
			}
			result["recovery"] = recovery
		}
	}

	c.Header(SessionHeader, sess.ID)
	c.JSON(http.StatusOK, newResult(req.ID, result))
}

func (s *Server) handleToolsList(c *gin.Context, req rpcRequest) {
	c.JSON(http.StatusOK, newResult(req.ID, gin.H{"tools": toolDescriptors}))
}

// toolDescriptors documents the MCP tool surface a bound agent may call;
// names match the dispatch switch in handleToolsCall. Descriptors are built
// with mcp.NewTool so the JSON schema a client sees from tools/list matches
// what a real MCP tool definition looks like, even though dispatch itself is
// a plain method switch rather than mcpServer.AddTool's registry.
var toolDescriptors = []mcp.Tool{
	mcp.NewTool("request_clearance",
		mcp.WithDescription("Request operator clearance to apply a file change"),
		mcp.WithString("title", mcp.Required(), mcp.Description("Short summary of the change")),
		mcp.WithString("description", mcp.Description("Longer explanation of the change")),
		mcp.WithString("diff", mcp.Description("Unified diff of the proposed change")),
		mcp.WithString("filePath", mcp.Required(), mcp.Description("Path relative to the session workspace root")),
		mcp.WithString("tool", mcp.Description("Name of the underlying file operation (e.g. write_file), consulted against the workspace's auto-approve policy")),
	),
	mcp.NewTool("apply",
		mcp.WithDescription("Apply an approved clearance request's change to disk"),
		mcp.WithString("requestId", mcp.Required(), mcp.Description("Id returned by request_clearance")),
		mcp.WithBoolean("force", mcp.Description("Bypass a pre-image hash mismatch and overwrite anyway")),
	),
	mcp.NewTool("request_prompt",
		mcp.WithDescription("Request an operator decision on how to continue"),
		mcp.WithString("promptText", mcp.Required(), mcp.Description("Question or situation to present to the operator")),
		mcp.WithString("type", mcp.Description("Continuation | Clarification | Decision")),
		mcp.WithNumber("elapsedSeconds", mcp.Description("Seconds spent since the last report_status call")),
		mcp.WithString("actionsTaken", mcp.Description("Summary of actions taken since the last prompt")),
	),
	mcp.NewTool("request_command_approval",
		mcp.WithDescription("Request operator approval to run a terminal command"),
		mcp.WithString("requestId", mcp.Required(), mcp.Description("Caller-assigned id correlating this request")),
		mcp.WithString("command", mcp.Required(), mcp.Description("The command line to be executed")),
		mcp.WithString("riskLevel", mcp.Description("Low | Medium | High; defaults to High")),
	),
	mcp.NewTool("report_status",
		mcp.WithDescription("Report progress/heartbeat; resets the stall detector"),
		mcp.WithString("lastTool", mcp.Description("Name of the last tool the agent invoked")),
		mcp.WithString("progressJson", mcp.Description("Opaque JSON snapshot of current progress")),
	),
	mcp.NewTool("liveness",
		mcp.WithDescription("Poll for pending steering messages; atomically marks them delivered"),
	),
	mcp.NewTool("checkpoint",
		mcp.WithDescription("Capture a restorable progress snapshot"),
		mcp.WithString("label", mcp.Description("Human-readable checkpoint label")),
		mcp.WithString("stateJson", mcp.Description("Opaque JSON state snapshot")),
		mcp.WithString("fileHashesJson", mcp.Description("Opaque JSON map of file path to content hash")),
	),
	mcp.NewTool("restore",
		mcp.WithDescription("Restore progress from a prior checkpoint"),
		mcp.WithString("checkpointId", mcp.Required(), mcp.Description("Id of the checkpoint to restore")),
	),
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleToolsCall(c *gin.Context, ctx context.Context, req rpcRequest, sess store.Session) {
	var call toolCallParams
	if err := json.Unmarshal(req.Params, &call); err != nil {
		c.JSON(http.StatusOK, newError(req.ID, codeInvalidParams, "malformed tools/call params"))
		return
	}

	var (
		result interface{}
		err    error
	)
	switch call.Name {
	case "request_clearance":
		result, err = s.toolRequestClearance(ctx, sess, call.Arguments)
	case "apply":
		result, err = s.toolApply(ctx, sess, call.Arguments)
	case "request_prompt":
		result, err = s.toolRequestPrompt(ctx, sess, call.Arguments)
	case "request_command_approval":
		result, err = s.toolRequestCommandApproval(ctx, sess, call.Arguments)
	case "report_status":
		result, err = s.toolReportStatus(ctx, sess, call.Arguments)
	case "liveness":
		result, err = s.toolLiveness(ctx, sess)
	case "checkpoint":
		result, err = s.toolCheckpoint(ctx, sess, call.Arguments)
	case "restore":
		result, err = s.toolRestore(ctx, sess, call.Arguments)
	default:
		c.JSON(http.StatusOK, newError(req.ID, codeMethodNotFound, "unknown tool: "+call.Name))
		return
	}
	if err != nil {
		c.JSON(http.StatusOK, newError(req.ID, codeInternalError, err.Error()))
		return
	}
	c.JSON(http.StatusOK, newResult(req.ID, result))
}
