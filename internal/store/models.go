// Package store is agent-intercom's embedded relational store (spec §4.1):
// sessions, clearance requests, continuation prompts, checkpoints, stall
// alerts, steering/inbox queues. One writer connection serializes every
// operation; readers share the same pool so there is no busy-wait on the
// SQLite write lock.
package store

import "time"

// SessionStatus enumerates the allowed Session.Status values (spec §3).
type SessionStatus string

const (
	SessionCreated      SessionStatus = "Created"
	SessionActive       SessionStatus = "Active"
	SessionPaused       SessionStatus = "Paused"
	SessionInterrupted  SessionStatus = "Interrupted"
	SessionTerminated   SessionStatus = "Terminated"
	SessionSelfRecovered SessionStatus = "SelfRecovered"
)

// ProtocolMode enumerates the two transports a session can be bound to.
type ProtocolMode string

const (
	ModeReqResp ProtocolMode = "REQRESP"
	ModeStream  ProtocolMode = "STREAM"
)

// OperationalMode enumerates where the agent process actually runs.
type OperationalMode string

const (
	OpRemote OperationalMode = "Remote"
	OpLocal  OperationalMode = "Local"
	OpHybrid OperationalMode = "Hybrid"
)

// ProgressStep is one entry of a Session's progress snapshot.
type ProgressStep struct {
	Label  string `json:"label"`
	Status string `json:"status"`
}

// Session is a supervised agent conversation (spec §3 Session).
type Session struct {
	ID              string          `db:"id"`
	OwnerID         string          `db:"owner_id"`
	ProtocolMode    ProtocolMode    `db:"protocol_mode"`
	WorkspaceRoot   string          `db:"workspace_root"`
	ChannelID       string          `db:"channel_id"`
	Status          SessionStatus   `db:"status"`
	OperationalMode OperationalMode `db:"operational_mode"`
	LastTool        string          `db:"last_tool"`
	NudgeCount      int             `db:"nudge_count"`
	StallPaused     bool            `db:"stall_paused"`
	ProgressJSON    string          `db:"progress_json"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
	TerminatedAt    *time.Time      `db:"terminated_at"`
}

// ClearanceStatus enumerates ClearanceRequest.Status (spec §3).
type ClearanceStatus string

const (
	ClearancePending     ClearanceStatus = "Pending"
	ClearanceApproved    ClearanceStatus = "Approved"
	ClearanceRejected    ClearanceStatus = "Rejected"
	ClearanceExpired     ClearanceStatus = "Expired"
	ClearanceConsumed    ClearanceStatus = "Consumed"
	ClearanceInterrupted ClearanceStatus = "Interrupted"
)

// RiskLevel enumerates ClearanceRequest.RiskLevel.
type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
)

// ClearanceRequest is a blocking proposal to change a file (spec §3).
type ClearanceRequest struct {
	ID            string          `db:"id"`
	SessionID     string          `db:"session_id"`
	Title         string          `db:"title"`
	Description   string          `db:"description"`
	Diff          string          `db:"diff"`
	FilePath      string          `db:"file_path"`
	RiskLevel     RiskLevel       `db:"risk_level"`
	Status        ClearanceStatus `db:"status"`
	PreImageHash  string          `db:"pre_image_hash"`
	ChatHandle    string          `db:"chat_handle"`
	CreatedAt     time.Time       `db:"created_at"`
	ConsumedAt    *time.Time      `db:"consumed_at"`
}

// PromptType enumerates ContinuationPrompt.Type.
type PromptType string

const (
	PromptContinuation   PromptType = "Continuation"
	PromptClarification  PromptType = "Clarification"
	PromptErrorRecovery  PromptType = "ErrorRecovery"
	PromptResourceWarn   PromptType = "ResourceWarning"
)

// PromptDecision enumerates ContinuationPrompt.Decision.
type PromptDecision string

const (
	DecisionContinue PromptDecision = "Continue"
	DecisionRefine   PromptDecision = "Refine"
	DecisionStop     PromptDecision = "Stop"
)

// ContinuationPrompt is a non-file operator decision (spec §3).
type ContinuationPrompt struct {
	ID             string         `db:"id"`
	SessionID      string         `db:"session_id"`
	PromptText     string         `db:"prompt_text"`
	Type           PromptType     `db:"type"`
	ElapsedSeconds *int           `db:"elapsed_seconds"`
	ActionsTaken   *string        `db:"actions_taken"`
	Status         ClearanceStatus `db:"status"` // reuses Pending/Consumed/Expired/Interrupted
	Decision       *PromptDecision `db:"decision"`
	Instruction    *string        `db:"instruction"`
	ChatHandle     string         `db:"chat_handle"`
	CreatedAt      time.Time      `db:"created_at"`
	ConsumedAt     *time.Time     `db:"consumed_at"`
}

// Checkpoint is a restorable session snapshot (spec §3).
type Checkpoint struct {
	ID              string    `db:"id"`
	SessionID       string    `db:"session_id"`
	Label           string    `db:"label"`
	StateJSON       string    `db:"state_json"`
	FileHashesJSON  string    `db:"file_hashes_json"`
	WorkspaceRoot   string    `db:"workspace_root"`
	ProgressJSON    string    `db:"progress_json"`
	CreatedAt       time.Time `db:"created_at"`
}

// StallStatus enumerates StallAlert.Status.
type StallStatus string

const (
	StallPending       StallStatus = "Pending"
	StallNudged        StallStatus = "Nudged"
	StallSelfRecovered StallStatus = "SelfRecovered"
	StallEscalated     StallStatus = "Escalated"
	StallDismissed     StallStatus = "Dismissed"
)

// StallAlert is a detected inactivity event (spec §3).
type StallAlert struct {
	ID              string      `db:"id"`
	SessionID       string      `db:"session_id"`
	LastTool        string      `db:"last_tool"`
	LastActivityAt  time.Time   `db:"last_activity_at"`
	IdleSeconds     int         `db:"idle_seconds"`
	NudgeCount      int         `db:"nudge_count"`
	Status          StallStatus `db:"status"`
	NudgeText       string      `db:"nudge_text"`
	ProgressJSON    string      `db:"progress_json"`
	ChatHandle      string      `db:"chat_handle"`
	CreatedAt       time.Time   `db:"created_at"`
}

// SteeringSource enumerates where a SteeringMessage/TaskInboxItem came from.
type SteeringSource string

const (
	SourceSlack SteeringSource = "Slack"
	SourceIPC   SteeringSource = "Ipc"
)

// SteeringMessage is a live operator injection (spec §3).
type SteeringMessage struct {
	ID        string         `db:"id"`
	SessionID string         `db:"session_id"`
	ChannelID *string        `db:"channel_id"`
	Text      string         `db:"text"`
	Source    SteeringSource `db:"source"`
	CreatedAt time.Time      `db:"created_at"`
	Consumed  bool           `db:"consumed"`
}

// TaskInboxItem is a queued task delivered at next cold start (spec §3).
type TaskInboxItem struct {
	ID        string         `db:"id"`
	ChannelID *string        `db:"channel_id"`
	Text      string         `db:"text"`
	Source    SteeringSource `db:"source"`
	CreatedAt time.Time      `db:"created_at"`
	Consumed  bool           `db:"consumed"`
}
