// Package wire defines the message envelopes exchanged between
// agent-intercom and a supervised agent process, for both the req/resp and
// stream protocol modes (spec §4.8, §4.12, §4.13). Grounded on
// kdlbs-kandev's pkg/acp/protocol message shape, generalized from a
// Docker-log-multiplexed transport to a plain NDJSON one.
package wire

import (
	"encoding/json"
	"time"
)

// EventType enumerates the kinds of event an agent process emits.
type EventType string

const (
	EventProgress     EventType = "progress"
	EventLog          EventType = "log"
	EventResult       EventType = "result"
	EventError        EventType = "error"
	EventStatus       EventType = "status"
	EventHeartbeat    EventType = "heartbeat"
	EventClearanceReq EventType = "clearance_request"
	EventPromptReq    EventType = "prompt_request"
	EventCommandReq   EventType = "command_approval_request"
	EventApplyReq     EventType = "apply_request"
)

// CommandType enumerates the kinds of control command agent-intercom sends
// back down to an agent process.
type CommandType string

const (
	CommandPause           CommandType = "pause"
	CommandResume          CommandType = "resume"
	CommandStop            CommandType = "stop"
	CommandSteer           CommandType = "steer"
	CommandClearanceResult CommandType = "clearance_result"
	CommandPromptResult    CommandType = "prompt_result"
	CommandCommandResult   CommandType = "command_result"
	CommandApplyResult     CommandType = "apply_result"
)

// Event is one agent-to-intercom message.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id"`
	Data      map[string]interface{} `json:"data"`
}

// IsValid reports whether e has the fields every event must carry.
func (e *Event) IsValid() bool {
	return e.Type != "" && e.SessionID != ""
}

// Command is one intercom-to-agent message.
type Command struct {
	Type      CommandType            `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id"`
	Data      map[string]interface{} `json:"data"`
}

// Parse decodes a single NDJSON line into an Event.
func Parse(line []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Marshal encodes a Command as a single NDJSON line (no trailing newline —
// callers append it when writing to the wire).
func (c *Command) Marshal() ([]byte, error) {
	return json.Marshal(c)
}
