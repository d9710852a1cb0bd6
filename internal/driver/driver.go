// Package driver abstracts how agent-intercom exchanges clearance/prompt/
// command-approval traffic and progress events with a supervised agent
// process, so the rest of the system (C9 clearance engine, C7 stall
// detector, C6 dispatcher) does not need to know whether the agent is
// reachable over req/resp HTTP calls or a stream child process (spec §4.8).
package driver

import (
	"context"

	"github.com/agent-intercom/agent-intercom/internal/wire"
)

// Driver is the five-method contract every transport mode implements.
type Driver interface {
	// SendEvent delivers an agent-originated event (progress, log, a
	// clearance/prompt/command request) into agent-intercom.
	SendEvent(ctx context.Context, ev *wire.Event) error

	// SendCommand delivers an intercom-originated command (steer, pause,
	// resume, stop, or a resolved clearance/prompt/command decision) to the
	// agent process bound to sessionID.
	SendCommand(ctx context.Context, sessionID string, cmd *wire.Command) error

	// Events returns a channel of events for sessionID. Closing the
	// returned channel is the driver's responsibility, triggered by
	// Close(sessionID) or the underlying transport going away.
	Events(sessionID string) (<-chan *wire.Event, error)

	// Bind registers sessionID with the driver, allocating whatever
	// transport-specific resources are needed (a buffered event channel for
	// req/resp; the stream driver's Bind returns an error, and stream
	// sessions are bound with BindProcess, which starts the child process and
	// its stdio pipes).
	Bind(ctx context.Context, sessionID string) error

	// Close tears down sessionID's transport-specific resources.
	Close(sessionID string) error
}
