package reqresp

import "encoding/json"

// supportedProtocolVersions allowlists the initialize handshake's
// protocolVersion field (spec §4.10). An unrecognized version downgrades to
// latestProtocolVersion rather than failing the handshake outright, so an
// agent built against a slightly newer MCP revision still connects.
var supportedProtocolVersions = map[string]struct{}{
	"2024-11-05": {},
	"2025-03-26": {},
	"2025-06-18": {},
}

const latestProtocolVersion = "2025-06-18"

// allowedCapabilityFields is the spec's allowlist for the initialize
// request's capabilities object (spec §4.10): everything else is stripped
// before the request is acted on, matching MCP's ClientCapabilities shape
// (experimental + roots; sampling is deliberately excluded since agent-
// intercom never calls back into the agent for LLM sampling).
var allowedCapabilityFields = map[string]struct{}{
	"experimental": {},
	"roots":        {},
}

// initializeParams is the shape this server cares about from an initialize
// call. ClientInfo/Capabilities are decoded as raw messages so sanitizeInitialize
// can inspect and strip fields without losing unknown-but-allowed ones.
type initializeParams struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	ClientInfo      clientInfo                 `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// sanitizeInitialize parses raw initialize params, downgrades an
// unrecognized protocol version to the latest supported one, and strips any
// capability field outside {experimental, roots}. It returns the sanitized
// params for downstream use; the bound ownerID/workspaceRoot/sessionID
// override (agent-intercom's own extension) travel inside the experimental
// bag under the "agentIntercom" key.
func sanitizeInitialize(raw json.RawMessage) (initializeParams, error) {
	var p initializeParams
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return initializeParams{}, err
	}

	if _, ok := supportedProtocolVersions[p.ProtocolVersion]; !ok {
		p.ProtocolVersion = latestProtocolVersion
	}

	for field := range p.Capabilities {
		if _, allowed := allowedCapabilityFields[field]; !allowed {
			delete(p.Capabilities, field)
		}
	}

	return p, nil
}

// agentIntercomExtension is agent-intercom's own binding metadata, carried in
// the initialize call's capabilities.experimental.agentIntercom field since
// MCP's initialize envelope has no native concept of "operator" or
// "workspace".
type agentIntercomExtension struct {
	OwnerID           string `json:"ownerId"`
	WorkspaceRoot     string `json:"workspaceRoot"`
	ChannelID         string `json:"channelId"`
	SessionIDOverride string `json:"sessionId"`
}

func (p initializeParams) extension() agentIntercomExtension {
	var ext agentIntercomExtension
	experimental, ok := p.Capabilities["experimental"]
	if !ok {
		return ext
	}
	var wrapper struct {
		AgentIntercom agentIntercomExtension `json:"agentIntercom"`
	}
	_ = json.Unmarshal(experimental, &wrapper)
	return wrapper.AgentIntercom
}
