// Package protocol defines the WebSocket message types exchanged between
// the bridge and an OpenClaw gateway. All messages are JSON-encoded and
// wrapped in an Envelope for uniform routing.
//
// The exact schema spoken by real gateways is still settling; keeping every
// frame shape in this one package means a wire change touches nothing
// outside it.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subprotocol is the WebSocket subprotocol negotiated with gateways.
const Subprotocol = "openclaw-bridge-v1"

// MessageType identifies the kind of message in the bridge protocol.
type MessageType string

const (
	// Gateway → Bridge
	MsgSessionCreated   MessageType = "session.created"
	MsgSessionUpdated   MessageType = "session.updated"
	MsgSessionClosed    MessageType = "session.closed"
	MsgChatEvent        MessageType = "chat.event"
	MsgChatAck          MessageType = "chat.ack"
	MsgSessionsSnapshot MessageType = "sessions.snapshot"
	MsgAgentsSnapshot   MessageType = "agents.snapshot"
	MsgFileEntry        MessageType = "files.entry"
	MsgPong             MessageType = "gateway.pong"
	MsgAck              MessageType = "ack" // Generic command acknowledgement.

	// Bridge → Gateway
	MsgChatSend     MessageType = "chat.send"
	MsgSessionsList MessageType = "sessions.list"
	MsgAgentsList   MessageType = "agents.list"
	MsgFileGet      MessageType = "files.get"
	MsgTemplatePush MessageType = "templates.push"
	MsgSessionReset MessageType = "session.reset"
	MsgTokenRotate  MessageType = "tokens.rotate"
	MsgBootstrap    MessageType = "agent.bootstrap"
	MsgPing         MessageType = "gateway.ping"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level wrapper for every frame on the gateway socket.
// ID correlates a request with its response; SessionID routes chat frames
// to the owning session.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// SessionRef carries a session identifier under either the current
// `session_id` key or the legacy `id` key. Gateways predating the key
// rename still emit the latter; Key resolves both to one canonical value.
type SessionRef struct {
	SessionID string `json:"session_id,omitempty"`
	LegacyID  string `json:"id,omitempty"`
}

// Key returns the canonical session identifier, preferring session_id
// over the legacy id field.
func (r SessionRef) Key() string {
	if r.SessionID != "" {
		return r.SessionID
	}
	return r.LegacyID
}

// --- Gateway → Bridge payloads ---

// SessionLifecycle is the payload of session.created/updated/closed frames.
type SessionLifecycle struct {
	SessionRef
	Role         string    `json:"role,omitempty"` // "main" or "agent".
	AgentID      string    `json:"agent_id,omitempty"`
	Status       string    `json:"status,omitempty"` // "active", "idle", "closed".
	Label        string    `json:"label,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// ChatEvent is the payload of chat.event frames: one entry for a
// session's history log.
type ChatEvent struct {
	SessionRef
	EventType string          `json:"event_type"` // Free-form: "message", "tool-call", "system", ...
	Content   json.RawMessage `json:"content"`
	Sender    string          `json:"sender,omitempty"`
}

// ChatAckPayload confirms the gateway accepted an outbound chat.send.
// Acceptance means delivery to the gateway, not agent processing.
type ChatAckPayload struct {
	MessageID string `json:"message_id"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}

// AckPayload confirms a command frame (templates.push, session.reset,
// tokens.rotate, agent.bootstrap). Failed commands arrive as error
// frames instead, so OK is informational.
type AckPayload struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// SessionsSnapshotPayload is the authoritative session listing returned
// for a sessions.list request.
type SessionsSnapshotPayload struct {
	Sessions []SessionLifecycle `json:"sessions"`
}

// AgentsSnapshotPayload answers an agents.list request. DefaultID names
// the gateway's primary agent when the gateway designates one.
type AgentsSnapshotPayload struct {
	DefaultID string      `json:"default_id,omitempty"`
	Agents    []AgentInfo `json:"agents"`
}

// AgentInfo describes one agent known to the gateway.
type AgentInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	BoardID string `json:"board_id,omitempty"`
	Lead    bool   `json:"lead,omitempty"`
}

// FileEntryPayload answers a files.get request.
type FileEntryPayload struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Found   bool   `json:"found"`
}

// --- Bridge → Gateway payloads ---

// ChatSendPayload carries an operator-authored message to a session.
type ChatSendPayload struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// FileGetPayload requests one agent-scoped file from the gateway.
type FileGetPayload struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

// TemplatePushPayload pushes template content to one agent.
type TemplatePushPayload struct {
	AgentID   string            `json:"agent_id"`
	Templates map[string]string `json:"templates"` // file name → content
	AuthToken string            `json:"auth_token,omitempty"`
	Overwrite bool              `json:"overwrite"` // Also overwrite user/memory files.
}

// SessionResetPayload asks the gateway to tear down and recreate a
// session, addressed by session ID or by owning agent.
type SessionResetPayload struct {
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// TokenRotatePayload installs a freshly minted auth token for an agent.
type TokenRotatePayload struct {
	AgentID   string `json:"agent_id"`
	AuthToken string `json:"auth_token"`
}

// BootstrapPayload forces an agent through its bootstrap cycle, even if
// it already completed one.
type BootstrapPayload struct {
	AgentID string `json:"agent_id"`
	Force   bool   `json:"force"`
}

// ErrorPayload is sent with MsgError for protocol-level errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
