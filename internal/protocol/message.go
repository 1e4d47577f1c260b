// Package protocol defines the wire message envelope exchanged between
// the CLI host and the mobile client over the relay channel.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types carried in the envelope.
const (
	TypeChat               = "chat"
	TypeAgentResponse      = "agent_response"
	TypeSessionState       = "session_state"
	TypePermissionRequest  = "permission_request"
	TypePermissionResponse = "permission_response"
	TypeCommand            = "command"
	TypeCostUpdate         = "cost_update"
	TypeAck                = "ack"
)

// Sender types.
const (
	SenderCLI    = "cli"
	SenderMobile = "mobile"
)

// Command names carried in a TypeCommand payload.
const (
	CommandCancel     = "cancel"
	CommandInterrupt  = "interrupt"
	CommandEndSession = "end_session"
	CommandPing       = "ping"
)

// Session states carried in a TypeSessionState payload.
const (
	StateThinking  = "thinking"
	StateExecuting = "executing"
	StateIdle      = "idle"
	StateError     = "error"
)

// Record kinds inside an agent_response payload.
const (
	RecordToolCall       = "tool-call"
	RecordToolResult     = "tool-result"
	RecordFSEdit         = "fs-edit"
	RecordTerminalOutput = "terminal-output"
)

// Message is the wire envelope. It is immutable once constructed; the
// id, timestamp, and sender fields are injected by the sender's
// connection manager, never supplied by the caller.
type Message struct {
	ID             string          `json:"id"`
	Timestamp      string          `json:"timestamp"` // ISO-8601
	Type           string          `json:"type"`
	SenderDeviceID string          `json:"sender_device_id"`
	SenderType     string          `json:"sender_type"` // cli|mobile
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Validate checks that the envelope fields are well-formed.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if !validType(m.Type) {
		return fmt.Errorf("unknown message type: %q", m.Type)
	}
	if m.SenderType != SenderCLI && m.SenderType != SenderMobile {
		return fmt.Errorf("unknown sender type: %q", m.SenderType)
	}
	if m.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, m.Timestamp); err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
	}
	return nil
}

func validType(t string) bool {
	switch t {
	case TypeChat, TypeAgentResponse, TypeSessionState, TypePermissionRequest,
		TypePermissionResponse, TypeCommand, TypeCostUpdate, TypeAck:
		return true
	}
	return false
}

// ChatPayload carries a prompt from the mobile client to the agent.
type ChatPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

// AgentResponsePayload carries agent output to the mobile client. For
// streamed model output either IsStreaming or IsComplete is set; for
// structured records the Record field carries a typed entry.
type AgentResponsePayload struct {
	SessionID   string          `json:"session_id,omitempty"`
	Text        string          `json:"text,omitempty"`
	IsStreaming bool            `json:"isStreaming,omitempty"`
	IsComplete  bool            `json:"isComplete,omitempty"`
	Record      *ResponseRecord `json:"record,omitempty"`
}

// ResponseRecord is a structured entry inside an agent_response:
// a tool call, tool result, filesystem edit, or terminal output.
type ResponseRecord struct {
	Type     string          `json:"type"`
	ToolName string          `json:"toolName,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Content  string          `json:"content,omitempty"`
	Path     string          `json:"path,omitempty"`
}

// SessionStatePayload announces the agent's current state.
type SessionStatePayload struct {
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state"`
	Detail    string `json:"detail,omitempty"`
}

// PermissionRequestPayload asks the mobile user to approve a tool use.
type PermissionRequestPayload struct {
	SessionID string          `json:"session_id,omitempty"`
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"toolName"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// PermissionResponsePayload carries the user's decision back.
type PermissionResponsePayload struct {
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

// CommandPayload carries a control command from the mobile client.
type CommandPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Command   string `json:"command"`
}

// CostUpdatePayload reports accumulated usage cost for a session.
type CostUpdatePayload struct {
	SessionID string  `json:"session_id,omitempty"`
	USD       float64 `json:"usd"`
	Tokens    int64   `json:"tokens,omitempty"`
}

// EncryptedPayload replaces a plaintext payload when end-to-end
// encryption is active.
type EncryptedPayload struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// IsEncrypted reports whether a raw payload is an encrypted envelope.
func IsEncrypted(payload json.RawMessage) bool {
	if len(payload) == 0 {
		return false
	}
	var probe struct {
		Ciphertext []byte `json:"ciphertext"`
		Nonce      []byte `json:"nonce"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return len(probe.Ciphertext) > 0 && len(probe.Nonce) > 0
}

// MarshalPayload encodes a typed payload into the raw form used by the
// envelope.
func MarshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// UnmarshalPayload decodes a raw payload into a typed struct.
func UnmarshalPayload(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
