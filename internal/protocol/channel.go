package protocol

import "encoding/json"

// Channel frame types. These are the frames exchanged with the hosted
// channel service itself, wrapping the end-to-end Message envelopes.
const (
	FrameSubscribe = "subscribe"
	FramePublish   = "publish"
	FrameAck       = "ack"
	FramePresence  = "presence"
	FrameMessage   = "message"
	FrameError     = "error"
)

// Presence events.
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// Device types in presence payloads.
const (
	DeviceCLI    = "cli"
	DeviceMobile = "mobile"
)

// ChannelFrame is the transport-level frame on the channel websocket.
type ChannelFrame struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	Event    string          `json:"event,omitempty"` // presence: join|leave
	Presence *PresenceInfo   `json:"presence,omitempty"`
	Message  *Message        `json:"message,omitempty"`
	Error    string          `json:"error,omitempty"`
	Extra    json.RawMessage `json:"extra,omitempty"`
}

// PresenceInfo describes a peer currently subscribed to the channel.
// It is ephemeral: it exists only while the peer is subscribed and is
// never persisted.
type PresenceInfo struct {
	DeviceID    string `json:"device_id"`
	DeviceType  string `json:"device_type"` // cli|mobile
	Platform    string `json:"platform,omitempty"`
	ActiveAgent string `json:"active_agent,omitempty"`
}
