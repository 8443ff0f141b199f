package domain

import (
	"encoding/json"
	"time"
)

// ChannelStatus is the connection status of the push log channel.
type ChannelStatus string

// ChannelStatus values.
const (
	ChannelConnecting   ChannelStatus = "connecting"
	ChannelConnected    ChannelStatus = "connected"
	ChannelDisconnected ChannelStatus = "disconnected"
	ChannelError        ChannelStatus = "error"
)

// ChannelState is a snapshot of the transport's connection state. Attempt
// counts consecutive failed connection attempts and resets to 0 on every
// successful connect.
type ChannelState struct {
	Status          ChannelStatus
	Attempt         int
	LastHeartbeatAt time.Time
}

// Envelope is the wire format of the deployment log websocket. Every frame,
// in either direction, is one UTF-8 JSON envelope.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Envelope types recognized on the deployment log websocket.
const (
	EnvelopeConnected       = "connected"
	EnvelopeLog             = "log"
	EnvelopeStatus          = "status"
	EnvelopeError           = "error"
	EnvelopePing            = "ping"
	EnvelopePong            = "pong"
	EnvelopeCommand         = "command"
	EnvelopeCommandReceived = "command_received"
	EnvelopeGetStatus       = "get_status"
)
