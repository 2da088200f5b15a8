package messages

import "encoding/json"

// Client message types
const (
	TypeControl    = "control"
	TypeMessage    = "message"
	TypeTranscript = "transcript"
	TypeWake       = "wake"
	TypePermission = "permission"
)

// Control actions
const (
	ActionStart = "start"
	ActionStop  = "stop"
	ActionPing  = "ping"
	ActionClear = "clear"
)

// ClientMessage represents a message from the UI client
type ClientMessage struct {
	Type    string          `json:"type"` // "control", "message", "transcript", "wake", "permission", "audio"
	Payload json.RawMessage `json:"payload"`
}

// AudioPayload contains audio data from client
type AudioPayload struct {
	Data string `json:"data"` // Base64-encoded captured audio
}

// ControlPayload contains control commands
type ControlPayload struct {
	Action string `json:"action"` // "start", "stop", "ping", "clear"
}

// MessagePayload is a typed user message for the assistant.
type MessagePayload struct {
	Text string `json:"text"`
}

// TranscriptPayload carries one local speech-recognition fragment.
type TranscriptPayload struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

// WakePayload toggles hands-free activation.
type WakePayload struct {
	Enabled bool `json:"enabled"`
}

// PermissionPayload reports the UI's capture permission.
type PermissionPayload struct {
	Microphone bool `json:"microphone"`
}
