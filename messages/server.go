package messages

import "github.com/room4-2/whisper-bridge/bridgeerr"

// Error codes
const (
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeSessionFailed  = "SESSION_FAILED"
	ErrCodeCredential     = "CREDENTIAL_ERROR"
	ErrCodeHandshake      = "HANDSHAKE_ERROR"
	ErrCodeToolCall       = "TOOL_CALL_ERROR"
	ErrCodePermission     = "PERMISSION_ERROR"
	ErrCodeBufferFull     = "BUFFER_FULL"
	ErrCodeSessionBusy    = "SESSION_BUSY"
)

// Message types
const (
	TypeAudio     = "audio"
	TypeStatus    = "status"
	TypeDisplay   = "display"
	TypeItem      = "item"
	TypeActivated = "activated"
	TypeTool      = "tool"
	TypeError     = "error"
	TypePong      = "pong"
)

// ServerMessage represents a message sent to the UI client
type ServerMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Payload   interface{} `json:"payload"`
}

// AudioResponsePayload contains assistant audio for the client
type AudioResponsePayload struct {
	Data     string `json:"data"` // Base64-encoded
	MimeType string `json:"mimeType"`
}

// StatusPayload mirrors the session status
type StatusPayload struct {
	State        string `json:"state"`
	Message      string `json:"message"`
	IsRecording  bool   `json:"isRecording"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Pending      bool   `json:"pending"`
	WakeEnabled  bool   `json:"wakeEnabled"`
}

// DisplayPayload is the live transcript text
type DisplayPayload struct {
	Text string `json:"text"`
}

// ItemPayload is one conversation log entry
type ItemPayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolPayload reports a finished tool call
type ToolPayload struct {
	CallID  string `json:"callId"`
	Name    string `json:"name"`
	Outcome string `json:"outcome"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewAudioMessage creates an audio response message
func NewAudioMessage(sessionID, data, mimeType string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeAudio,
		SessionID: sessionID,
		Payload:   AudioResponsePayload{Data: data, MimeType: mimeType},
	}
}

// NewStatusMessage creates a status message
func NewStatusMessage(sessionID string, status StatusPayload) *ServerMessage {
	return &ServerMessage{Type: TypeStatus, SessionID: sessionID, Payload: status}
}

func NewDisplayMessage(text string) *ServerMessage {
	return &ServerMessage{Type: TypeDisplay, Payload: DisplayPayload{Text: text}}
}

func NewItemMessage(sessionID, role, content string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeItem,
		SessionID: sessionID,
		Payload:   ItemPayload{Role: role, Content: content},
	}
}

func NewActivatedMessage() *ServerMessage {
	return &ServerMessage{Type: TypeActivated, Payload: struct{}{}}
}

func NewToolMessage(callID, name, outcome string) *ServerMessage {
	return &ServerMessage{
		Type:    TypeTool,
		Payload: ToolPayload{CallID: callID, Name: name, Outcome: outcome},
	}
}

func NewPongMessage() *ServerMessage {
	return &ServerMessage{Type: TypePong, Payload: struct{}{}}
}

// NewErrorMessage creates an error message
func NewErrorMessage(sessionID, code, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeError,
		SessionID: sessionID,
		Payload:   ErrorPayload{Code: code, Message: message},
	}
}

// ErrorCode maps a classified bridge error to its wire code.
func ErrorCode(err error) string {
	kind, ok := bridgeerr.KindOf(err)
	if !ok {
		return ErrCodeSessionFailed
	}
	switch kind {
	case bridgeerr.KindCredential:
		return ErrCodeCredential
	case bridgeerr.KindHandshake:
		return ErrCodeHandshake
	case bridgeerr.KindToolCall:
		return ErrCodeToolCall
	case bridgeerr.KindPermission:
		return ErrCodePermission
	default:
		return ErrCodeSessionFailed
	}
}
