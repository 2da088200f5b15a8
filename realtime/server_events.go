package realtime

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Inbound event types.
const (
	TypeSessionCreated              = "session.created"
	TypeSessionUpdated              = "session.updated"
	TypeFunctionCallArgumentsDone   = "response.function_call_arguments.done"
	TypeAudioTranscriptDone         = "response.audio_transcript.done"
	TypeAudioTranscriptDelta        = "response.audio_transcript.delta"
	TypeInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeInputTranscriptionDelta     = "conversation.item.input_audio_transcription.delta"
	TypeError                       = "error"
)

// ServerEvent is one decoded inbound event. The concrete type is one of
// SessionUpdated, ToolCallRequested, TranscriptFinal, TranscriptPartial,
// ServiceError or Unknown.
type ServerEvent interface {
	serverEvent()
}

// SessionUpdated acknowledges session creation or a configuration update.
type SessionUpdated struct {
	Created bool
}

// ToolCallRequested asks the client to run a function. Arguments is the raw
// JSON argument string as emitted by the model.
type ToolCallRequested struct {
	CallID    string
	Name      string
	Arguments string
}

// TranscriptFinal is a completed utterance. Role is RoleUser for input
// transcription and RoleAssistant for the model's spoken output.
type TranscriptFinal struct {
	Role   string
	ItemID string
	Text   string
}

// TranscriptPartial is an unconfirmed piece of an utterance.
type TranscriptPartial struct {
	Role   string
	ItemID string
	Text   string
}

// ServiceError is an error event raised by the speech service.
type ServiceError struct {
	Code    string
	Message string
}

func (e ServiceError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unknown is any event the bridge does not act on.
type Unknown struct {
	Type string
}

func (SessionUpdated) serverEvent()    {}
func (ToolCallRequested) serverEvent() {}
func (TranscriptFinal) serverEvent()   {}
func (TranscriptPartial) serverEvent() {}
func (ServiceError) serverEvent()      {}
func (Unknown) serverEvent()           {}

type wireEvent struct {
	Type       string     `json:"type"`
	CallID     string     `json:"call_id"`
	Name       string     `json:"name"`
	Arguments  string     `json:"arguments"`
	ItemID     string     `json:"item_id"`
	Transcript string     `json:"transcript"`
	Delta      string     `json:"delta"`
	Error      *wireError `json:"error"`
}

type wireError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decode parses one control-channel message.
func Decode(data []byte) (ServerEvent, error) {
	var w wireEvent
	if err := sonic.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode server event: %w", err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("decode server event: missing type")
	}

	switch w.Type {
	case TypeSessionCreated:
		return SessionUpdated{Created: true}, nil
	case TypeSessionUpdated:
		return SessionUpdated{}, nil
	case TypeFunctionCallArgumentsDone:
		if w.CallID == "" {
			return nil, fmt.Errorf("decode %s: missing call_id", w.Type)
		}
		return ToolCallRequested{CallID: w.CallID, Name: w.Name, Arguments: w.Arguments}, nil
	case TypeAudioTranscriptDone:
		return TranscriptFinal{Role: RoleAssistant, ItemID: w.ItemID, Text: w.Transcript}, nil
	case TypeInputTranscriptionCompleted:
		return TranscriptFinal{Role: RoleUser, ItemID: w.ItemID, Text: w.Transcript}, nil
	case TypeAudioTranscriptDelta:
		return TranscriptPartial{Role: RoleAssistant, ItemID: w.ItemID, Text: w.Delta}, nil
	case TypeInputTranscriptionDelta:
		return TranscriptPartial{Role: RoleUser, ItemID: w.ItemID, Text: w.Delta}, nil
	case TypeError:
		if w.Error == nil {
			return ServiceError{Message: "unspecified service error"}, nil
		}
		code := w.Error.Code
		if code == "" {
			code = w.Error.Type
		}
		return ServiceError{Code: code, Message: w.Error.Message}, nil
	default:
		return Unknown{Type: w.Type}, nil
	}
}
