// Package realtime models the JSON events exchanged with the speech service
// over the session's control channel.
package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Outbound event types.
const (
	TypeSessionUpdate          = "session.update"
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
)

// Conversation item types and roles.
const (
	ItemMessage            = "message"
	ItemFunctionCallOutput = "function_call_output"

	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"

	ContentInputText = "input_text"
)

// ClientEvent is an event sent to the speech service.
type ClientEvent interface {
	EventType() string
}

// SessionConfig is the body of a session.update.
type SessionConfig struct {
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	Tools                   []Tool                   `json:"tools,omitempty"`
	ToolChoice              string                   `json:"tool_choice,omitempty"`
}

type InputAudioTranscription struct {
	Model string `json:"model"`
}

// Tool advertises a callable function to the speech model.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

func (e SessionUpdate) EventType() string { return TypeSessionUpdate }

// NewSessionUpdate builds a session.update enabling input transcription with
// the given model. An empty model leaves transcription unset.
func NewSessionUpdate(transcriptionModel, instructions string, tools []Tool) SessionUpdate {
	cfg := SessionConfig{Instructions: instructions, Tools: tools}
	if transcriptionModel != "" {
		cfg.InputAudioTranscription = &InputAudioTranscription{Model: transcriptionModel}
	}
	if len(tools) > 0 {
		cfg.ToolChoice = "auto"
	}
	return SessionUpdate{Type: TypeSessionUpdate, Session: cfg}
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Item is a conversation item. Message items carry Role and Content, function
// call outputs carry CallID and Output.
type Item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type ConversationItemCreate struct {
	Type string `json:"type"`
	Item Item   `json:"item"`
}

func (e ConversationItemCreate) EventType() string { return TypeConversationItemCreate }

// NewUserMessage wraps text as a user conversation item.
func NewUserMessage(text string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: Item{
			Type:    ItemMessage,
			Role:    RoleUser,
			Content: []ContentPart{{Type: ContentInputText, Text: text}},
		},
	}
}

// NewFunctionCallOutput returns the result of callID to the model. output is
// already JSON encoded.
func NewFunctionCallOutput(callID, output string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: Item{
			Type:   ItemFunctionCallOutput,
			CallID: callID,
			Output: output,
		},
	}
}

type ResponseCreate struct {
	Type string `json:"type"`
}

func (e ResponseCreate) EventType() string { return TypeResponseCreate }

func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: TypeResponseCreate}
}

// Encode serializes a client event for the control channel.
func Encode(ev ClientEvent) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("encode: nil event")
	}
	data, err := sonic.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return data, nil
}
