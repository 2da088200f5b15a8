package session

import (
	"context"

	"github.com/room4-2/whisper-bridge/credential"
	"github.com/room4-2/whisper-bridge/toolcall"
)

// CredentialIssuer hands out a fresh credential for every session.
type CredentialIssuer interface {
	Issue(ctx context.Context) (credential.Credential, error)
}

// EventSink receives UI-facing updates. Methods are called from the
// controller goroutine, except AssistantAudio which comes straight from the
// transport, and must not block.
type EventSink interface {
	StatusChanged(status Status)
	DisplayTextChanged(text string)
	ConversationItemAdded(item ConversationItem)
	WakeWordActivated()
	ToolCallCompleted(outcome toolcall.Outcome)
	AssistantAudio(chunk []byte, mimeType string)
}

// Recorder persists session history. Calls must not block.
type Recorder interface {
	RecordState(sessionID, state string)
	RecordItem(sessionID, role, content string)
}

type nopSink struct{}

func (nopSink) StatusChanged(Status)                   {}
func (nopSink) DisplayTextChanged(string)              {}
func (nopSink) ConversationItemAdded(ConversationItem) {}
func (nopSink) WakeWordActivated()                     {}
func (nopSink) ToolCallCompleted(toolcall.Outcome)     {}
func (nopSink) AssistantAudio([]byte, string)          {}

type nopRecorder struct{}

func (nopRecorder) RecordState(string, string)        {}
func (nopRecorder) RecordItem(string, string, string) {}
