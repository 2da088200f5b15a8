package gemini

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"google.golang.org/genai"

	"github.com/room4-2/whisper-bridge/realtime"
)

// AudioMimeType is the format of audio produced by the Live API.
const AudioMimeType = "audio/pcm;rate=24000"

// inbound is what one Live server message turns into.
type inbound struct {
	opened bool
	events []realtime.ServerEvent
	audio  [][]byte
}

// translator maps Live messages onto realtime events and back. It keeps the
// running transcription for each side and the tool name of every open call.
type translator struct {
	mu        sync.Mutex
	userText  strings.Builder
	modelText strings.Builder
	calls     map[string]string
	callSeq   int
}

func newTranslator() *translator {
	return &translator{calls: make(map[string]string)}
}

func (tr *translator) inbound(msg *genai.LiveServerMessage) inbound {
	var out inbound
	if msg == nil {
		return out
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if msg.SetupComplete != nil {
		out.opened = true
		out.events = append(out.events, realtime.SessionUpdated{Created: true})
	}

	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			if fc == nil {
				continue
			}
			callID := fc.ID
			if callID == "" {
				tr.callSeq++
				callID = fmt.Sprintf("gemini-call-%d", tr.callSeq)
			}
			tr.calls[callID] = fc.Name
			args := "{}"
			if len(fc.Args) > 0 {
				if encoded, err := sonic.MarshalString(fc.Args); err == nil {
					args = encoded
				}
			}
			out.events = append(out.events, realtime.ToolCallRequested{CallID: callID, Name: fc.Name, Arguments: args})
		}
	}

	sc := msg.ServerContent
	if sc == nil {
		return out
	}

	if t := sc.InputTranscription; t != nil {
		out.events = append(out.events, tr.transcription(&tr.userText, realtime.RoleUser, t.Text, t.Finished)...)
	}
	if t := sc.OutputTranscription; t != nil {
		out.events = append(out.events, tr.transcription(&tr.modelText, realtime.RoleAssistant, t.Text, t.Finished)...)
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				out.audio = append(out.audio, part.InlineData.Data)
			}
		}
	}

	if sc.TurnComplete || sc.Interrupted {
		out.events = append(out.events, tr.flush(&tr.userText, realtime.RoleUser)...)
		out.events = append(out.events, tr.flush(&tr.modelText, realtime.RoleAssistant)...)
	}
	return out
}

func (tr *translator) transcription(buf *strings.Builder, role, text string, finished bool) []realtime.ServerEvent {
	var events []realtime.ServerEvent
	if text != "" {
		buf.WriteString(text)
		events = append(events, realtime.TranscriptPartial{Role: role, Text: buf.String()})
	}
	if finished {
		events = append(events, tr.flush(buf, role)...)
	}
	return events
}

func (tr *translator) flush(buf *strings.Builder, role string) []realtime.ServerEvent {
	text := strings.TrimSpace(buf.String())
	buf.Reset()
	if text == "" {
		return nil
	}
	return []realtime.ServerEvent{realtime.TranscriptFinal{Role: role, Text: text}}
}

// outbound action for one client event. Exactly one field is set, or none
// when the event has no Live equivalent.
type outbound struct {
	content  *genai.LiveSendClientContentParameters
	response *genai.LiveToolResponseInput
}

func (tr *translator) outbound(ev realtime.ClientEvent) (outbound, error) {
	switch e := ev.(type) {
	case realtime.ConversationItemCreate:
		switch e.Item.Type {
		case realtime.ItemMessage:
			var text strings.Builder
			for _, c := range e.Item.Content {
				text.WriteString(c.Text)
			}
			turnComplete := true
			return outbound{content: &genai.LiveSendClientContentParameters{
				Turns: []*genai.Content{{
					Role:  "user",
					Parts: []*genai.Part{{Text: text.String()}},
				}},
				TurnComplete: &turnComplete,
			}}, nil
		case realtime.ItemFunctionCallOutput:
			tr.mu.Lock()
			name := tr.calls[e.Item.CallID]
			delete(tr.calls, e.Item.CallID)
			tr.mu.Unlock()
			return outbound{response: &genai.LiveToolResponseInput{
				FunctionResponses: []*genai.FunctionResponse{{
					ID:       e.Item.CallID,
					Name:     name,
					Response: functionResponse(e.Item.Output),
				}},
			}}, nil
		default:
			return outbound{}, fmt.Errorf("unsupported item type %q", e.Item.Type)
		}
	case realtime.SessionUpdate, realtime.ResponseCreate:
		// Live config is fixed at connect and generation follows each turn.
		return outbound{}, nil
	default:
		return outbound{}, fmt.Errorf("unsupported event %s", ev.EventType())
	}
}

// functionResponse wraps a JSON output in the map shape the Live API expects,
// keeping an error object under "error".
func functionResponse(output string) map[string]any {
	var decoded any
	if err := sonic.UnmarshalString(output, &decoded); err != nil {
		return map[string]any{"output": output}
	}
	if m, ok := decoded.(map[string]any); ok {
		if errVal, isErr := m["error"]; isErr && len(m) == 1 {
			return map[string]any{"error": errVal}
		}
	}
	return map[string]any{"output": decoded}
}
