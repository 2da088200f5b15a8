package server

import (
	"encoding/base64"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"github.com/room4-2/whisper-bridge/messages"
	"github.com/room4-2/whisper-bridge/session"
	"github.com/room4-2/whisper-bridge/toolcall"
)

// Hub fans controller events out to every connected UI client. It implements
// session.EventSink; none of its methods block on a slow client.
type Hub struct {
	log zerolog.Logger

	mu        sync.RWMutex
	clients   map[*client]struct{}
	sessionID string
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		log:     logger.With().Str("component", "hub").Logger(),
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ClientCount returns the number of connected UI clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) broadcast(msg *messages.ServerMessage) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", msg.Type).Msg("❌ Failed to encode message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.queue(data)
	}
}

func (h *Hub) currentSession() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessionID
}

func statusMessage(st session.Status) *messages.ServerMessage {
	return messages.NewStatusMessage(st.SessionID, messages.StatusPayload{
		State:        st.State.String(),
		Message:      st.Message,
		IsRecording:  st.IsRecording,
		ErrorMessage: st.ErrorMessage,
		Pending:      st.Pending,
		WakeEnabled:  st.WakeEnabled,
	})
}

func (h *Hub) StatusChanged(st session.Status) {
	h.mu.Lock()
	h.sessionID = st.SessionID
	h.mu.Unlock()

	h.broadcast(statusMessage(st))
	if st.State == session.StateFailed && st.Err != nil {
		h.broadcast(messages.NewErrorMessage(st.SessionID, messages.ErrorCode(st.Err), st.ErrorMessage))
	}
}

func (h *Hub) DisplayTextChanged(text string) {
	h.broadcast(messages.NewDisplayMessage(text))
}

func (h *Hub) ConversationItemAdded(item session.ConversationItem) {
	h.broadcast(messages.NewItemMessage(item.SessionID, item.Role, item.Content))
}

func (h *Hub) WakeWordActivated() {
	h.broadcast(messages.NewActivatedMessage())
}

func (h *Hub) ToolCallCompleted(out toolcall.Outcome) {
	h.broadcast(messages.NewToolMessage(out.CallID, out.Name, string(out.Kind)))
}

func (h *Hub) AssistantAudio(chunk []byte, mimeType string) {
	h.broadcast(messages.NewAudioMessage(h.currentSession(), base64.StdEncoding.EncodeToString(chunk), mimeType))
}
