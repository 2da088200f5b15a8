package session

import (
	"sync"
	"time"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ConversationItem is one entry of the transcript log shown to the user.
type ConversationItem struct {
	SessionID string
	Role      string
	Content   string
	At        time.Time
}

// conversationLog is append-only and safe for concurrent readers.
type conversationLog struct {
	mu    sync.RWMutex
	items []ConversationItem
}

func (l *conversationLog) append(item ConversationItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, item)
}

func (l *conversationLog) snapshot() []ConversationItem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ConversationItem, len(l.items))
	copy(out, l.items)
	return out
}
