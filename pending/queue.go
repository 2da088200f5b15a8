// Package pending holds a user message typed before the speech session is ready.
package pending

import (
	"strings"
	"sync"
)

// EnqueueResult says what happened to the slot on Enqueue.
type EnqueueResult int

const (
	// EnqueueStored filled an empty slot.
	EnqueueStored EnqueueResult = iota
	// EnqueueReplaced overwrote a message that was still waiting.
	EnqueueReplaced
	// EnqueueIgnored means the text was blank and the slot is unchanged.
	EnqueueIgnored
)

func (r EnqueueResult) String() string {
	switch r {
	case EnqueueStored:
		return "stored"
	case EnqueueReplaced:
		return "replaced"
	case EnqueueIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Queue is a single-slot message holder. A second message overwrites the
// first: only the latest text is delivered.
type Queue struct {
	mu   sync.Mutex
	text string
	full bool
}

func New() *Queue {
	return &Queue{}
}

// Enqueue stores text in the slot.
func (q *Queue) Enqueue(text string) EnqueueResult {
	if strings.TrimSpace(text) == "" {
		return EnqueueIgnored
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	res := EnqueueStored
	if q.full {
		res = EnqueueReplaced
	}
	q.text = text
	q.full = true
	return res
}

// Take empties the slot and returns what it held. The second return is false
// when the slot was empty, so a message is handed out at most once.
func (q *Queue) Take() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.full {
		return "", false
	}
	text := q.text
	q.text = ""
	q.full = false
	return text, true
}

// peek returns the waiting message without removing it.
func (q *Queue) peek() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.text, q.full
}

// Pending reports whether a message is waiting.
func (q *Queue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.full
}

// Clear drops the waiting message, if any.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.text = ""
	q.full = false
}
