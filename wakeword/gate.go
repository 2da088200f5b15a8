// Package wakeword detects a spoken activation phrase in a live transcript stream.
package wakeword

import (
	"strings"
	"sync"
	"unicode"
)

// DefaultPhrase is the activation phrase used when none is configured.
const DefaultPhrase = "hey whisper"

// DefaultWindow bounds the rolling window, in runes.
const DefaultWindow = 256

// Gate watches transcript fragments for the activation phrase.
//
// Finals are committed to the window, partials replace the uncommitted tail.
// A match clears the window, and the remainder of the utterance that produced
// it is ignored until the next final, so a partial repeating the phrase cannot
// re-trigger.
type Gate struct {
	mu sync.Mutex

	phrase    string
	maxRunes  int
	enabled   bool
	committed string
	tail      string
	// suppressed is set after a match on a partial and lifted by the next final.
	suppressed bool
}

// NewGate builds a gate for phrase. A blank phrase falls back to DefaultPhrase
// and a non-positive window to DefaultWindow.
func NewGate(phrase string, window int, enabled bool) *Gate {
	p := Normalize(phrase)
	if p == "" {
		p = DefaultPhrase
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if n := len([]rune(p)); window < n {
		window = n
	}
	return &Gate{phrase: p, maxRunes: window, enabled: enabled}
}

// Phrase returns the normalized activation phrase.
func (g *Gate) Phrase() string {
	return g.phrase
}

// Enabled reports whether detection is on.
func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// SetEnabled toggles detection. The window is cleared on every call so a
// stale partial cannot match right after a transition.
func (g *Gate) SetEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = enabled
	g.resetLocked()
}

// Reset clears the window.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
}

// window returns the current normalized window contents.
func (g *Gate) window() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.windowLocked()
}

// OnTranscriptUpdate feeds one fragment and reports whether it activated the gate.
func (g *Gate) OnTranscriptUpdate(fragment string, isFinal bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.enabled {
		return false
	}

	if g.suppressed {
		if isFinal {
			g.suppressed = false
		}
		return false
	}

	norm := Normalize(fragment)
	if isFinal {
		g.committed = joinWords(g.committed, norm)
		g.tail = ""
	} else {
		g.tail = norm
	}
	g.trimLocked()

	if !strings.Contains(g.windowLocked(), g.phrase) {
		return false
	}

	g.resetLocked()
	g.suppressed = !isFinal
	return true
}

func (g *Gate) resetLocked() {
	g.committed = ""
	g.tail = ""
	g.suppressed = false
}

func (g *Gate) windowLocked() string {
	return joinWords(g.committed, g.tail)
}

// trimLocked drops the oldest committed runes once the window overflows.
func (g *Gate) trimLocked() {
	tailRunes := []rune(g.tail)
	if len(tailRunes) >= g.maxRunes {
		g.committed = ""
		g.tail = string(tailRunes[len(tailRunes)-g.maxRunes:])
		return
	}
	budget := g.maxRunes - len(tailRunes)
	if g.tail != "" && g.committed != "" {
		budget-- // joining space
	}
	committed := []rune(g.committed)
	if len(committed) > budget {
		if budget <= 0 {
			g.committed = ""
			return
		}
		g.committed = strings.TrimLeft(string(committed[len(committed)-budget:]), " ")
	}
}

func joinWords(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}

// Normalize lowercases s, replaces ',' and '.' with spaces and collapses
// whitespace runs into single spaces.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		if r == ',' || r == '.' || unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
