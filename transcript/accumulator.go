// Package transcript merges partial and final speech fragments into display text.
package transcript

import "sync"

// State is a snapshot of the accumulated transcript.
type State struct {
	FinalizedText string
	CurrentText   string
}

// DisplayText is the committed text followed by the latest partial.
func (s State) DisplayText() string {
	return s.FinalizedText + s.CurrentText
}

// Accumulator is safe for concurrent use; updates are serialized.
type Accumulator struct {
	mu    sync.Mutex
	state State
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// OnFragment applies one fragment and returns the resulting state.
// A final is appended to the committed text with a trailing space and
// clears the partial; a partial replaces the previous partial.
func (a *Accumulator) OnFragment(text string, isFinal bool) State {
	a.mu.Lock()
	defer a.mu.Unlock()

	if isFinal {
		a.state.FinalizedText += text + " "
		a.state.CurrentText = ""
	} else {
		a.state.CurrentText = text
	}
	return a.state
}

// State returns the current snapshot.
func (a *Accumulator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// DisplayText returns the text the UI should render.
func (a *Accumulator) DisplayText() string {
	return a.State().DisplayText()
}

// Clear resets both fields.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = State{}
}
