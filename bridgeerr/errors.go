// Package bridgeerr defines the failure taxonomy surfaced by the voice bridge.
//
// Every error that reaches the UI is rendered through Status, which produces the
// human-readable status line shown under the transcript.
package bridgeerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a bridge failure.
type Kind string

const (
	KindCredential Kind = "credential"
	KindHandshake  Kind = "handshake"
	KindToolCall   Kind = "tool_call"
	KindPermission Kind = "permission"
)

// Error is a classified bridge failure.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "issue credential"
	Message string // human-readable detail, safe to show in the UI
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		if e.Message != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Credential reports a failed or expired credential issuance.
func Credential(message string, err error) *Error {
	return &Error{Kind: KindCredential, Op: "issue credential", Message: message, Err: err}
}

// Handshake reports a failed signaling handshake or transport setup.
func Handshake(message string, err error) *Error {
	return &Error{Kind: KindHandshake, Op: "handshake", Message: message, Err: err}
}

// ToolCall reports a network failure or JSON-RPC error from the tool service.
func ToolCall(message string, err error) *Error {
	return &Error{Kind: KindToolCall, Op: "tool call", Message: message, Err: err}
}

// Permission reports denied microphone or speech access.
func Permission(message string) *Error {
	return &Error{Kind: KindPermission, Op: "permission", Message: message}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var bErr *Error
	if errors.As(err, &bErr) && bErr != nil {
		return bErr.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Status renders err as the UI status line.
func Status(err error) string {
	if err == nil {
		return ""
	}
	var bErr *Error
	if errors.As(err, &bErr) && bErr != nil {
		msg := bErr.Message
		if msg == "" && bErr.Err != nil {
			msg = bErr.Err.Error()
		}
		return fmt.Sprintf("Error: %s", msg)
	}
	return fmt.Sprintf("Error: %s", err.Error())
}
