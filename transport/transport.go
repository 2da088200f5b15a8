// Package transport defines the port between the session controller and a
// concrete connection to the speech service.
package transport

import (
	"context"
	"errors"

	"github.com/room4-2/whisper-bridge/realtime"
)

// ErrClosed is returned by Send after Close or a remote hang-up.
var ErrClosed = errors.New("transport closed")

// Handler receives transport callbacks. Calls may come from any goroutine;
// implementations hand them off rather than doing work inline.
type Handler interface {
	// OnOpen fires once when the control channel is ready for traffic.
	OnOpen()
	OnEvent(ev realtime.ServerEvent)
	// OnAudio delivers one chunk of remote audio.
	OnAudio(chunk []byte, mimeType string)
	// OnClose fires at most once. err is nil for an orderly close.
	OnClose(err error)
}

// AudioSource yields captured microphone audio. Next blocks until a chunk is
// available or ctx is done.
type AudioSource interface {
	Next(ctx context.Context) ([]byte, error)
}

// Transport is one connection attempt to the speech service.
type Transport interface {
	// Connect performs the handshake using token as bearer authorization.
	// It returns once the answer has been applied; OnOpen follows when the
	// control channel opens.
	Connect(ctx context.Context, token string) error
	// Send writes one event on the control channel.
	Send(ev realtime.ClientEvent) error
	// Close tears the connection down. It is idempotent.
	Close() error
}

// Dialer builds transports. audio is nil when no microphone is attached.
type Dialer interface {
	NewTransport(h Handler, audio AudioSource) Transport
}
