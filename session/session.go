package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/room4-2/whisper-bridge/credential"
	"github.com/room4-2/whisper-bridge/realtime"
	"github.com/room4-2/whisper-bridge/toolcall"
	"github.com/room4-2/whisper-bridge/transport"
)

// Session is one voice conversation. Everything except live is owned by the
// controller goroutine.
type Session struct {
	ID        string
	StartedAt time.Time

	log        zerolog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	credential credential.Credential
	transport  transport.Transport
	proxy      *toolcall.Proxy
	audio      *AudioBuffer

	handshakeTimer *time.Timer
	idleTimer      *time.Timer
	lastActivity   time.Time

	// early holds events that arrived before the channel reported open.
	early []realtime.ServerEvent

	// live is read by transport goroutines to drop remote audio after teardown.
	live     atomic.Bool
	torndown bool
}

func newSession(id string, log zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		StartedAt: time.Now(),
		log:       log.With().Str("session", shortID(id)).Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.live.Store(true)
	return s
}

// teardown releases everything the session holds and returns the transport,
// which the caller closes. It is idempotent; later calls return nil.
func (s *Session) teardown() transport.Transport {
	if s.torndown {
		return nil
	}
	s.torndown = true
	s.live.Store(false)

	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.cancel()

	if s.proxy != nil {
		s.proxy.Shutdown()
	}
	if s.audio != nil {
		if n := s.audio.Size(); n > 0 {
			s.log.Debug().Int("bytes", n).Msg("dropping buffered audio")
		}
		s.audio.Close()
	}

	s.credential = credential.Credential{}
	tr := s.transport
	s.transport = nil
	return tr
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
