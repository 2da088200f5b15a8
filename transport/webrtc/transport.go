// Package webrtc connects to the speech service over a WebRTC peer connection
// with an "oai-events" data channel for control traffic.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"github.com/room4-2/whisper-bridge/bridgeerr"
	"github.com/room4-2/whisper-bridge/realtime"
	"github.com/room4-2/whisper-bridge/transport"
)

const (
	// EventsChannel is the data channel label the speech service expects.
	EventsChannel = "oai-events"

	// RemoteAudioMimeType tags RTP payloads forwarded from the remote track.
	RemoteAudioMimeType = "audio/opus"

	sampleDuration = 20 * time.Millisecond
)

// Dialer creates WebRTC transports that share a signaler.
type Dialer struct {
	Signaler   Signaler
	ICEServers []webrtc.ICEServer
	Logger     zerolog.Logger
}

func (d *Dialer) NewTransport(h transport.Handler, audio transport.AudioSource) transport.Transport {
	return newTransport(d.Signaler, d.ICEServers, h, audio, d.Logger)
}

// Transport is a single peer connection.
type Transport struct {
	signaler   Signaler
	iceServers []webrtc.ICEServer
	handler    transport.Handler
	audio      transport.AudioSource
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	closed bool

	openOnce sync.Once
}

func newTransport(s Signaler, ice []webrtc.ICEServer, h transport.Handler, audio transport.AudioSource, log zerolog.Logger) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		signaler:   s,
		iceServers: ice,
		handler:    h,
		audio:      audio,
		log:        log.With().Str("component", "webrtc").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Connect negotiates the peer connection. The data channel opens some time
// after Connect returns.
func (t *Transport) Connect(ctx context.Context, token string) error {
	if err := t.connect(ctx, token); err != nil {
		_ = t.Close()
		return err
	}
	return nil
}

func (t *Transport) connect(ctx context.Context, token string) error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: t.iceServers})
	if err != nil {
		return bridgeerr.Handshake("create peer connection", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = pc.Close()
		return transport.ErrClosed
	}
	t.pc = pc
	t.mu.Unlock()

	var local *webrtc.TrackLocalStaticSample
	if t.audio != nil {
		local, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", "whisper-bridge",
		)
		if err != nil {
			return bridgeerr.Handshake("create local audio track", err)
		}
		if _, err := pc.AddTrack(local); err != nil {
			return bridgeerr.Handshake("attach local audio", err)
		}
	} else {
		_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return bridgeerr.Handshake("add audio transceiver", err)
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.log.Debug().Str("codec", track.Codec().MimeType).Msg("🔈 remote audio track")
		go t.readRemote(track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.log.Debug().Str("state", state.String()).Msg("peer connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed:
			t.finish(bridgeerr.Handshake("peer connection failed", nil))
		case webrtc.PeerConnectionStateClosed:
			t.finish(nil)
		}
	})

	dc, err := pc.CreateDataChannel(EventsChannel, nil)
	if err != nil {
		return bridgeerr.Handshake("create control channel", err)
	}
	dc.OnOpen(func() {
		t.openOnce.Do(func() {
			if local != nil {
				go t.pumpAudio(local)
			}
			t.handler.OnOpen()
		})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		ev, err := realtime.Decode(msg.Data)
		if err != nil {
			t.log.Warn().Err(err).Msg("⚠️ dropping undecodable event")
			return
		}
		t.handler.OnEvent(ev)
	})
	dc.OnClose(func() {
		t.finish(nil)
	})

	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return bridgeerr.Handshake("create offer", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return bridgeerr.Handshake("set local description", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	answer, err := t.signaler.Exchange(ctx, token, pc.LocalDescription().SDP)
	if err != nil {
		return err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return bridgeerr.Handshake("malformed answer", err)
	}
	return nil
}

// Send writes ev as a text message on the control channel.
func (t *Transport) Send(ev realtime.ClientEvent) error {
	data, err := realtime.Encode(ev)
	if err != nil {
		return err
	}

	t.mu.Lock()
	dc, closed := t.dc, t.closed
	t.mu.Unlock()
	if closed || dc == nil {
		return transport.ErrClosed
	}
	if err := dc.SendText(string(data)); err != nil {
		return fmt.Errorf("send %s: %w", ev.EventType(), err)
	}
	return nil
}

// Close releases the peer connection without reporting OnClose.
func (t *Transport) Close() error {
	pc := t.teardown()
	if pc == nil {
		return nil
	}
	if err := pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

// teardown marks the transport closed and returns the connection still to
// be closed, or nil if that already happened.
func (t *Transport) teardown() *webrtc.PeerConnection {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.cancel()
	pc := t.pc
	t.pc = nil
	return pc
}

// finish handles a remote or connection-level close.
func (t *Transport) finish(err error) {
	pc := t.teardown()
	if pc == nil {
		return
	}
	go func() {
		_ = pc.Close()
	}()
	t.handler.OnClose(err)
}

func (t *Transport) readRemote(track *webrtc.TrackRemote) {
	mime := RemoteAudioMimeType
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		t.handler.OnAudio(pkt.Payload, mime)
	}
}

// pumpAudio streams captured chunks to the local track, one sample each.
func (t *Transport) pumpAudio(track *webrtc.TrackLocalStaticSample) {
	for {
		chunk, err := t.audio.Next(t.ctx)
		if err != nil {
			return
		}
		if err := track.WriteSample(media.Sample{Data: chunk, Duration: sampleDuration}); err != nil {
			t.log.Debug().Err(err).Msg("write sample")
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
		}
	}
}
