// Package gemini carries a speech session over the Gemini Live API, exposing
// it through the same realtime events as the WebRTC transport.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/room4-2/whisper-bridge/bridgeerr"
	"github.com/room4-2/whisper-bridge/realtime"
	"github.com/room4-2/whisper-bridge/transport"
)

const (
	DefaultModel = "models/gemini-2.5-flash-native-audio-preview-12-2025"
	DefaultVoice = "Zephyr"

	inputMimeType = "audio/pcm;rate=16000"
)

// liveSession is the subset of *genai.Session the proxy uses.
type liveSession interface {
	Receive() (*genai.LiveServerMessage, error)
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendClientContent(input genai.LiveSendClientContentParameters) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Close() error
}

type connectFunc func(ctx context.Context, token string, cfg *genai.LiveConnectConfig) (liveSession, error)

// Config describes the Live session to open.
type Config struct {
	Model        string
	Voice        string
	Instructions string
	Tools        []*genai.Tool
}

// Dialer builds Gemini proxies.
type Dialer struct {
	Config Config
	Logger zerolog.Logger

	connect connectFunc
}

func (d *Dialer) NewTransport(h transport.Handler, audio transport.AudioSource) transport.Transport {
	connect := d.connect
	if connect == nil {
		connect = d.dial
	}
	return newProxy(d.Config, connect, h, audio, d.Logger)
}

func (d *Dialer) dial(ctx context.Context, token string, cfg *genai.LiveConnectConfig) (liveSession, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      token,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1alpha"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	model := d.Config.Model
	if model == "" {
		model = DefaultModel
	}
	session, err := client.Live.Connect(ctx, model, cfg)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Proxy manages one connection to the Gemini Live API.
type Proxy struct {
	cfg     Config
	connect connectFunc
	handler transport.Handler
	audio   transport.AudioSource
	tr      *translator
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	session liveSession
	closed  bool

	openOnce sync.Once
}

func newProxy(cfg Config, connect connectFunc, h transport.Handler, audio transport.AudioSource, log zerolog.Logger) *Proxy {
	ctx, cancel := context.WithCancel(context.Background())
	return &Proxy{
		cfg:     cfg,
		connect: connect,
		handler: h,
		audio:   audio,
		tr:      newTranslator(),
		log:     log.With().Str("component", "gemini").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (gp *Proxy) liveConfig() *genai.LiveConnectConfig {
	voice := gp.cfg.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	config := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		Tools:                    gp.cfg.Tools,
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}
	if gp.cfg.Instructions != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: gp.cfg.Instructions}},
		}
	}
	return config
}

// Connect opens the Live session. OnOpen fires when setup completes.
func (gp *Proxy) Connect(ctx context.Context, token string) error {
	session, err := gp.connect(ctx, token, gp.liveConfig())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return bridgeerr.Handshake("failed to connect to Live API", err)
	}

	gp.mu.Lock()
	if gp.closed {
		gp.mu.Unlock()
		_ = session.Close()
		return transport.ErrClosed
	}
	gp.session = session
	gp.mu.Unlock()

	gp.log.Info().Msg("✅ Connected to Gemini Live")
	go gp.receive(session)
	return nil
}

func (gp *Proxy) receive(session liveSession) {
	for {
		msg, err := session.Receive()
		if err != nil {
			gp.finish(receiveError(err))
			return
		}

		in := gp.tr.inbound(msg)
		if in.opened {
			gp.openOnce.Do(func() {
				if gp.audio != nil {
					go gp.pumpAudio(session)
				}
				gp.handler.OnOpen()
			})
		}
		for _, chunk := range in.audio {
			gp.handler.OnAudio(chunk, AudioMimeType)
		}
		for _, ev := range in.events {
			gp.handler.OnEvent(ev)
		}
		if msg.GoAway != nil {
			gp.log.Info().Msg("📥 Gemini requested disconnect")
		}
	}
}

// receiveError maps the receive loop's exit onto OnClose: a normal websocket
// close is an orderly hang-up.
func receiveError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
		return nil
	}
	return fmt.Errorf("gemini receive: %w", err)
}

func (gp *Proxy) pumpAudio(session liveSession) {
	for {
		chunk, err := gp.audio.Next(gp.ctx)
		if err != nil {
			return
		}
		err = session.SendRealtimeInput(genai.LiveRealtimeInput{
			Media: &genai.Blob{MIMEType: inputMimeType, Data: chunk},
		})
		if err != nil {
			gp.log.Debug().Err(err).Msg("failed to send audio")
			return
		}
	}
}

// Send translates ev into the matching Live client message.
func (gp *Proxy) Send(ev realtime.ClientEvent) error {
	gp.mu.RLock()
	session, closed := gp.session, gp.closed
	gp.mu.RUnlock()
	if closed || session == nil {
		return transport.ErrClosed
	}

	out, err := gp.tr.outbound(ev)
	if err != nil {
		return err
	}
	switch {
	case out.content != nil:
		if err := session.SendClientContent(*out.content); err != nil {
			return fmt.Errorf("failed to send text: %w", err)
		}
		gp.log.Debug().Msg("📤 Sent user turn to Gemini")
	case out.response != nil:
		if err := session.SendToolResponse(*out.response); err != nil {
			return fmt.Errorf("failed to send tool response: %w", err)
		}
		gp.log.Debug().Int("responses", len(out.response.FunctionResponses)).Msg("📤 Sent tool response to Gemini")
	}
	return nil
}

// Close terminates the Gemini connection without reporting OnClose.
func (gp *Proxy) Close() error {
	session, first := gp.teardown()
	if !first || session == nil {
		return nil
	}
	return session.Close()
}

// teardown marks the proxy closed. first is false if it already was.
func (gp *Proxy) teardown() (session liveSession, first bool) {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	if gp.closed {
		return nil, false
	}
	gp.closed = true
	gp.cancel()
	session = gp.session
	gp.session = nil
	return session, true
}

func (gp *Proxy) finish(err error) {
	session, first := gp.teardown()
	if !first {
		return
	}
	if session != nil {
		_ = session.Close()
	}
	gp.handler.OnClose(err)
}
