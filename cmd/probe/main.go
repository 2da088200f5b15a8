// Command probe drives a running bridge over its UI websocket: it can start a
// session, say the wake phrase, send a typed message and stream an audio file,
// printing every event the bridge sends back.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/room4-2/whisper-bridge/messages"
)

type serverMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// AudioPlayer streams 24kHz PCM via sox
type AudioPlayer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	closed bool
}

func NewAudioPlayer() *AudioPlayer {
	cmd := exec.Command("sox",
		"-t", "raw",
		"-r", "24000",
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
		"-",
		"-d",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Warn().Err(err).Msg("sox stdin")
		return nil
	}
	if err := cmd.Start(); err != nil {
		log.Warn().Err(err).Msg("sox start")
		return nil
	}
	return &AudioPlayer{cmd: cmd, stdin: stdin}
}

func (p *AudioPlayer) Play(audioData []byte) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	_, _ = p.stdin.Write(audioData)
}

func (p *AudioPlayer) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	_ = p.stdin.Close()
	_ = p.cmd.Wait()
}

type probe struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *probe) send(typ string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(map[string]any{"type": typ, "payload": payload})
}

func (p *probe) sendBinary(chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/ws", "bridge UI websocket URL")
	start := flag.Bool("start", false, "start a session explicitly")
	wake := flag.String("wake", "", "transcript to feed the wake-word gate, e.g. \"hey whisper\"")
	text := flag.String("text", "", "typed message to send")
	audioFile := flag.String("file", "", "raw PCM or WAV file to stream as microphone audio")
	play := flag.Bool("play", false, "play PCM assistant audio through sox")
	wait := flag.Duration("wait", 30*time.Second, "how long to wait for events")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	log.Info().Str("url", *serverURL).Msg("🔌 Connecting")
	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer conn.Close()
	log.Info().Msg("✅ Connected")

	var player *AudioPlayer
	if *play {
		if player = NewAudioPlayer(); player == nil {
			log.Fatal().Msg("Failed to create audio player (is sox installed?)")
		}
		defer player.Close()
	}

	p := &probe{conn: conn}
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		readLoop(conn, player)
	}()

	if *start {
		must(p.send(messages.TypeControl, messages.ControlPayload{Action: messages.ActionStart}))
	}
	if *wake != "" {
		must(p.send(messages.TypeTranscript, messages.TranscriptPayload{Text: *wake, IsFinal: true}))
	}
	if *text != "" {
		must(p.send(messages.TypeMessage, messages.MessagePayload{Text: *text}))
	}
	if *audioFile != "" {
		if err := streamAudio(p, *audioFile); err != nil {
			log.Error().Err(err).Msg("audio stream")
		}
	}

	select {
	case <-done:
		log.Info().Msg("Connection closed")
	case <-interrupt:
		log.Info().Msg("👋 Interrupted, stopping session")
		_ = p.send(messages.TypeControl, messages.ControlPayload{Action: messages.ActionStop})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	case <-time.After(*wait):
		log.Info().Msg("⏰ Done waiting")
	}
}

func must(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("Send failed")
	}
}

func readLoop(conn *websocket.Conn, player *AudioPlayer) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("read")
			return
		}

		var msg serverMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("Parse error")
			continue
		}

		switch msg.Type {
		case messages.TypeStatus:
			var s messages.StatusPayload
			_ = sonic.Unmarshal(msg.Payload, &s)
			log.Info().Str("state", s.State).Bool("recording", s.IsRecording).Bool("pending", s.Pending).Msgf("📊 %s", s.Message)
		case messages.TypeDisplay:
			var d messages.DisplayPayload
			_ = sonic.Unmarshal(msg.Payload, &d)
			fmt.Printf("🎤 %s\n", d.Text)
		case messages.TypeItem:
			var it messages.ItemPayload
			_ = sonic.Unmarshal(msg.Payload, &it)
			fmt.Printf("%s: %s\n", strings.ToUpper(it.Role), it.Content)
		case messages.TypeActivated:
			log.Info().Msg("👂 Wake phrase detected")
		case messages.TypeTool:
			var tp messages.ToolPayload
			_ = sonic.Unmarshal(msg.Payload, &tp)
			log.Info().Str("tool", tp.Name).Str("call_id", tp.CallID).Msgf("🔧 %s", tp.Outcome)
		case messages.TypeAudio:
			var a messages.AudioResponsePayload
			_ = sonic.Unmarshal(msg.Payload, &a)
			audio, err := base64.StdEncoding.DecodeString(a.Data)
			if err != nil {
				continue
			}
			if strings.HasPrefix(a.MimeType, "audio/pcm") {
				player.Play(audio)
			}
		case messages.TypeError:
			var e messages.ErrorPayload
			_ = sonic.Unmarshal(msg.Payload, &e)
			log.Error().Str("code", e.Code).Msg(e.Message)
		}
	}
}

func streamAudio(p *probe, path string) error {
	audioData, err := loadAudioFile(path)
	if err != nil {
		return err
	}

	// 100ms at 16kHz
	const chunkSize = 3200
	for i := 0; i < len(audioData); i += chunkSize {
		end := i + chunkSize
		if end > len(audioData) {
			end = len(audioData)
		}
		if err := p.sendBinary(audioData[i:end]); err != nil {
			return err
		}
		// Simulate real-time streaming pace
		time.Sleep(100 * time.Millisecond)
	}
	log.Info().Int("bytes", len(audioData)).Msg("✅ Audio sent")
	return nil
}

// loadAudioFile loads PCM or WAV file and returns raw PCM bytes
func loadAudioFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// Skip the standard 44-byte WAV header
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		return data[44:], nil
	}
	return data, nil
}
