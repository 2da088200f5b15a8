package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/room4-2/whisper-bridge/messages"
	"github.com/room4-2/whisper-bridge/session"
)

const (
	writeTimeout   = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendQueueSize  = 256
)

// client is one UI websocket connection. All writes go through writePump.
type client struct {
	conn       *websocket.Conn
	controller Controller
	log        zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, ctrl Controller, logger zerolog.Logger) *client {
	return &client{
		conn:       conn,
		controller: ctrl,
		log:        logger,
		send:       make(chan []byte, sendQueueSize),
		done:       make(chan struct{}),
	}
}

// queue adds an encoded message to the write queue (non-blocking)
func (c *client) queue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn().Msg("⚠️ Client send queue full, dropping message")
	}
}

func (c *client) queueMessage(msg *messages.ServerMessage) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("❌ Failed to encode message")
		return
	}
	c.queue(data)
}

func (c *client) sendError(code, message string) {
	c.queueMessage(messages.NewErrorMessage("", code, message))
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump handles all outgoing messages in a single goroutine
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// Send close message before exiting
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads UI messages until the connection closes
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("client read")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		// Binary frames are raw captured audio
		if messageType == websocket.BinaryMessage {
			c.pushAudio(message)
			continue
		}

		var clientMsg messages.ClientMessage
		if err := sonic.Unmarshal(message, &clientMsg); err != nil || clientMsg.Type == "" {
			c.sendError(messages.ErrCodeInvalidMessage, "Invalid message format")
			continue
		}
		c.processClientMessage(&clientMsg)
	}
}

func (c *client) pushAudio(chunk []byte) {
	if c.controller.PushAudio(chunk) {
		return
	}
	switch c.controller.Status().State {
	case session.StateHandshaking, session.StateActive:
		c.sendError(messages.ErrCodeBufferFull, "Audio buffer full")
	default:
		c.log.Debug().Int("bytes", len(chunk)).Msg("audio without a live session dropped")
	}
}

func (c *client) processClientMessage(msg *messages.ClientMessage) {
	var err error
	switch msg.Type {
	case messages.TypeControl:
		var p messages.ControlPayload
		if !c.decode(msg, &p) {
			return
		}
		err = c.handleControl(p.Action)

	case messages.TypeMessage:
		var p messages.MessagePayload
		if !c.decode(msg, &p) {
			return
		}
		var res session.EnqueueResult
		res, err = c.controller.Enqueue(p.Text)
		c.log.Debug().Str("result", string(res)).Msg("user message")

	case messages.TypeTranscript:
		var p messages.TranscriptPayload
		if !c.decode(msg, &p) {
			return
		}
		err = c.controller.HandleTranscript(p.Text, p.IsFinal)

	case messages.TypeWake:
		var p messages.WakePayload
		if !c.decode(msg, &p) {
			return
		}
		err = c.controller.SetWakeWordEnabled(p.Enabled)

	case messages.TypePermission:
		var p messages.PermissionPayload
		if !c.decode(msg, &p) {
			return
		}
		err = c.controller.SetMicrophonePermission(p.Microphone)

	case messages.TypeAudio:
		var p messages.AudioPayload
		if !c.decode(msg, &p) {
			return
		}
		chunk, decErr := base64.StdEncoding.DecodeString(p.Data)
		if decErr != nil {
			c.sendError(messages.ErrCodeInvalidMessage, "Invalid audio encoding")
			return
		}
		c.pushAudio(chunk)

	default:
		c.sendError(messages.ErrCodeInvalidMessage, fmt.Sprintf("Unknown message type: %s", msg.Type))
		return
	}

	if err != nil {
		code := messages.ErrCodeSessionFailed
		if errors.Is(err, session.ErrSessionInProgress) {
			code = messages.ErrCodeSessionBusy
		}
		c.sendError(code, err.Error())
	}
}

func (c *client) handleControl(action string) error {
	switch action {
	case messages.ActionStart:
		return c.controller.Start()
	case messages.ActionStop:
		return c.controller.Stop()
	case messages.ActionClear:
		return c.controller.ClearTranscript()
	case messages.ActionPing:
		c.queueMessage(messages.NewPongMessage())
		return nil
	default:
		c.sendError(messages.ErrCodeInvalidMessage, fmt.Sprintf("Unknown control action: %s", action))
		return nil
	}
}

func (c *client) decode(msg *messages.ClientMessage, dst any) bool {
	if len(msg.Payload) == 0 {
		c.sendError(messages.ErrCodeInvalidMessage, "Missing payload")
		return false
	}
	if err := sonic.Unmarshal(msg.Payload, dst); err != nil {
		c.sendError(messages.ErrCodeInvalidMessage, fmt.Sprintf("Invalid %s payload", msg.Type))
		return false
	}
	return true
}
