// Package session owns the voice session lifecycle: credential issuance, the
// transport handshake, tool-call routing and the pending user message.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/room4-2/whisper-bridge/bridgeerr"
	"github.com/room4-2/whisper-bridge/credential"
	"github.com/room4-2/whisper-bridge/metrics"
	"github.com/room4-2/whisper-bridge/pending"
	"github.com/room4-2/whisper-bridge/realtime"
	"github.com/room4-2/whisper-bridge/toolcall"
	"github.com/room4-2/whisper-bridge/transcript"
	"github.com/room4-2/whisper-bridge/transport"
	"github.com/room4-2/whisper-bridge/wakeword"
)

var (
	// ErrSessionInProgress is returned by Start while a session exists.
	ErrSessionInProgress = errors.New("session already in progress")
	// ErrControllerClosed is returned once Run has exited.
	ErrControllerClosed = errors.New("session controller closed")
)

// EnqueueResult reports what Enqueue did with a message.
type EnqueueResult string

const (
	EnqueueSent     EnqueueResult = "sent"
	EnqueueQueued   EnqueueResult = "queued"
	EnqueueReplaced EnqueueResult = "replaced"
	EnqueueIgnored  EnqueueResult = "ignored"
)

const (
	inboxSize      = 256
	maxEarlyEvents = 64
)

// Config wires a Controller.
type Config struct {
	Issuer   CredentialIssuer
	Dialer   transport.Dialer
	Executor toolcall.Executor
	Sink     EventSink
	Recorder Recorder
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger

	TranscriptionModel string
	Instructions       string
	Tools              []realtime.Tool

	WakePhrase   string
	WakeWindow   int
	WakeEnabled  bool
	WakeCooldown time.Duration

	CredentialTimeout time.Duration
	HandshakeTimeout  time.Duration
	ToolCallTimeout   time.Duration
	// IdleTimeout stops an Active session without inbound events. Zero disables it.
	IdleTimeout    time.Duration
	MaxAudioBuffer int
}

func (cfg *Config) setDefaults() {
	if cfg.Sink == nil {
		cfg.Sink = nopSink{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.CredentialTimeout <= 0 {
		cfg.CredentialTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 20 * time.Second
	}
	if cfg.ToolCallTimeout <= 0 {
		cfg.ToolCallTimeout = 30 * time.Second
	}
	if cfg.MaxAudioBuffer <= 0 {
		cfg.MaxAudioBuffer = 1 << 20
	}
}

// Controller runs the session state machine on a single goroutine. Public
// methods hand their work to that goroutine and wait for it; transport
// callbacks, tool results and timers post back the same way, so session
// state, the transcript and the pending slot have a single writer.
type Controller struct {
	cfg   Config
	log   zerolog.Logger
	inbox chan func()
	done  chan struct{}

	running  atomic.Bool
	doneOnce sync.Once

	gate       *wakeword.Gate
	transcript *transcript.Accumulator
	pending    *pending.Queue
	items      conversationLog
	audio      atomic.Pointer[AudioBuffer]

	statusMu sync.RWMutex
	status   Status

	// Owned by the loop.
	state      State
	session    *Session
	micAllowed bool
	cooling    bool
	cooldown   *time.Timer
	coolGen    uint64
}

func NewController(cfg Config) *Controller {
	cfg.setDefaults()
	c := &Controller{
		cfg:        cfg,
		log:        cfg.Logger.With().Str("component", "session").Logger(),
		inbox:      make(chan func(), inboxSize),
		done:       make(chan struct{}),
		gate:       wakeword.NewGate(cfg.WakePhrase, cfg.WakeWindow, cfg.WakeEnabled),
		transcript: transcript.NewAccumulator(),
		pending:    pending.New(),
		micAllowed: true,
	}
	c.status = Status{State: StateIdle, Message: StatusDisconnected, WakeEnabled: c.gate.Enabled()}
	return c
}

// Run processes controller work until ctx is done, then tears down any
// session. Run may be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("session controller already running")
	}
	defer c.doneOnce.Do(func() { close(c.done) })

	c.log.Info().Str("wake_phrase", c.gate.Phrase()).Msg("🚀 Session controller started")
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-ctx.Done():
			c.shutdown()
			return nil
		}
	}
}

func (c *Controller) shutdown() {
	if c.cooldown != nil {
		c.cooldown.Stop()
	}
	if s := c.session; s != nil {
		if tr := s.teardown(); tr != nil {
			if err := tr.Close(); err != nil {
				s.log.Debug().Err(err).Msg("transport close")
			}
		}
		c.endSession(s, "shutdown")
		c.cfg.Recorder.RecordState(s.ID, StateIdle.String())
		c.session = nil
	}
	c.pending.Clear()
	c.setState(StateIdle, StatusDisconnected, nil)
	c.log.Info().Msg("🛑 Session controller stopped")
}

// post schedules fn on the loop. It never blocks once the loop has exited.
func (c *Controller) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// call runs fn on the loop and waits for it.
func (c *Controller) call(fn func()) error {
	finished := make(chan struct{})
	select {
	case c.inbox <- func() { fn(); close(finished) }:
	case <-c.done:
		return ErrControllerClosed
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrControllerClosed
	}
}

// Start begins a new session. It returns ErrSessionInProgress if one exists.
func (c *Controller) Start() error {
	var err error
	if callErr := c.call(func() { err = c.start("manual") }); callErr != nil {
		return callErr
	}
	return err
}

// Stop ends the current session and discards any pending message. It is a
// no-op when there is nothing to stop.
func (c *Controller) Stop() error {
	return c.call(c.stop)
}

// Enqueue sends text as a user message, queueing it until the session is
// Active. A second message queued before then replaces the first.
func (c *Controller) Enqueue(text string) (EnqueueResult, error) {
	var (
		res EnqueueResult
		err error
	)
	if callErr := c.call(func() { res, err = c.enqueue(text) }); callErr != nil {
		return EnqueueIgnored, callErr
	}
	return res, err
}

// HandleTranscript feeds one local speech-recognition fragment to the
// transcript and the wake-word gate.
func (c *Controller) HandleTranscript(text string, isFinal bool) error {
	return c.call(func() { c.handleTranscript(text, isFinal) })
}

// ClearTranscript empties the display text and the wake window.
func (c *Controller) ClearTranscript() error {
	return c.call(func() {
		c.transcript.Clear()
		c.gate.Reset()
		c.cfg.Sink.DisplayTextChanged("")
	})
}

// SetWakeWordEnabled turns hands-free activation on or off.
func (c *Controller) SetWakeWordEnabled(enabled bool) error {
	return c.call(func() {
		c.gate.SetEnabled(enabled)
		c.updateStatus(func(st *Status) { st.WakeEnabled = c.gate.Enabled() })
	})
}

// SetMicrophonePermission records the capture permission reported by the UI.
// Revoking it fails a session that is connecting or active.
func (c *Controller) SetMicrophonePermission(allowed bool) error {
	return c.call(func() {
		c.micAllowed = allowed
		if allowed || c.session == nil {
			return
		}
		if c.state == StateHandshaking || c.state == StateActive {
			c.fail(c.session, bridgeerr.Permission("microphone permission denied"))
		}
	})
}

// PushAudio hands a captured chunk to the active session without blocking.
// It reports false when there is no session or the chunk was dropped.
func (c *Controller) PushAudio(chunk []byte) bool {
	buf := c.audio.Load()
	if buf == nil {
		return false
	}
	if err := buf.Append(chunk); err != nil {
		if errors.Is(err, ErrBufferFull) {
			c.cfg.Metrics.RecordAudioDropped()
		}
		return false
	}
	c.cfg.Metrics.RecordAudio("in", len(chunk))
	return true
}

// Status returns the latest status snapshot.
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// DisplayText returns committed transcript text followed by the partial.
func (c *Controller) DisplayText() string {
	return c.transcript.DisplayText()
}

// Conversation returns the ordered conversation log.
func (c *Controller) Conversation() []ConversationItem {
	return c.items.snapshot()
}

// --- loop-side logic ---

func (c *Controller) start(reason string) error {
	if c.state.InProgress() {
		return ErrSessionInProgress
	}

	s := newSession(uuid.New().String(), c.log)
	c.session = s
	c.cfg.Metrics.RecordSessionStart()
	s.log.Info().Str("reason", reason).Msg("🎙️ Starting session")
	c.setState(StateAcquiringCredential, StatusRequesting, nil)

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, c.cfg.CredentialTimeout)
		defer cancel()
		cred, err := c.cfg.Issuer.Issue(ctx)
		c.post(func() { c.onCredential(s, cred, err) })
	}()
	return nil
}

func (c *Controller) onCredential(s *Session, cred credential.Credential, err error) {
	if c.session != s || c.state != StateAcquiringCredential {
		return
	}
	if err != nil {
		c.cfg.Metrics.RecordCredential("error")
		if !bridgeerr.Is(err, bridgeerr.KindCredential) {
			err = bridgeerr.Credential("credential request failed", err)
		}
		c.fail(s, err)
		return
	}
	c.cfg.Metrics.RecordCredential("ok")

	if !c.micAllowed {
		c.fail(s, bridgeerr.Permission("microphone permission denied"))
		return
	}

	s.credential = cred
	s.audio = NewAudioBuffer(c.cfg.MaxAudioBuffer)
	c.audio.Store(s.audio)
	s.transport = c.cfg.Dialer.NewTransport(&sessionHandler{c: c, s: s}, s.audio)
	c.setState(StateHandshaking, StatusConnecting, nil)

	s.handshakeTimer = time.AfterFunc(c.cfg.HandshakeTimeout, func() {
		c.post(func() { c.onHandshakeTimeout(s) })
	})

	tr, token := s.transport, cred.Value
	go func() {
		if err := tr.Connect(s.ctx, token); err != nil {
			c.post(func() { c.onConnectFailed(s, err) })
		}
	}()
}

func (c *Controller) onConnectFailed(s *Session, err error) {
	if c.session != s || c.state != StateHandshaking {
		return
	}
	if errors.Is(err, context.Canceled) && s.ctx.Err() != nil {
		return
	}
	if _, classified := bridgeerr.KindOf(err); !classified {
		err = bridgeerr.Handshake("transport failure", err)
	}
	c.fail(s, err)
}

func (c *Controller) onHandshakeTimeout(s *Session) {
	if c.session != s || c.state != StateHandshaking {
		return
	}
	c.fail(s, bridgeerr.Handshake(
		fmt.Sprintf("no control channel after %s", c.cfg.HandshakeTimeout), nil))
}

// onOpen moves the session to Active. The configuration update is the first
// frame on the channel and the pending message follows it directly.
func (c *Controller) onOpen(s *Session) {
	if c.session != s || c.state != StateHandshaking {
		return
	}
	s.handshakeTimer.Stop()
	c.cfg.Metrics.RecordHandshake(time.Since(s.StartedAt))

	update := realtime.NewSessionUpdate(c.cfg.TranscriptionModel, c.cfg.Instructions, c.cfg.Tools)
	if err := s.transport.Send(update); err != nil {
		c.fail(s, bridgeerr.Handshake("send session configuration", err))
		return
	}

	s.proxy = toolcall.NewProxy(toolcall.ProxyConfig{
		Executor:  c.cfg.Executor,
		Sender:    s.transport,
		Post:      c.post,
		OnOutcome: func(out toolcall.Outcome) { c.onToolOutcome(s, out) },
		Timeout:   c.cfg.ToolCallTimeout,
	})

	if text, ok := c.pending.Take(); ok {
		if err := c.sendUserMessage(s, text); err != nil {
			c.fail(s, bridgeerr.Handshake("flush pending message", err))
			return
		}
		c.cfg.Metrics.RecordPending("flushed")
	}

	s.lastActivity = time.Now()
	if c.cfg.IdleTimeout > 0 {
		s.idleTimer = time.AfterFunc(c.cfg.IdleTimeout, func() {
			c.post(func() { c.onIdleTimeout(s) })
		})
	}

	c.setState(StateActive, StatusConnected, nil)
	s.log.Info().Msg("✅ Session active")

	early := s.early
	s.early = nil
	for _, ev := range early {
		c.onEvent(s, ev)
	}
}

func (c *Controller) onEvent(s *Session, ev realtime.ServerEvent) {
	if c.session != s {
		return
	}
	if c.state == StateHandshaking {
		// Held until onOpen; the channel may deliver before it reports open.
		if len(s.early) < maxEarlyEvents {
			s.early = append(s.early, ev)
		}
		return
	}
	if c.state != StateActive {
		return
	}
	s.lastActivity = time.Now()

	switch e := ev.(type) {
	case realtime.SessionUpdated:
		c.cfg.Metrics.RecordInbound("session")
		s.log.Debug().Bool("created", e.Created).Msg("📥 session acknowledged")
	case realtime.ToolCallRequested:
		c.cfg.Metrics.RecordInbound("tool_call")
		c.addItem(s, RoleAssistant, fmt.Sprintf("Calling tool: %s....", e.Name))
		s.log.Info().Str("tool", e.Name).Str("call_id", e.CallID).Msg("🔧 Tool call")
		if err := s.proxy.Handle(e.CallID, e.Name, e.Arguments); err != nil {
			s.log.Warn().Err(err).Str("call_id", e.CallID).Msg("⚠️ Tool call rejected")
		}
	case realtime.TranscriptFinal:
		c.cfg.Metrics.RecordInbound("transcript_final")
		if text := strings.TrimSpace(e.Text); text != "" {
			c.addItem(s, e.Role, text)
		}
	case realtime.TranscriptPartial:
		c.cfg.Metrics.RecordInbound("transcript_partial")
	case realtime.ServiceError:
		c.cfg.Metrics.RecordInbound("error")
		s.log.Warn().Str("code", e.Code).Str("message", e.Message).Msg("⚠️ Speech service error")
		c.updateStatus(func(st *Status) { st.ErrorMessage = bridgeerr.Status(e) })
	case realtime.Unknown:
		c.cfg.Metrics.RecordInbound("other")
	}
}

func (c *Controller) onToolOutcome(s *Session, out toolcall.Outcome) {
	c.cfg.Metrics.RecordToolCall(out.Name, string(out.Kind), out.Duration)
	if out.Kind != toolcall.OutcomeAbandoned {
		c.addItem(s, RoleTool, out.Output)
	} else {
		s.log.Info().Str("call_id", out.CallID).Msg("tool call abandoned")
	}
	c.cfg.Sink.ToolCallCompleted(out)
}

func (c *Controller) onIdleTimeout(s *Session) {
	if c.session != s || c.state != StateActive {
		return
	}
	if remaining := c.cfg.IdleTimeout - time.Since(s.lastActivity); remaining > 0 {
		s.idleTimer.Reset(remaining)
		return
	}
	s.log.Info().Dur("idle", c.cfg.IdleTimeout).Msg("⏱️ Session idle, stopping")
	c.closeSession(s, "idle")
}

func (c *Controller) onTransportClosed(s *Session, err error) {
	if c.session != s {
		return
	}
	switch c.state {
	case StateHandshaking, StateActive:
	default:
		return
	}
	if err == nil {
		s.log.Info().Msg("🔌 Remote closed the session")
		c.closeSession(s, "remote")
		return
	}
	if _, classified := bridgeerr.KindOf(err); !classified {
		err = bridgeerr.Handshake("transport failure", err)
	}
	c.fail(s, err)
}

func (c *Controller) stop() {
	if c.pending.Pending() {
		c.pending.Clear()
		c.cfg.Metrics.RecordPending("discarded")
		c.updateStatus(func(*Status) {})
	}
	switch c.state {
	case StateAcquiringCredential, StateHandshaking, StateActive:
	default:
		return
	}
	c.closeSession(c.session, "stopped")
}

// closeSession goes through Closing and reaches Idle once the transport is
// released. A message queued meanwhile starts a new session.
func (c *Controller) closeSession(s *Session, outcome string) {
	c.setState(StateClosing, StatusDisconnecting, nil)
	c.audio.CompareAndSwap(s.audio, nil)
	tr := s.teardown()

	go func() {
		if tr != nil {
			if err := tr.Close(); err != nil {
				s.log.Debug().Err(err).Msg("transport close")
			}
		}
		c.post(func() { c.onCleanupComplete(s, outcome) })
	}()
}

func (c *Controller) onCleanupComplete(s *Session, outcome string) {
	if c.session != s {
		return
	}
	c.session = nil
	c.endSession(s, outcome)
	c.setState(StateIdle, StatusDisconnected, nil)
	c.cfg.Recorder.RecordState(s.ID, StateIdle.String())

	if c.pending.Pending() {
		if err := c.start("pending message"); err != nil {
			c.log.Warn().Err(err).Msg("⚠️ Could not restart for pending message")
		}
	}
}

// fail tears s down and parks the controller in Failed. The pending message
// survives so the next Start delivers it.
func (c *Controller) fail(s *Session, err error) {
	s.log.Error().Err(err).Str("state", c.state.String()).Msg("❌ Session failed")
	c.audio.CompareAndSwap(s.audio, nil)
	if tr := s.teardown(); tr != nil {
		go func() { _ = tr.Close() }()
	}
	c.session = nil
	c.endSession(s, "failed")

	c.setState(StateFailed, bridgeerr.Status(err), err)
	c.cfg.Recorder.RecordState(s.ID, StateFailed.String())
}

func (c *Controller) endSession(s *Session, outcome string) {
	c.cfg.Metrics.RecordSessionEnd(outcome, time.Since(s.StartedAt))
	s.log.Info().Str("outcome", outcome).Dur("duration", time.Since(s.StartedAt)).Msg("🔚 Session ended")
}

func (c *Controller) enqueue(text string) (EnqueueResult, error) {
	if strings.TrimSpace(text) == "" {
		return EnqueueIgnored, nil
	}

	if c.state == StateActive {
		if err := c.sendUserMessage(c.session, text); err != nil {
			return EnqueueIgnored, fmt.Errorf("send message: %w", err)
		}
		c.cfg.Metrics.RecordPending("sent")
		return EnqueueSent, nil
	}

	res := EnqueueQueued
	if c.pending.Enqueue(text) == pending.EnqueueReplaced {
		res = EnqueueReplaced
	}
	c.cfg.Metrics.RecordPending(string(res))
	c.updateStatus(func(st *Status) { st.Pending = true })

	if !c.state.InProgress() {
		if err := c.start("message"); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (c *Controller) sendUserMessage(s *Session, text string) error {
	if err := s.transport.Send(realtime.NewUserMessage(text)); err != nil {
		return err
	}
	if err := s.transport.Send(realtime.NewResponseCreate()); err != nil {
		return err
	}
	c.addItem(s, RoleUser, text)
	return nil
}

func (c *Controller) handleTranscript(text string, isFinal bool) {
	st := c.transcript.OnFragment(text, isFinal)
	c.cfg.Sink.DisplayTextChanged(st.DisplayText())

	if !c.gate.OnTranscriptUpdate(text, isFinal) {
		return
	}
	if c.cooling {
		c.log.Debug().Msg("wake phrase ignored during cooldown")
		return
	}
	c.cfg.Metrics.RecordWakeActivation()
	c.cfg.Sink.WakeWordActivated()
	c.log.Info().Msg("👂 Wake phrase detected")
	c.armCooldown()

	if !c.state.InProgress() {
		if err := c.start("wake word"); err != nil {
			c.log.Warn().Err(err).Msg("⚠️ Wake start failed")
		}
	}
}

func (c *Controller) armCooldown() {
	if c.cfg.WakeCooldown <= 0 {
		return
	}
	if c.cooldown != nil {
		c.cooldown.Stop()
	}
	c.cooling = true
	c.coolGen++
	gen := c.coolGen
	c.cooldown = time.AfterFunc(c.cfg.WakeCooldown, func() {
		c.post(func() {
			if c.coolGen == gen {
				c.cooling = false
			}
		})
	})
}

func (c *Controller) addItem(s *Session, role, content string) {
	item := ConversationItem{SessionID: s.ID, Role: role, Content: content, At: time.Now()}
	c.items.append(item)
	c.cfg.Recorder.RecordItem(s.ID, role, content)
	c.cfg.Sink.ConversationItemAdded(item)
}

func (c *Controller) setState(state State, message string, err error) {
	c.state = state
	c.cfg.Metrics.RecordState(state.String())

	var id string
	if c.session != nil {
		id = c.session.ID
		c.cfg.Recorder.RecordState(id, state.String())
	}
	c.updateStatus(func(st *Status) {
		st.State = state
		st.SessionID = id
		st.Message = message
		st.ErrorMessage = bridgeerr.Status(err)
		st.Err = err
		st.IsRecording = state == StateActive
	})
}

func (c *Controller) updateStatus(mutate func(*Status)) {
	c.statusMu.Lock()
	mutate(&c.status)
	c.status.Pending = c.pending.Pending()
	st := c.status
	c.statusMu.Unlock()
	c.cfg.Sink.StatusChanged(st)
}

// sessionHandler relays transport callbacks for one session into the loop.
type sessionHandler struct {
	c *Controller
	s *Session
}

func (h *sessionHandler) OnOpen() {
	h.c.post(func() { h.c.onOpen(h.s) })
}

func (h *sessionHandler) OnEvent(ev realtime.ServerEvent) {
	h.c.post(func() { h.c.onEvent(h.s, ev) })
}

func (h *sessionHandler) OnAudio(chunk []byte, mimeType string) {
	if !h.s.live.Load() {
		return
	}
	h.c.cfg.Metrics.RecordAudio("out", len(chunk))
	h.c.cfg.Sink.AssistantAudio(chunk, mimeType)
}

func (h *sessionHandler) OnClose(err error) {
	h.c.post(func() { h.c.onTransportClosed(h.s, err) })
}
