package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/room4-2/whisper-bridge/bridgeerr"
	"github.com/room4-2/whisper-bridge/credential"
	"github.com/room4-2/whisper-bridge/realtime"
	"github.com/room4-2/whisper-bridge/toolcall"
	"github.com/room4-2/whisper-bridge/transport"
)

// --- fakes ---

type issueResult struct {
	cred credential.Credential
	err  error
}

type fakeIssuer struct {
	mu      sync.Mutex
	results []issueResult
	calls   int
	block   chan struct{}
}

func (f *fakeIssuer) Issue(ctx context.Context) (credential.Credential, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	block := f.block
	var res issueResult
	if len(f.results) > 0 {
		res = f.results[0]
		f.results = f.results[1:]
	} else {
		res = issueResult{cred: credential.Credential{Value: fmt.Sprintf("token-%d", n)}}
	}
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return credential.Credential{}, ctx.Err()
		}
	}
	return res.cred, res.err
}

func (f *fakeIssuer) unblock() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.block != nil {
		close(f.block)
		f.block = nil
	}
}

func (f *fakeIssuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTransport struct {
	handler transport.Handler
	audio   transport.AudioSource

	connectErr error
	closeGate  chan struct{}

	mu     sync.Mutex
	token  string
	sent   []realtime.ClientEvent
	closed int
}

func (f *fakeTransport) Connect(_ context.Context, token string) error {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
	return f.connectErr
}

func (f *fakeTransport) Send(ev realtime.ClientEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed > 0 {
		return transport.ErrClosed
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeTransport) Close() error {
	if f.closeGate != nil {
		<-f.closeGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, 0, len(f.sent))
	for _, ev := range f.sent {
		name := ev.EventType()
		if item, ok := ev.(realtime.ConversationItemCreate); ok {
			name += ":" + item.Item.Type
		}
		types = append(types, name)
	}
	return types
}

func (f *fakeTransport) sentEvents() []realtime.ClientEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]realtime.ClientEvent(nil), f.sent...)
}

func (f *fakeTransport) usedToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	configure  func(i int, tr *fakeTransport)
}

func (d *fakeDialer) NewTransport(h transport.Handler, audio transport.AudioSource) transport.Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	tr := &fakeTransport{handler: h, audio: audio}
	if d.configure != nil {
		d.configure(len(d.transports), tr)
	}
	d.transports = append(d.transports, tr)
	return tr
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) get(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

type fakeExecutor struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
	block   chan struct{}
}

func (e *fakeExecutor) CallTool(ctx context.Context, name string, _ map[string]any) (json.RawMessage, error) {
	e.mu.Lock()
	block := e.block
	result := e.results[name]
	e.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if result == nil {
		return nil, errors.New("unknown tool")
	}
	return result, nil
}

type recordingSink struct {
	mu          sync.Mutex
	statuses    []Status
	displays    []string
	items       []ConversationItem
	activations int
	outcomes    []toolcall.Outcome
}

func (s *recordingSink) StatusChanged(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
}

func (s *recordingSink) DisplayTextChanged(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displays = append(s.displays, text)
}

func (s *recordingSink) ConversationItemAdded(item ConversationItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
}

func (s *recordingSink) WakeWordActivated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activations++
}

func (s *recordingSink) ToolCallCompleted(out toolcall.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, out)
}

func (s *recordingSink) AssistantAudio([]byte, string) {}

func (s *recordingSink) snapshotStates() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	var states []State
	for _, st := range s.statuses {
		if len(states) == 0 || states[len(states)-1] != st.State {
			states = append(states, st.State)
		}
	}
	return states
}

func (s *recordingSink) snapshotOutcomes() []toolcall.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]toolcall.Outcome(nil), s.outcomes...)
}

func (s *recordingSink) activationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activations
}

// --- harness ---

type harness struct {
	c      *Controller
	issuer *fakeIssuer
	dialer *fakeDialer
	exec   *fakeExecutor
	sink   *recordingSink
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{
		issuer: &fakeIssuer{},
		dialer: &fakeDialer{},
		exec:   &fakeExecutor{results: map[string]json.RawMessage{}},
		sink:   &recordingSink{},
	}
	cfg := Config{
		Issuer:             h.issuer,
		Dialer:             h.dialer,
		Executor:           h.exec,
		Sink:               h.sink,
		Logger:             zerolog.Nop(),
		TranscriptionModel: "whisper-1",
		WakePhrase:         "hey whisper",
		WakeEnabled:        true,
		HandshakeTimeout:   5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.c = NewController(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = h.c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	eventually(t, "state "+want.String(), func() bool { return h.c.Status().State == want })
}

// activate drives the controller from Idle to Active on transport i.
func (h *harness) activate(t *testing.T, i int) *fakeTransport {
	t.Helper()
	if err := h.c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return h.open(t, i)
}

func (h *harness) open(t *testing.T, i int) *fakeTransport {
	t.Helper()
	eventually(t, "transport", func() bool { return h.dialer.count() > i })
	tr := h.dialer.get(i)
	h.waitState(t, StateHandshaking)
	tr.handler.OnOpen()
	h.waitState(t, StateActive)
	return tr
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- tests ---

func TestStartReachesActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	tr := h.activate(t, 0)

	st := h.c.Status()
	if !st.IsRecording || st.Message != StatusConnected || st.SessionID == "" {
		t.Fatalf("unexpected status %+v", st)
	}
	if tr.usedToken() != "token-1" {
		t.Fatalf("expected issued credential as bearer, got %q", tr.usedToken())
	}
	if got := tr.sentTypes(); !equalStrings(got, []string{realtime.TypeSessionUpdate}) {
		t.Fatalf("expected only session.update, got %v", got)
	}
	update := tr.sentEvents()[0].(realtime.SessionUpdate)
	if update.Session.InputAudioTranscription == nil || update.Session.InputAudioTranscription.Model != "whisper-1" {
		t.Fatalf("session.update should enable input transcription: %+v", update.Session)
	}

	want := []State{StateAcquiringCredential, StateHandshaking, StateActive}
	got := h.sink.snapshotStates()
	if len(got) != len(want) {
		t.Fatalf("unexpected states %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected states %v, want %v", got, want)
		}
	}
}

func TestPendingMessageFlushedBeforeAnyOtherTraffic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	res, err := h.c.Enqueue("first")
	if err != nil || res != EnqueueQueued {
		t.Fatalf("expected queued, got %v %v", res, err)
	}
	h.waitState(t, StateHandshaking)

	res, err = h.c.Enqueue("second")
	if err != nil || res != EnqueueReplaced {
		t.Fatalf("expected replaced, got %v %v", res, err)
	}
	if !h.c.Status().Pending {
		t.Fatalf("status should report a pending message")
	}

	tr := h.open(t, 0)
	want := []string{
		realtime.TypeSessionUpdate,
		realtime.TypeConversationItemCreate + ":" + realtime.ItemMessage,
		realtime.TypeResponseCreate,
	}
	if got := tr.sentTypes(); !equalStrings(got, want) {
		t.Fatalf("unexpected frames %v, want %v", got, want)
	}
	msg := tr.sentEvents()[1].(realtime.ConversationItemCreate)
	if msg.Item.Content[0].Text != "second" {
		t.Fatalf("expected latest message to win, got %q", msg.Item.Content[0].Text)
	}
	if h.c.Status().Pending {
		t.Fatalf("pending flag should clear after flush")
	}
	if h.issuer.count() != 1 {
		t.Fatalf("enqueue should trigger exactly one start, got %d", h.issuer.count())
	}
}

func TestEnqueueWhileActiveSendsImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	tr := h.activate(t, 0)

	res, err := h.c.Enqueue("how are my labs")
	if err != nil || res != EnqueueSent {
		t.Fatalf("expected sent, got %v %v", res, err)
	}
	want := []string{
		realtime.TypeSessionUpdate,
		realtime.TypeConversationItemCreate + ":" + realtime.ItemMessage,
		realtime.TypeResponseCreate,
	}
	if got := tr.sentTypes(); !equalStrings(got, want) {
		t.Fatalf("unexpected frames %v", got)
	}
	items := h.c.Conversation()
	if len(items) != 1 || items[0].Role != RoleUser || items[0].Content != "how are my labs" {
		t.Fatalf("unexpected conversation %+v", items)
	}
}

func TestBlankEnqueueIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	res, err := h.c.Enqueue("   ")
	if err != nil || res != EnqueueIgnored {
		t.Fatalf("expected ignored, got %v %v", res, err)
	}
	time.Sleep(20 * time.Millisecond)
	if h.issuer.count() != 0 {
		t.Fatalf("blank message must not start a session")
	}
}

func TestCredentialFailureThenStopNoopThenRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.issuer.results = []issueResult{{err: bridgeerr.Credential("credential endpoint returned 500", nil)}}

	if err := h.c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitState(t, StateFailed)

	st := h.c.Status()
	if st.ErrorMessage != "Error: credential endpoint returned 500" || st.Message != st.ErrorMessage {
		t.Fatalf("unexpected failure status %+v", st)
	}
	if h.dialer.count() != 0 {
		t.Fatalf("no transport should be created without a credential")
	}

	if err := h.c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.c.Status().State != StateFailed {
		t.Fatalf("stop in Failed must be a no-op, got %v", h.c.Status().State)
	}

	h.activate(t, 0)
	if h.issuer.count() != 2 {
		t.Fatalf("expected a second issuance, got %d", h.issuer.count())
	}
}

func TestStartFromFailedIssuesAgain(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.issuer.results = []issueResult{{err: errors.New("dial tcp: connection refused")}}
	_ = h.c.Start()
	h.waitState(t, StateFailed)
	if got := h.c.Status().ErrorMessage; got != "Error: credential request failed" {
		t.Fatalf("unclassified issuer errors should surface as credential errors, got %q", got)
	}

	tr := h.activate(t, 0)
	if tr.usedToken() != "token-2" {
		t.Fatalf("expected fresh credential, got %q", tr.usedToken())
	}
}

func TestStopFromActiveReachesIdleAndRestartUsesFreshCredential(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	first := h.activate(t, 0)

	if err := h.c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.waitState(t, StateIdle)
	if first.closeCount() != 1 {
		t.Fatalf("transport should be closed once, got %d", first.closeCount())
	}
	if h.c.Status().IsRecording {
		t.Fatalf("idle controller must not report recording")
	}

	states := h.sink.snapshotStates()
	if states[len(states)-2] != StateClosing {
		t.Fatalf("expected Closing before Idle, got %v", states)
	}

	second := h.activate(t, 1)
	if first.usedToken() == second.usedToken() {
		t.Fatalf("credential reused across sessions: %q", first.usedToken())
	}
	if err := first.Send(realtime.NewResponseCreate()); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("old transport should be closed")
	}
}

func TestStopIdleIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.c.Status().State != StateIdle {
		t.Fatalf("expected idle")
	}
}

func TestSecondStartRejectedWhileInProgress(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.issuer.block = make(chan struct{})

	if err := h.c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.c.Start(); !errors.Is(err, ErrSessionInProgress) {
		t.Fatalf("expected ErrSessionInProgress during issuance, got %v", err)
	}
	h.issuer.unblock()

	h.open(t, 0)
	if err := h.c.Start(); !errors.Is(err, ErrSessionInProgress) {
		t.Fatalf("expected ErrSessionInProgress while active, got %v", err)
	}
	if h.issuer.count() != 1 || h.dialer.count() != 1 {
		t.Fatalf("rejected start must not touch the running session")
	}
}

func TestStopDuringCredentialIssuance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.issuer.block = make(chan struct{})
	_ = h.c.Start()
	h.waitState(t, StateAcquiringCredential)

	if err := h.c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.waitState(t, StateIdle)
	time.Sleep(20 * time.Millisecond)
	if h.dialer.count() != 0 {
		t.Fatalf("a cancelled attempt must not dial")
	}
}

func TestHandshakeFailureIsFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.dialer.configure = func(_ int, tr *fakeTransport) {
		tr.connectErr = bridgeerr.Handshake("malformed answer", nil)
	}
	_ = h.c.Start()
	h.waitState(t, StateFailed)

	if got := h.c.Status().ErrorMessage; got != "Error: malformed answer" {
		t.Fatalf("unexpected error message %q", got)
	}
	eventually(t, "transport close", func() bool { return h.dialer.get(0).closeCount() == 1 })
}

func TestHandshakeTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) { cfg.HandshakeTimeout = 30 * time.Millisecond })
	_ = h.c.Start()
	h.waitState(t, StateFailed)

	tr := h.dialer.get(0)
	tr.handler.OnOpen()
	time.Sleep(20 * time.Millisecond)
	if h.c.Status().State != StateFailed {
		t.Fatalf("late open must be ignored, got %v", h.c.Status().State)
	}
	if len(tr.sentTypes()) != 0 {
		t.Fatalf("nothing should be sent on a timed-out transport")
	}
}

func TestRemoteCloseReturnsToIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	tr := h.activate(t, 0)
	tr.handler.OnClose(nil)
	h.waitState(t, StateIdle)
}

func TestTransportErrorFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	tr := h.activate(t, 0)
	tr.handler.OnClose(errors.New("ice failed"))
	h.waitState(t, StateFailed)
	if got := h.c.Status().ErrorMessage; got != "Error: transport failure" {
		t.Fatalf("unexpected error message %q", got)
	}
}

func TestMicrophoneDeniedFailsWithPermissionError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.c.SetMicrophonePermission(false); err != nil {
		t.Fatalf("permission: %v", err)
	}
	_ = h.c.Start()
	h.waitState(t, StateFailed)
	if got := h.c.Status().ErrorMessage; got != "Error: microphone permission denied" {
		t.Fatalf("unexpected error %q", got)
	}
	if h.dialer.count() != 0 {
		t.Fatalf("no transport without microphone permission")
	}
}

func TestRevokingMicrophoneFailsActiveSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	tr := h.activate(t, 0)
	_ = h.c.SetMicrophonePermission(false)
	h.waitState(t, StateFailed)
	eventually(t, "transport close", func() bool { return tr.closeCount() == 1 })
}

func TestToolCallRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.exec.results["get_vitals"] = json.RawMessage(`{"heart_rate":72}`)
	tr := h.activate(t, 0)

	tr.handler.OnEvent(realtime.ToolCallRequested{CallID: "call_1", Name: "get_vitals", Arguments: `{"patient":"p1"}`})
	eventually(t, "tool outcome", func() bool { return len(h.sink.snapshotOutcomes()) == 1 })

	want := []string{
		realtime.TypeSessionUpdate,
		realtime.TypeConversationItemCreate + ":" + realtime.ItemFunctionCallOutput,
		realtime.TypeResponseCreate,
	}
	if got := tr.sentTypes(); !equalStrings(got, want) {
		t.Fatalf("unexpected frames %v", got)
	}
	out := tr.sentEvents()[1].(realtime.ConversationItemCreate)
	if out.Item.CallID != "call_1" || out.Item.Output != `{"heart_rate":72}` {
		t.Fatalf("unexpected output %+v", out.Item)
	}

	items := h.c.Conversation()
	if len(items) != 2 || items[0].Content != "Calling tool: get_vitals...." || items[1].Role != RoleTool {
		t.Fatalf("unexpected conversation %+v", items)
	}
}

func TestStopAbandonsOutstandingToolCalls(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.exec.block = make(chan struct{})
	h.exec.results["slow"] = json.RawMessage(`"late"`)
	tr := h.activate(t, 0)

	tr.handler.OnEvent(realtime.ToolCallRequested{CallID: "a", Name: "slow"})
	tr.handler.OnEvent(realtime.ToolCallRequested{CallID: "b", Name: "slow"})
	eventually(t, "calls logged", func() bool { return len(h.c.Conversation()) == 2 })

	_ = h.c.Stop()
	h.waitState(t, StateIdle)
	close(h.exec.block)
	time.Sleep(20 * time.Millisecond)

	outcomes := h.sink.snapshotOutcomes()
	seen := map[string]int{}
	for _, out := range outcomes {
		if out.Kind != toolcall.OutcomeAbandoned {
			t.Fatalf("expected abandonment, got %+v", out)
		}
		seen[out.CallID]++
	}
	if seen["a"] != 1 || seen["b"] != 1 || len(outcomes) != 2 {
		t.Fatalf("each call needs exactly one outcome, got %+v", outcomes)
	}
	for _, typ := range tr.sentTypes() {
		if typ == realtime.TypeConversationItemCreate+":"+realtime.ItemFunctionCallOutput {
			t.Fatalf("no output may be delivered after teardown")
		}
	}
}

func TestInboundTranscriptsLogged(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	tr := h.activate(t, 0)
	tr.handler.OnEvent(realtime.TranscriptFinal{Role: realtime.RoleUser, Text: "what's my pulse"})
	tr.handler.OnEvent(realtime.TranscriptPartial{Role: realtime.RoleAssistant, Text: "Your"})
	tr.handler.OnEvent(realtime.TranscriptFinal{Role: realtime.RoleAssistant, Text: "Your pulse is 72."})
	eventually(t, "items", func() bool { return len(h.c.Conversation()) == 2 })

	items := h.c.Conversation()
	if items[0].Role != RoleUser || items[1].Role != RoleAssistant {
		t.Fatalf("unexpected order %+v", items)
	}
}

func TestServiceErrorKeepsSessionActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	tr := h.activate(t, 0)
	tr.handler.OnEvent(realtime.ServiceError{Code: "rate_limited", Message: "slow down"})
	eventually(t, "error message", func() bool { return h.c.Status().ErrorMessage != "" })
	if h.c.Status().State != StateActive {
		t.Fatalf("service error should not end the session")
	}
}

func TestWakePhraseStartsSessionOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) { cfg.WakeCooldown = time.Minute })
	for _, fragment := range []string{"hey", "hey whisper", "hey whisper please"} {
		if err := h.c.HandleTranscript(fragment, false); err != nil {
			t.Fatalf("transcript: %v", err)
		}
	}
	h.waitState(t, StateHandshaking)
	if h.sink.activationCount() != 1 {
		t.Fatalf("expected one activation, got %d", h.sink.activationCount())
	}
	if got := h.c.DisplayText(); got != "hey whisper please" {
		t.Fatalf("unexpected display text %q", got)
	}

	_ = h.c.HandleTranscript("hey whisper please", true)
	_ = h.c.HandleTranscript("hey whisper", false)
	if h.sink.activationCount() != 1 {
		t.Fatalf("cooldown must hold back a second activation, got %d", h.sink.activationCount())
	}
	if h.issuer.count() != 1 {
		t.Fatalf("expected a single session start")
	}
}

func TestWakeDisabledDoesNotStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_ = h.c.SetWakeWordEnabled(false)
	_ = h.c.HandleTranscript("hey whisper", true)
	time.Sleep(20 * time.Millisecond)
	if h.issuer.count() != 0 || h.sink.activationCount() != 0 {
		t.Fatalf("disabled gate must not start a session")
	}
	if h.c.Status().WakeEnabled {
		t.Fatalf("status should report wake disabled")
	}
	if got := h.c.DisplayText(); got != "hey whisper " {
		t.Fatalf("transcript still accumulates while the gate is off, got %q", got)
	}
}

func TestWakeStatusFollowsGate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) { cfg.WakeEnabled = false })
	if h.c.Status().WakeEnabled {
		t.Fatalf("initial status should report the gate disabled")
	}
	if err := h.c.SetWakeWordEnabled(true); err != nil {
		t.Fatalf("wake: %v", err)
	}
	if !h.c.Status().WakeEnabled {
		t.Fatalf("status should report the gate enabled")
	}
}

func TestClearTranscript(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_ = h.c.HandleTranscript("hello", true)
	_ = h.c.ClearTranscript()
	if h.c.DisplayText() != "" {
		t.Fatalf("expected cleared transcript")
	}
}

func TestEnqueueDuringClosingRestartsAfterIdle(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := newHarness(t, nil)
	h.dialer.configure = func(i int, tr *fakeTransport) {
		if i == 0 {
			tr.closeGate = gate
		}
	}
	h.activate(t, 0)

	_ = h.c.Stop()
	h.waitState(t, StateClosing)
	res, err := h.c.Enqueue("after close")
	if err != nil || res != EnqueueQueued {
		t.Fatalf("expected queued during closing, got %v %v", res, err)
	}
	close(gate)

	tr := h.open(t, 1)
	types := tr.sentTypes()
	if len(types) != 3 || types[1] != realtime.TypeConversationItemCreate+":"+realtime.ItemMessage {
		t.Fatalf("expected pending flush on the new session, got %v", types)
	}
}

func TestStopClearsPendingMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.issuer.block = make(chan struct{})
	_, _ = h.c.Enqueue("never sent")
	_ = h.c.Stop()
	h.waitState(t, StateIdle)
	if h.c.Status().Pending {
		t.Fatalf("explicit stop must discard the pending message")
	}

	h.issuer.unblock()
	tr := h.activate(t, 0)
	if got := tr.sentTypes(); len(got) != 1 {
		t.Fatalf("discarded message must not be flushed, got %v", got)
	}
}

func TestFailedKeepsPendingMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.issuer.results = []issueResult{{err: bridgeerr.Credential("down", nil)}}
	_, _ = h.c.Enqueue("keep me")
	h.waitState(t, StateFailed)
	if !h.c.Status().Pending {
		t.Fatalf("failure should keep the pending message")
	}

	tr := h.activate(t, 0)
	if got := tr.sentTypes(); len(got) != 3 {
		t.Fatalf("expected pending flush after restart, got %v", got)
	}
}

func TestStopDuringClosingDiscardsQueuedMessage(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := newHarness(t, nil)
	h.dialer.configure = func(i int, tr *fakeTransport) {
		if i == 0 {
			tr.closeGate = gate
		}
	}
	h.activate(t, 0)

	_ = h.c.Stop()
	h.waitState(t, StateClosing)
	if res, err := h.c.Enqueue("changed my mind"); err != nil || res != EnqueueQueued {
		t.Fatalf("expected queued during closing, got %v %v", res, err)
	}
	if err := h.c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.c.Status().State != StateClosing {
		t.Fatalf("second stop must not change the state, got %v", h.c.Status().State)
	}
	if h.c.Status().Pending {
		t.Fatalf("stop during closing must discard the queued message")
	}
	close(gate)

	h.waitState(t, StateIdle)
	time.Sleep(30 * time.Millisecond)
	if h.dialer.count() != 1 || h.issuer.count() != 1 {
		t.Fatalf("no new session may start after stop, dials=%d issues=%d", h.dialer.count(), h.issuer.count())
	}
	if h.c.Status().State != StateIdle {
		t.Fatalf("expected to stay idle, got %v", h.c.Status().State)
	}
}

func TestStopInFailedDiscardsQueuedMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.issuer.results = []issueResult{{err: bridgeerr.Credential("down", nil)}}
	_, _ = h.c.Enqueue("stale")
	h.waitState(t, StateFailed)
	if !h.c.Status().Pending {
		t.Fatalf("failure should keep the pending message")
	}

	if err := h.c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st := h.c.Status()
	if st.State != StateFailed {
		t.Fatalf("stop in Failed must keep the state, got %v", st.State)
	}
	if st.Pending {
		t.Fatalf("stop in Failed must discard the pending message")
	}

	tr := h.activate(t, 0)
	if got := tr.sentTypes(); !equalStrings(got, []string{realtime.TypeSessionUpdate}) {
		t.Fatalf("discarded message must not be flushed, got %v", got)
	}
}

func TestEventsBeforeOpenAreReplayed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.exec.results["get_vitals"] = json.RawMessage(`{"spo2":98}`)
	_ = h.c.Start()
	eventually(t, "transport", func() bool { return h.dialer.count() == 1 })
	h.waitState(t, StateHandshaking)

	tr := h.dialer.get(0)
	tr.handler.OnEvent(realtime.ToolCallRequested{CallID: "early", Name: "get_vitals"})
	tr.handler.OnEvent(realtime.TranscriptFinal{Role: realtime.RoleAssistant, Text: "One moment."})
	tr.handler.OnOpen()
	h.waitState(t, StateActive)
	eventually(t, "tool outcome", func() bool { return len(h.sink.snapshotOutcomes()) == 1 })

	want := []string{
		realtime.TypeSessionUpdate,
		realtime.TypeConversationItemCreate + ":" + realtime.ItemFunctionCallOutput,
		realtime.TypeResponseCreate,
	}
	if got := tr.sentTypes(); !equalStrings(got, want) {
		t.Fatalf("unexpected frames %v, want %v", got, want)
	}
	if out := tr.sentEvents()[1].(realtime.ConversationItemCreate); out.Item.CallID != "early" {
		t.Fatalf("expected output for the early call, got %+v", out.Item)
	}
	eventually(t, "items", func() bool { return len(h.c.Conversation()) == 3 })
	items := h.c.Conversation()
	if items[0].Content != "Calling tool: get_vitals...." || items[1].Content != "One moment." {
		t.Fatalf("early events should be applied in arrival order, got %+v", items)
	}
}

func TestWakeCooldownExpiresAndRearms(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) { cfg.WakeCooldown = 30 * time.Millisecond })
	_ = h.c.HandleTranscript("hey whisper", true)
	_ = h.c.HandleTranscript("hey whisper", true)
	if h.sink.activationCount() != 1 {
		t.Fatalf("second phrase inside the cooldown must be held back, got %d", h.sink.activationCount())
	}

	eventually(t, "second activation", func() bool {
		_ = h.c.HandleTranscript("hey whisper", true)
		return h.sink.activationCount() == 2
	})
	if h.issuer.count() != 1 {
		t.Fatalf("activation during a live session must not start another, got %d", h.issuer.count())
	}

	_ = h.c.HandleTranscript("hey whisper", true)
	if h.sink.activationCount() != 2 {
		t.Fatalf("activation should re-arm the cooldown, got %d", h.sink.activationCount())
	}
}

func TestPushAudio(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) { cfg.MaxAudioBuffer = 4 })
	if h.c.PushAudio([]byte{1}) {
		t.Fatalf("audio without a session must be refused")
	}
	tr := h.activate(t, 0)

	if !h.c.PushAudio([]byte{1, 2, 3}) {
		t.Fatalf("expected chunk to be accepted")
	}
	if h.c.PushAudio([]byte{4, 5}) {
		t.Fatalf("overflowing chunk must be dropped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	chunk, err := tr.audio.Next(ctx)
	if err != nil || len(chunk) != 3 {
		t.Fatalf("transport should read the buffered chunk, got %v %v", chunk, err)
	}

	_ = h.c.Stop()
	h.waitState(t, StateIdle)
	if h.c.PushAudio([]byte{1}) {
		t.Fatalf("audio after stop must be refused")
	}
}

func TestIdleTimeoutStopsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) { cfg.IdleTimeout = 40 * time.Millisecond })
	h.activate(t, 0)
	h.waitState(t, StateIdle)
}

func TestCallsAfterRunExit(t *testing.T) {
	t.Parallel()

	c := NewController(Config{Issuer: &fakeIssuer{}, Dialer: &fakeDialer{}, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := c.Start(); !errors.Is(err, ErrControllerClosed) {
		t.Fatalf("expected ErrControllerClosed, got %v", err)
	}
}
