package toolcall

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/room4-2/whisper-bridge/bridgeerr"
	"github.com/room4-2/whisper-bridge/realtime"
)

var (
	// ErrDuplicateCall is returned when a call id was already seen this session.
	ErrDuplicateCall = errors.New("duplicate tool call id")
	// ErrProxyClosed is returned for calls arriving after Shutdown.
	ErrProxyClosed = errors.New("tool call proxy closed")
)

// Executor runs a named tool. CallTool may block.
type Executor interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error)
}

// Sender delivers events back into the speech session.
type Sender interface {
	Send(ev realtime.ClientEvent) error
}

type OutcomeKind string

const (
	OutcomeResult    OutcomeKind = "result"
	OutcomeError     OutcomeKind = "error"
	OutcomeAbandoned OutcomeKind = "abandoned"
)

// Outcome is the terminal result of one tool invocation.
type Outcome struct {
	CallID   string
	Name     string
	Kind     OutcomeKind
	Output   string // JSON delivered as function_call_output, empty when abandoned
	Err      error
	Duration time.Duration
}

type invocation struct {
	callID  string
	name    string
	started time.Time
	seq     uint64
}

// ProxyConfig wires a Proxy to its session.
type ProxyConfig struct {
	Executor Executor
	Sender   Sender
	// Post schedules fn on the goroutine that owns the proxy. Results of
	// finished calls come back through it.
	Post func(fn func())
	// OnOutcome receives exactly one outcome per accepted call id.
	OnOutcome func(Outcome)
	Timeout   time.Duration
}

// Proxy tracks the tool invocations of one session.
//
// Proxy is not safe for concurrent use. Every method, and every function
// handed to Post, must run on the same goroutine.
type Proxy struct {
	cfg    ProxyConfig
	ctx    context.Context
	cancel context.CancelFunc

	outstanding map[string]*invocation
	seen        map[string]struct{}
	seq         uint64
	closed      bool
	now         func() time.Time
}

func NewProxy(cfg ProxyConfig) *Proxy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.OnOutcome == nil {
		cfg.OnOutcome = func(Outcome) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Proxy{
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		outstanding: make(map[string]*invocation),
		seen:        make(map[string]struct{}),
		now:         time.Now,
	}
}

// Handle accepts a function-call request. Arguments that do not parse are
// answered at once with an error output; otherwise the tool runs in its own
// goroutine and the result is delivered when it completes.
func (p *Proxy) Handle(callID, name, argumentsJSON string) error {
	if p.closed {
		return ErrProxyClosed
	}
	if _, dup := p.seen[callID]; dup {
		return ErrDuplicateCall
	}
	p.seen[callID] = struct{}{}

	p.seq++
	inv := &invocation{callID: callID, name: name, started: p.now(), seq: p.seq}
	p.outstanding[callID] = inv

	args, err := parseArguments(argumentsJSON)
	if err != nil {
		p.complete(callID, nil, &RPCError{Code: CodeInvalidParams, Message: "invalid tool arguments: " + err.Error()})
		return nil
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	go func() {
		defer cancel()
		result, callErr := p.cfg.Executor.CallTool(ctx, name, args)
		p.cfg.Post(func() {
			p.complete(callID, result, callErr)
		})
	}()
	return nil
}

// Outstanding returns the number of calls without an outcome yet.
func (p *Proxy) Outstanding() int {
	return len(p.outstanding)
}

// Shutdown abandons every outstanding call and cancels their requests.
// Results arriving afterwards are dropped. Shutdown is idempotent.
func (p *Proxy) Shutdown() {
	if p.closed {
		return
	}
	p.closed = true
	p.cancel()

	pending := make([]*invocation, 0, len(p.outstanding))
	for _, inv := range p.outstanding {
		pending = append(pending, inv)
	}
	p.outstanding = make(map[string]*invocation)

	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	for _, inv := range pending {
		p.cfg.OnOutcome(Outcome{
			CallID:   inv.callID,
			Name:     inv.name,
			Kind:     OutcomeAbandoned,
			Err:      ErrProxyClosed,
			Duration: p.now().Sub(inv.started),
		})
	}
}

func (p *Proxy) complete(callID string, result json.RawMessage, callErr error) {
	inv, ok := p.outstanding[callID]
	if !ok {
		return
	}
	delete(p.outstanding, callID)

	out := Outcome{CallID: callID, Name: inv.name, Duration: p.now().Sub(inv.started)}
	if callErr != nil {
		out.Kind = OutcomeError
		out.Err = callErr
		out.Output = errorOutput(callErr)
	} else {
		out.Kind = OutcomeResult
		out.Output = resultOutput(result)
	}

	if err := p.deliver(callID, out.Output); err != nil {
		out.Kind = OutcomeAbandoned
		out.Err = err
	}
	p.cfg.OnOutcome(out)
}

func (p *Proxy) deliver(callID, output string) error {
	if err := p.cfg.Sender.Send(realtime.NewFunctionCallOutput(callID, output)); err != nil {
		return err
	}
	return p.cfg.Sender.Send(realtime.NewResponseCreate())
}

func parseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := sonic.UnmarshalString(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func resultOutput(result json.RawMessage) string {
	if len(result) == 0 {
		return "null"
	}
	return string(result)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// errorOutput renders err as the function_call_output body the model sees.
func errorOutput(err error) string {
	detail := errorDetail{Message: err.Error()}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		detail.Code = rpcErr.Code
		detail.Message = rpcErr.Message
	} else if msg := bridgeerr.Status(err); msg != "" {
		detail.Message = strings.TrimPrefix(msg, "Error: ")
	}
	data, mErr := sonic.Marshal(errorBody{Error: detail})
	if mErr != nil {
		return `{"error":{"message":"tool call failed"}}`
	}
	return string(data)
}
