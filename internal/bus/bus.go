// Package bus is the request/response channel between the background coordinator, the
// in-page agents and the configuration surface. Payloads cross the bus as JSON, so no Go
// value is shared between contexts.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Address names one execution context.
type Address string

const (
	Background Address = "background"
	Options    Address = "options"
	tabPrefix          = "tab:"
)

// TabAddress returns the address of the agent running in page session id.
func TabAddress(sessionID string) Address {
	return Address(tabPrefix + sessionID)
}

// SessionID returns the page session of a tab address.
func (a Address) SessionID() (string, bool) {
	s := string(a)
	if !strings.HasPrefix(s, tabPrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, tabPrefix), true
}

// Actions.
const (
	ActionAnalyzePage      = "ANALYZE_PAGE"
	ActionAnalyzePageMulti = "ANALYZE_PAGE_MULTI"
	ActionAnalyzeSelection = "ANALYZE_SELECTION"
	ActionCaptureViewport  = "CAPTURE_VIEWPORT"
	ActionGetConfig        = "GET_CONFIG"
	ActionModeChanged      = "MODE_CHANGED"
	ActionTriggerAnalysis  = "TRIGGER_ANALYSIS"
	ActionGetPanel         = "GET_PANEL"
)

// ErrConnectionLost means the receiving context does not exist or went away before replying.
var ErrConnectionLost = errors.New("connection lost: receiving context no longer exists")

// Command is {action, payload}. On the wire the payload fields sit beside action.
type Command struct {
	Action  string
	Payload json.RawMessage
}

// NewCommand encodes payload into a command. A nil payload sends only the action.
func NewCommand(action string, payload any) (Command, error) {
	if payload == nil {
		return Command{Action: action}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("encode %s payload: %w", action, err)
	}
	return Command{Action: action, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (c Command) Decode(v any) error {
	if len(c.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", c.Action, err)
	}
	return nil
}

func (c Command) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(c.Payload) > 0 {
		if err := json.Unmarshal(c.Payload, &fields); err != nil {
			return nil, fmt.Errorf("payload of %s must be a JSON object: %w", c.Action, err)
		}
	}
	action, err := json.Marshal(c.Action)
	if err != nil {
		return nil, err
	}
	fields["action"] = action
	return json.Marshal(fields)
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	raw, ok := fields["action"]
	if !ok {
		return errors.New("command has no action")
	}
	if err := json.Unmarshal(raw, &c.Action); err != nil {
		return fmt.Errorf("decode action: %w", err)
	}
	delete(fields, "action")
	c.Payload = nil
	if len(fields) > 0 {
		payload, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		c.Payload = payload
	}
	return nil
}

// Response is {success, data?, errorMessage?}.
type Response struct {
	Success      bool            `json:"success"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// OK builds a successful response carrying data.
func OK(data any) Response {
	if data == nil {
		return Response{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Fail(fmt.Sprintf("encode response: %v", err))
	}
	return Response{Success: true, Data: raw}
}

// Fail builds an error response.
func Fail(message string) Response {
	return Response{Success: false, ErrorMessage: message}
}

// Decode unmarshals the response data into v.
func (r Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Message is what a handler receives.
type Message struct {
	From    Address
	Command Command
}

// Responder answers a request. Only the first call has effect; one-way messages get a
// no-op responder.
type Responder func(Response)

// Handler processes one message. Handlers run on their own goroutine and may answer
// asynchronously, but must answer every request exactly once.
type Handler func(ctx context.Context, msg Message, respond Responder)

// Bus routes commands between registered endpoints.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[Address]*Endpoint
	logger    *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{endpoints: make(map[Address]*Endpoint), logger: logger}
}

// Endpoint is a registered context. Closing it tears the context down: pending requests to
// it fail with ErrConnectionLost.
type Endpoint struct {
	bus     *Bus
	addr    Address
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
}

// Register attaches handler at addr, replacing and closing any previous endpoint there.
func (b *Bus) Register(addr Address, handler Handler) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &Endpoint{bus: b, addr: addr, handler: handler, ctx: ctx, cancel: cancel}

	b.mu.Lock()
	prev := b.endpoints[addr]
	b.endpoints[addr] = ep
	b.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	return ep
}

func (e *Endpoint) Address() Address {
	return e.addr
}

// Done is closed when the endpoint is torn down.
func (e *Endpoint) Done() <-chan struct{} {
	return e.ctx.Done()
}

// Close unregisters the endpoint. It is safe to call more than once.
func (e *Endpoint) Close() {
	e.bus.mu.Lock()
	if e.bus.endpoints[e.addr] == e {
		delete(e.bus.endpoints, e.addr)
	}
	e.bus.mu.Unlock()
	e.cancel()
}

func (b *Bus) lookup(addr Address) (*Endpoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ep, ok := b.endpoints[addr]
	return ep, ok
}

// Request sends cmd to addr and waits for exactly one response. ctx is the sender's local
// timeout; the bus itself never times out.
func (b *Bus) Request(ctx context.Context, from, to Address, cmd Command) (Response, error) {
	ep, ok := b.lookup(to)
	if !ok {
		return Response{}, fmt.Errorf("%s to %s: %w", cmd.Action, to, ErrConnectionLost)
	}
	wire, err := json.Marshal(cmd)
	if err != nil {
		return Response{}, err
	}

	replies := make(chan []byte, 1)
	handled := make(chan struct{})
	var once sync.Once
	respond := func(r Response) {
		once.Do(func() {
			raw, err := json.Marshal(r)
			if err != nil {
				raw, _ = json.Marshal(Fail(err.Error()))
			}
			replies <- raw
		})
	}

	go func() {
		defer close(handled)
		b.deliver(ep, from, wire, respond)
	}()

	for {
		select {
		case raw := <-replies:
			var resp Response
			if err := json.Unmarshal(raw, &resp); err != nil {
				return Response{}, fmt.Errorf("decode response: %w", err)
			}
			return resp, nil
		case <-ep.ctx.Done():
			return Response{}, fmt.Errorf("%s to %s: %w", cmd.Action, to, ErrConnectionLost)
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-handled:
			// The handler may still answer from another goroutine.
			handled = nil
		}
	}
}

// Send delivers cmd one-way. It fails only when the target does not exist.
func (b *Bus) Send(from, to Address, cmd Command) error {
	ep, ok := b.lookup(to)
	if !ok {
		return fmt.Errorf("%s to %s: %w", cmd.Action, to, ErrConnectionLost)
	}
	wire, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	go b.deliver(ep, from, wire, func(Response) {})
	return nil
}

// Broadcast sends cmd one-way to every endpoint whose address starts with prefix and
// returns how many received it.
func (b *Bus) Broadcast(from Address, prefix string, cmd Command) (int, error) {
	wire, err := json.Marshal(cmd)
	if err != nil {
		return 0, err
	}

	b.mu.RLock()
	targets := make([]*Endpoint, 0, len(b.endpoints))
	for addr, ep := range b.endpoints {
		if strings.HasPrefix(string(addr), prefix) && addr != from {
			targets = append(targets, ep)
		}
	}
	b.mu.RUnlock()

	for _, ep := range targets {
		go b.deliver(ep, from, wire, func(Response) {})
	}
	return len(targets), nil
}

// BroadcastTabs sends cmd to every in-page agent.
func (b *Bus) BroadcastTabs(from Address, cmd Command) (int, error) {
	return b.Broadcast(from, tabPrefix, cmd)
}

// Addresses lists the currently registered endpoints.
func (b *Bus) Addresses() []Address {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Address, 0, len(b.endpoints))
	for addr := range b.endpoints {
		out = append(out, addr)
	}
	return out
}

func (b *Bus) deliver(ep *Endpoint, from Address, wire []byte, respond Responder) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked", "endpoint", ep.addr, "panic", r)
			respond(Fail(fmt.Sprintf("handler panicked: %v", r)))
		}
	}()

	var cmd Command
	if err := json.Unmarshal(wire, &cmd); err != nil {
		respond(Fail(fmt.Sprintf("decode command: %v", err)))
		return
	}
	ep.handler(ep.ctx, Message{From: from, Command: cmd}, respond)
}
