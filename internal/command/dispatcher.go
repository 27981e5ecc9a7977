package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// FrameTypeCommand wraps an outgoing command.
	FrameTypeCommand = "ai-command"
	// FrameTypeResponse marks an inbound frame carrying a finalized command.
	FrameTypeResponse = "command-response"
)

var ErrNotConnected = errors.New("command: not connected")

// commandFrame is the wire shape for command sends and responses.
type commandFrame struct {
	Type    string   `json:"type"`
	Command *Command `json:"command"`
}

// messageFrame is the wire shape for ad hoc messages outside the command
// protocol.
type messageFrame struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Inbound is a decoded non-response frame delivered to message observers.
type Inbound struct {
	Type      string          `json:"type"`
	Command   *Command        `json:"command,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Dispatcher formats outgoing command payloads and routes inbound frames to
// two independent observer registries: one for command responses, one for
// everything else. Delivery order across observers is unspecified.
type Dispatcher struct {
	write   func([]byte) error
	usable  func() bool
	session func() string
	log     *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	nextToken int
	cmdSubs   map[int]func(Command)
	msgSubs   map[int]func(Inbound)
}

type DispatcherConfig struct {
	// Write sends one frame over the data channel.
	Write func([]byte) error
	// Usable reports whether the connection can carry frames.
	Usable func() bool
	// SessionID returns the active session id, or "" when idle.
	SessionID func() string

	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Write == nil || cfg.Usable == nil || cfg.SessionID == nil {
		return nil, errors.New("command: write, usable, and session id callbacks are required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		write:   cfg.Write,
		usable:  cfg.Usable,
		session: cfg.SessionID,
		log:     log,
		now:     now,
		cmdSubs: make(map[int]func(Command)),
		msgSubs: make(map[int]func(Inbound)),
	}, nil
}

// Send stamps req with a fresh id, the active session id, and status
// pending, then writes it to the data channel. Fire-and-forget: completion
// is observed through OnCommand, not through this call.
func (d *Dispatcher) Send(req Request) (Command, error) {
	if !req.Type.Valid() {
		return Command{}, fmt.Errorf("command: invalid type %q", req.Type)
	}
	sessionID := d.session()
	if sessionID == "" || !d.usable() {
		return Command{}, ErrNotConnected
	}

	now := d.now()
	cmd := Command{
		ID:        newCommandID(now),
		SessionID: sessionID,
		ProjectID: req.ProjectID,
		Type:      req.Type,
		Payload:   req.Payload,
		Status:    StatusPending,
		CreatedAt: now.UnixMilli(),
	}

	data, err := json.Marshal(commandFrame{Type: FrameTypeCommand, Command: &cmd})
	if err != nil {
		return Command{}, fmt.Errorf("command: encode: %w", err)
	}
	if err := d.write(data); err != nil {
		return Command{}, fmt.Errorf("command: send: %w", err)
	}
	return cmd, nil
}

// SendMessage writes an ad hoc typed message outside the command protocol.
func (d *Dispatcher) SendMessage(msgType string, payload any) error {
	if d.session() == "" || !d.usable() {
		return ErrNotConnected
	}
	data, err := json.Marshal(messageFrame{
		Type:      msgType,
		Data:      payload,
		Timestamp: d.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("command: encode message: %w", err)
	}
	if err := d.write(data); err != nil {
		return fmt.Errorf("command: send message: %w", err)
	}
	return nil
}

// Respond writes a finalized command back as a command-response frame. Used
// by the plugin side after executing a received command.
func (d *Dispatcher) Respond(cmd Command) error {
	if d.session() == "" || !d.usable() {
		return ErrNotConnected
	}
	data, err := json.Marshal(commandFrame{Type: FrameTypeResponse, Command: &cmd})
	if err != nil {
		return fmt.Errorf("command: encode response: %w", err)
	}
	if err := d.write(data); err != nil {
		return fmt.Errorf("command: send response: %w", err)
	}
	return nil
}

// OnCommand registers an observer for command responses. The returned func
// unsubscribes exactly that observer.
func (d *Dispatcher) OnCommand(fn func(Command)) func() {
	d.mu.Lock()
	token := d.nextToken
	d.nextToken++
	d.cmdSubs[token] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.cmdSubs, token)
		d.mu.Unlock()
	}
}

// OnMessage registers an observer for every non-response frame.
func (d *Dispatcher) OnMessage(fn func(Inbound)) func() {
	d.mu.Lock()
	token := d.nextToken
	d.nextToken++
	d.msgSubs[token] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.msgSubs, token)
		d.mu.Unlock()
	}
}

// HandleInbound decodes one data-channel frame and routes it. Malformed
// frames are logged and dropped, never propagated.
func (d *Dispatcher) HandleInbound(data []byte) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		d.log.Warn("dropping malformed data channel frame", "err", err)
		return
	}

	if in.Type == FrameTypeResponse && in.Command != nil {
		for _, fn := range d.commandObservers() {
			fn(*in.Command)
		}
		return
	}
	for _, fn := range d.messageObservers() {
		fn(in)
	}
}

func (d *Dispatcher) commandObservers() []func(Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]func(Command), 0, len(d.cmdSubs))
	for _, fn := range d.cmdSubs {
		out = append(out, fn)
	}
	return out
}

func (d *Dispatcher) messageObservers() []func(Inbound) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]func(Inbound), 0, len(d.msgSubs))
	for _, fn := range d.msgSubs {
		out = append(out, fn)
	}
	return out
}
