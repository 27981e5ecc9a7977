// Package bridge composes the signaling channel, peer-connection manager,
// and command dispatcher into the client surface consumed by the
// surrounding application: session lifecycle, connection lifecycle, and the
// command channel.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/draftforge/pluginlink/internal/auth"
	"github.com/draftforge/pluginlink/internal/command"
	"github.com/draftforge/pluginlink/internal/metrics"
	"github.com/draftforge/pluginlink/internal/peer"
	"github.com/draftforge/pluginlink/internal/session"
	"github.com/draftforge/pluginlink/internal/signal"
)

// signalSendTimeout bounds store writes triggered from pion callbacks,
// which carry no caller context.
const signalSendTimeout = 10 * time.Second

// Client owns exactly one signaling channel, one peer-connection manager,
// and one command dispatcher. Hold at most one live Client per logical
// session; Close releases everything.
type Client struct {
	log        *slog.Logger
	identity   auth.Provider
	metrics    *metrics.Metrics
	store      signal.Store
	iceServers []session.ICEServer

	channel    *signal.Channel
	manager    *peer.Manager
	dispatcher *command.Dispatcher

	closeOnce sync.Once
}

type Config struct {
	Store    signal.Store
	Identity auth.Provider

	// Tag is the side this client plays: signal.SenderWeb or
	// signal.SenderPlugin.
	Tag signal.Sender

	// ICEServers is stamped onto sessions this client creates, and used as a
	// fallback when a joined session record carries none.
	ICEServers []session.ICEServer

	// API optionally supplies a tuned pion API (e.g. vnet in tests).
	API *webrtc.API

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// SampleInterval overrides quality sampling, for tests.
	SampleInterval time.Duration
}

func New(cfg Config) (*Client, error) {
	if cfg.Identity == nil {
		return nil, errors.New("bridge: identity provider is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Client{
		log:        log,
		identity:   cfg.Identity,
		metrics:    cfg.Metrics,
		store:      cfg.Store,
		iceServers: cfg.ICEServers,
	}

	channel, err := signal.NewChannel(signal.ChannelConfig{
		Store:  cfg.Store,
		Tag:    cfg.Tag,
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	c.channel = channel

	manager, err := peer.NewManager(peer.Config{
		API:     cfg.API,
		Signals: c,
		OnInbound: func(data []byte) {
			c.dispatcher.HandleInbound(data)
		},
		OnChannelOpen: func() {
			c.inc("data_channel_open")
			c.log.Info("command channel established")
		},
		Logger:         log,
		SampleInterval: cfg.SampleInterval,
	})
	if err != nil {
		return nil, err
	}
	c.manager = manager
	channel.SetHandler(manager)

	dispatcher, err := command.NewDispatcher(command.DispatcherConfig{
		Write:     manager.Send,
		Usable:    func() bool { return manager.State().Usable() },
		SessionID: channel.SessionID,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	c.dispatcher = dispatcher

	return c, nil
}

// CreateSession writes a fresh session record owned by the authenticated
// user and starts listening for signaling messages. It returns the session
// id.
func (c *Client) CreateSession(ctx context.Context, projectID string) (string, error) {
	id, err := c.identity.Identity()
	if err != nil {
		return "", err
	}
	c.manager.SetAnswerICEServers(session.ICEServersToWebRTC(c.iceServers))
	sessionID, err := c.channel.Create(ctx, id.UserID, projectID, c.iceServers)
	if err != nil {
		return "", err
	}
	c.inc("session_created")
	return sessionID, nil
}

// JoinSession marks this side present on an existing session and starts
// listening for signaling messages. The session record's ICE servers are
// installed as the answer configuration before any backlogged offer can be
// replayed.
func (c *Client) JoinSession(ctx context.Context, sessionID string) error {
	if _, err := c.identity.Identity(); err != nil {
		return err
	}

	rec, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	iceServers := rec.ICEServers
	if len(iceServers) == 0 {
		iceServers = c.iceServers
	}
	c.manager.SetAnswerICEServers(session.ICEServersToWebRTC(iceServers))

	if err := c.channel.Join(ctx, sessionID); err != nil {
		return err
	}
	c.inc("session_joined")
	return nil
}

// EndSession marks the session ended, tears down the peer connection, and
// stops listening. Best-effort: a no-op without an active session, and
// never returns an error.
func (c *Client) EndSession() {
	if c.channel.SessionID() == "" {
		return
	}
	c.manager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), signalSendTimeout)
	defer cancel()
	c.channel.End(ctx)
	c.inc("session_ended")
}

// CreateConnection starts WebRTC negotiation for the active session: it
// builds the peer connection with the session's ICE servers, opens the
// commands channel, and publishes the offer.
func (c *Client) CreateConnection(ctx context.Context) error {
	rec, err := c.channel.Session(ctx)
	if err != nil {
		return err
	}

	iceServers := rec.ICEServers
	if len(iceServers) == 0 {
		iceServers = c.iceServers
	}
	if err := c.manager.CreateConnection(session.ICEServersToWebRTC(iceServers)); err != nil {
		c.inc("connection_failed")
		return fmt.Errorf("create connection: %w", err)
	}
	c.inc("connection_created")
	return nil
}

// CloseConnection tears down the peer connection and data channel. Safe to
// call at any time.
func (c *Client) CloseConnection() {
	c.manager.Close()
}

// SendCommand dispatches one AI command over the data channel and returns
// the stamped command. Completion arrives via OnCommandReceived.
func (c *Client) SendCommand(req command.Request) (command.Command, error) {
	cmd, err := c.dispatcher.Send(req)
	if err != nil {
		return command.Command{}, err
	}
	c.inc("commands_sent")
	return cmd, nil
}

// SendMessage sends an ad hoc typed message outside the command protocol.
func (c *Client) SendMessage(msgType string, data any) error {
	return c.dispatcher.SendMessage(msgType, data)
}

// RespondCommand sends a finalized command back as a command-response.
// Used on the plugin side.
func (c *Client) RespondCommand(cmd command.Command) error {
	return c.dispatcher.Respond(cmd)
}

// OnCommandReceived subscribes to command responses; the returned func
// unsubscribes.
func (c *Client) OnCommandReceived(fn func(command.Command)) func() {
	return c.dispatcher.OnCommand(fn)
}

// OnMessageReceived subscribes to non-response messages; the returned func
// unsubscribes.
func (c *Client) OnMessageReceived(fn func(command.Inbound)) func() {
	return c.dispatcher.OnMessage(fn)
}

// State is the client's externally observable condition.
type State struct {
	SessionID  string
	Connection peer.ConnectionState
	Channel    peer.ChannelState
	Quality    peer.Quality
	Connected  bool
	Connecting bool
	LastError  string
}

func (c *Client) State() State {
	ps := c.manager.State()
	lastErr := ps.LastError
	if lastErr == "" {
		lastErr = c.channel.LastError()
	}
	return State{
		SessionID:  c.channel.SessionID(),
		Connection: ps.Connection,
		Channel:    ps.Channel,
		Quality:    ps.Quality,
		Connected:  ps.Usable(),
		Connecting: ps.Connecting,
		LastError:  lastErr,
	}
}

// Close ends the session and releases all owned resources. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.EndSession()
		c.manager.Close()
	})
}

// SendSDP publishes a local offer or answer through the signaling channel.
func (c *Client) SendSDP(t signal.MessageType, desc webrtc.SessionDescription) error {
	msg, err := signal.NewSDPMessage(t, c.channel.Tag(), desc, 0)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), signalSendTimeout)
	defer cancel()
	return c.channel.Send(ctx, msg)
}

// SendCandidate publishes a discovered local ICE candidate.
func (c *Client) SendCandidate(init webrtc.ICECandidateInit) error {
	msg, err := signal.NewCandidateMessage(c.channel.Tag(), init, 0)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), signalSendTimeout)
	defer cancel()
	return c.channel.Send(ctx, msg)
}

func (c *Client) inc(event string) {
	if c.metrics != nil {
		c.metrics.Inc(event)
	}
}
