package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/draftforge/pluginlink/internal/signal"
)

// DataChannelLabel is the single data channel carrying JSON-framed commands
// and messages. Delivery is ordered and fully reliable.
const DataChannelLabel = "commands"

var (
	// ErrConnectionExists is returned when CreateConnection is called while a
	// connection is already live. The previous connection must be closed
	// first; handlers are never silently replaced.
	ErrConnectionExists = errors.New("peer: connection already exists")
	ErrNotConnected     = errors.New("peer: not connected")
)

// SignalSender publishes local negotiation steps through the signaling
// channel.
type SignalSender interface {
	SendSDP(t signal.MessageType, desc webrtc.SessionDescription) error
	SendCandidate(init webrtc.ICECandidateInit) error
}

// Manager exclusively owns one peer connection and one data channel. No
// other code may touch the underlying pion objects. A failed or disconnected
// connection is not retried; callers tear down with Close and create a fresh
// connection.
type Manager struct {
	api           *webrtc.API
	signals       SignalSender
	onInbound     func([]byte)
	onChannelOpen func()
	log           *slog.Logger

	sampleInterval time.Duration
	statsRTT       func(*webrtc.PeerConnection) (time.Duration, error)

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	dc          *webrtc.DataChannel
	answerICE   []webrtc.ICEServer
	connState   ConnectionState
	chanState   ChannelState
	quality     Quality
	connecting  bool
	lastErr     string
	stopMonitor chan struct{}
}

type Config struct {
	// API optionally supplies a pion API with a tuned SettingEngine. When nil
	// the default API is used.
	API *webrtc.API

	Signals SignalSender

	// OnInbound receives every raw data-channel frame. The payload is owned
	// by the callee.
	OnInbound func([]byte)

	// OnChannelOpen fires once the data channel opens, the success
	// notification surfaced to the surrounding application.
	OnChannelOpen func()

	Logger *slog.Logger

	// SampleInterval overrides the quality sampling period, for tests.
	SampleInterval time.Duration
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Signals == nil {
		return nil, errors.New("peer: signal sender is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := cfg.SampleInterval
	if interval <= 0 {
		interval = qualitySampleInterval
	}
	return &Manager{
		api:            cfg.API,
		signals:        cfg.Signals,
		onInbound:      cfg.OnInbound,
		onChannelOpen:  cfg.OnChannelOpen,
		log:            log,
		sampleInterval: interval,
		statsRTT:       currentRTT,
		connState:      ConnectionStateNew,
		chanState:      ChannelStateClosed,
		quality:        QualityDisconnected,
	}, nil
}

// State returns a snapshot of the observable connection flags.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	return State{
		Connection: m.connState,
		Channel:    m.chanState,
		Quality:    m.quality,
		Connecting: m.connecting,
		LastError:  m.lastErr,
	}
}

// CreateConnection builds the peer connection, creates the commands data
// channel, and publishes the initial offer. It refuses when a connection
// already exists. On failure the half-built connection is discarded, the
// error is recorded, and the error is returned to the caller.
func (m *Manager) CreateConnection(iceServers []webrtc.ICEServer) error {
	m.mu.Lock()
	if m.pc != nil || m.connecting {
		m.mu.Unlock()
		return ErrConnectionExists
	}
	m.connecting = true
	m.connState = ConnectionStateNew
	m.chanState = ChannelStateConnecting
	m.lastErr = ""
	m.mu.Unlock()

	if err := m.connect(iceServers); err != nil {
		m.mu.Lock()
		m.connecting = false
		m.lastErr = fmt.Sprintf("connection failed: %v", err)
		pc, dc := m.pc, m.dc
		m.pc, m.dc = nil, nil
		m.chanState = ChannelStateClosed
		m.mu.Unlock()
		if dc != nil {
			_ = dc.Close()
		}
		if pc != nil {
			_ = pc.Close()
		}
		return err
	}
	return nil
}

func (m *Manager) connect(iceServers []webrtc.ICEServer) error {
	pc, err := m.newPeerConnection(iceServers)
	if err != nil {
		return err
	}

	ordered := true
	dc, err := pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	m.bindChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := m.signals.SendSDP(signal.MessageTypeOffer, offer); err != nil {
		return fmt.Errorf("publish offer: %w", err)
	}
	return nil
}

func (m *Manager) newPeerConnection(iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	cfg := webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		BundlePolicy:       webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
	}

	var pc *webrtc.PeerConnection
	var err error
	if m.api != nil {
		pc, err = m.api.NewPeerConnection(cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	m.mu.Lock()
	m.pc = pc
	m.mu.Unlock()

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		m.handleConnectionState(pc, st)
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := m.signals.SendCandidate(c.ToJSON()); err != nil {
			m.log.Error("failed to publish ice candidate", "err", err)
			m.setLastErr(err.Error())
		}
	})

	// Either side may initiate the channel; a remote-initiated channel gets
	// the same wiring.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			m.log.Warn("ignoring unexpected data channel", "label", dc.Label())
			return
		}
		m.bindChannel(dc)
	})
	return pc, nil
}

// SetAnswerICEServers records the ICE servers used when this side answers a
// remote offer without having initiated a connection itself.
func (m *Manager) SetAnswerICEServers(servers []webrtc.ICEServer) {
	m.mu.Lock()
	m.answerICE = servers
	m.mu.Unlock()
}

// accept builds the answering peer connection for a remote offer. The data
// channel arrives from the remote side through OnDataChannel; no offer is
// published.
func (m *Manager) accept() (*webrtc.PeerConnection, error) {
	m.mu.Lock()
	if m.pc != nil {
		pc := m.pc
		m.mu.Unlock()
		return pc, nil
	}
	m.connecting = true
	m.connState = ConnectionStateNew
	m.chanState = ChannelStateConnecting
	m.lastErr = ""
	servers := m.answerICE
	m.mu.Unlock()

	pc, err := m.newPeerConnection(servers)
	if err != nil {
		m.mu.Lock()
		m.connecting = false
		m.chanState = ChannelStateClosed
		m.lastErr = fmt.Sprintf("connection failed: %v", err)
		m.mu.Unlock()
		return nil, err
	}
	return pc, nil
}

func (m *Manager) bindChannel(dc *webrtc.DataChannel) {
	m.mu.Lock()
	prev := m.dc
	m.dc = dc
	m.mu.Unlock()
	if prev != nil && prev != dc {
		_ = prev.Close()
	}

	dc.OnOpen(func() {
		m.mu.Lock()
		m.chanState = ChannelStateOpen
		m.mu.Unlock()
		m.log.Info("data channel open", "label", dc.Label())
		if m.onChannelOpen != nil {
			m.onChannelOpen()
		}
	})
	dc.OnClose(func() {
		m.mu.Lock()
		if m.dc == dc {
			m.chanState = ChannelStateClosed
		}
		m.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if m.onInbound == nil {
			return
		}
		// Copy because pion reuses internal buffers.
		data := append([]byte(nil), msg.Data...)
		m.onInbound(data)
	})
}

func (m *Manager) handleConnectionState(pc *webrtc.PeerConnection, st webrtc.PeerConnectionState) {
	cs := connectionStateFromPion(st)

	m.mu.Lock()
	if m.pc != pc {
		// Stale callback from a connection already torn down.
		m.mu.Unlock()
		return
	}
	m.connState = cs

	var stop chan struct{}
	switch cs {
	case ConnectionStateConnected:
		m.connecting = false
		if m.stopMonitor == nil {
			m.stopMonitor = make(chan struct{})
			stop = m.stopMonitor
		}
	case ConnectionStateFailed, ConnectionStateDisconnected:
		m.quality = QualityDisconnected
		m.stopMonitorLocked()
	case ConnectionStateClosed:
		m.connecting = false
		m.quality = QualityDisconnected
		m.stopMonitorLocked()
	}
	m.mu.Unlock()

	m.log.Info("connection state changed", "state", string(cs))
	if stop != nil {
		go m.monitor(pc, stop)
	}
}

// monitor samples connection quality once immediately and then on a fixed
// interval while the connection stays usable.
func (m *Manager) monitor(pc *webrtc.PeerConnection, stop <-chan struct{}) {
	m.sample(pc)

	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.State().Usable() {
				return
			}
			m.sample(pc)
		}
	}
}

func (m *Manager) sample(pc *webrtc.PeerConnection) {
	q := QualityPoor
	rtt, err := m.statsRTT(pc)
	if err == nil {
		q = classifyRTT(rtt)
	}

	m.mu.Lock()
	if m.pc == pc && m.connState == ConnectionStateConnected {
		m.quality = q
	}
	m.mu.Unlock()
}

// HandleRemoteOffer applies a remote offer, produces an answer, and
// publishes it. When no connection exists yet this side takes the answerer
// role and builds one on demand.
func (m *Manager) HandleRemoteOffer(desc webrtc.SessionDescription) error {
	pc := m.current()
	if pc == nil {
		var err error
		pc, err = m.accept()
		if err != nil {
			return err
		}
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := m.signals.SendSDP(signal.MessageTypeAnswer, answer); err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}
	return nil
}

// HandleRemoteAnswer applies a remote answer. No-op when no connection
// exists.
func (m *Manager) HandleRemoteAnswer(desc webrtc.SessionDescription) error {
	pc := m.current()
	if pc == nil {
		return nil
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// HandleRemoteCandidate adds a remote ICE candidate. No-op when no
// connection exists.
func (m *Manager) HandleRemoteCandidate(init webrtc.ICECandidateInit) error {
	pc := m.current()
	if pc == nil {
		return nil
	}
	if init.Candidate == "" {
		return nil
	}
	if err := pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Send writes one frame to the data channel. It fails unless the connection
// is usable.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	dc := m.dc
	usable := m.stateLocked().Usable()
	m.mu.Unlock()

	if !usable || dc == nil {
		return ErrNotConnected
	}
	return dc.SendText(string(data))
}

// Close tears down the data channel and peer connection. It is idempotent
// and never returns an error; after Close both states report closed and
// quality reports disconnected.
func (m *Manager) Close() {
	m.mu.Lock()
	pc, dc := m.pc, m.dc
	m.pc, m.dc = nil, nil
	m.connState = ConnectionStateClosed
	m.chanState = ChannelStateClosed
	m.quality = QualityDisconnected
	m.connecting = false
	m.stopMonitorLocked()
	m.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
}

func (m *Manager) current() *webrtc.PeerConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pc
}

func (m *Manager) setLastErr(s string) {
	m.mu.Lock()
	m.lastErr = s
	m.mu.Unlock()
}

func (m *Manager) stopMonitorLocked() {
	if m.stopMonitor != nil {
		close(m.stopMonitor)
		m.stopMonitor = nil
	}
}
