package peer

import "github.com/pion/webrtc/v4"

type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

type ChannelState string

const (
	ChannelStateConnecting ChannelState = "connecting"
	ChannelStateOpen       ChannelState = "open"
	ChannelStateClosed     ChannelState = "closed"
)

type Quality string

const (
	QualityExcellent    Quality = "excellent"
	QualityGood         Quality = "good"
	QualityPoor         Quality = "poor"
	QualityDisconnected Quality = "disconnected"
)

// State is a snapshot of the manager's observable flags.
type State struct {
	Connection ConnectionState
	Channel    ChannelState
	Quality    Quality
	Connecting bool
	LastError  string
}

// Usable reports whether the connection can carry commands: the peer
// connection is connected and the data channel is open. Partial combinations
// are never usable.
func (s State) Usable() bool {
	return s.Connection == ConnectionStateConnected && s.Channel == ChannelStateOpen
}

func connectionStateFromPion(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return ConnectionStateNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionStateClosed
	default:
		return ConnectionStateNew
	}
}
