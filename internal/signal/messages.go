package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	MessageTypeOffer     MessageType = "offer"
	MessageTypeAnswer    MessageType = "answer"
	MessageTypeCandidate MessageType = "ice-candidate"
	MessageTypeError     MessageType = "error"
	MessageTypeStatus    MessageType = "status"
)

// Sender tags which side of the pairing authored a message. A client never
// processes messages carrying its own tag.
type Sender string

const (
	SenderWeb    Sender = "web"
	SenderPlugin Sender = "plugin"
)

func (s Sender) Valid() bool {
	return s == SenderWeb || s == SenderPlugin
}

// Bucket names one of the per-type message logs under a session id. Keeping
// each type in its own bucket keeps listeners cheap and orders same-type
// messages without a merged stream.
type Bucket string

const (
	BucketOffers     Bucket = "offers"
	BucketAnswers    Bucket = "answers"
	BucketCandidates Bucket = "ice-candidates"
	BucketStatus     Bucket = "status"
)

// BucketForType maps a message type to the log it is appended to.
func BucketForType(t MessageType) (Bucket, error) {
	switch t {
	case MessageTypeOffer:
		return BucketOffers, nil
	case MessageTypeAnswer:
		return BucketAnswers, nil
	case MessageTypeCandidate:
		return BucketCandidates, nil
	case MessageTypeError, MessageTypeStatus:
		return BucketStatus, nil
	default:
		return "", fmt.Errorf("no bucket for message type %q", t)
	}
}

// Message is one discrete negotiation step appended to a session's message
// log. Messages are append-only and never mutated after creation.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Sender    Sender          `json:"sender"`
	Timestamp int64           `json:"timestamp"`
}

// ParseMessage decodes a wire message, rejecting unknown fields and trailing
// data.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) Validate() error {
	if !m.Sender.Valid() {
		return fmt.Errorf("invalid sender %q", m.Sender)
	}
	switch m.Type {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeCandidate:
		if len(m.Data) == 0 {
			return fmt.Errorf("%s message missing data", m.Type)
		}
	case MessageTypeError, MessageTypeStatus:
		// Payload optional.
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// SDP is a JSON-friendly session description payload.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("missing sdp body")
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is a JSON-friendly ICE candidate payload.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// NewSDPMessage builds an offer or answer message for the given description.
func NewSDPMessage(t MessageType, sender Sender, desc webrtc.SessionDescription, timestamp int64) (Message, error) {
	if t != MessageTypeOffer && t != MessageTypeAnswer {
		return Message{}, fmt.Errorf("message type %q does not carry an sdp", t)
	}
	data, err := json.Marshal(SDPFromPion(desc))
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Data: data, Sender: sender, Timestamp: timestamp}, nil
}

// NewCandidateMessage builds an ice-candidate message.
func NewCandidateMessage(sender Sender, init webrtc.ICECandidateInit, timestamp int64) (Message, error) {
	data, err := json.Marshal(CandidateFromPion(init))
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeCandidate, Data: data, Sender: sender, Timestamp: timestamp}, nil
}
