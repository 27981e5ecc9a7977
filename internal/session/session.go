package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// DefaultTTL is the descriptive lifetime stamped onto new session records.
// Nothing in the peer components enforces it; stores report sessions past
// ExpiresAt as ended when read.
const DefaultTTL = 24 * time.Hour

type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusEnded:
		return true
	default:
		return false
	}
}

// Participants tracks presence of each side of the pairing.
type Participants struct {
	Web    bool `json:"web"`
	Plugin bool `json:"plugin"`
}

// ICEServer is a JSON-friendly ICE server descriptor stored on the session
// record so both sides negotiate against the same server list.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func (s ICEServer) ToWebRTC() webrtc.ICEServer {
	out := webrtc.ICEServer{
		URLs:     s.URLs,
		Username: s.Username,
	}
	if s.Credential != "" {
		out.Credential = s.Credential
	}
	return out
}

func ICEServersToWebRTC(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.ToWebRTC())
	}
	return out
}

func ICEServersFromWebRTC(servers []webrtc.ICEServer) []ICEServer {
	out := make([]ICEServer, 0, len(servers))
	for _, s := range servers {
		rec := ICEServer{URLs: s.URLs, Username: s.Username}
		if cred, ok := s.Credential.(string); ok {
			rec.Credential = cred
		}
		out = append(out, rec)
	}
	return out
}

// Session is one logical pairing record between a browser client and a
// remote plugin. The creating client writes it; both sides mutate presence
// flags and status. Ended is terminal but durable (records are not purged).
type Session struct {
	ID           string       `json:"id"`
	UserID       string       `json:"userId"`
	ProjectID    string       `json:"projectId"`
	Status       Status       `json:"status"`
	Participants Participants `json:"participants"`
	ICEServers   []ICEServer  `json:"iceServers,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	ExpiresAt    time.Time    `json:"expiresAt"`
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// NewID returns a session identifier combining the current time with a
// crypto-random suffix, matching the id shape used on the wire by clients.
func NewID(now time.Time) (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return fmt.Sprintf("session-%d-%s", now.UnixMilli(), hex.EncodeToString(buf[:])), nil
}
