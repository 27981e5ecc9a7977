// Package relayproto defines the wire protocol between relay clients and
// the relay's signaling WebSocket endpoint: request/response envelopes plus
// pushed signal frames.
package relayproto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/draftforge/pluginlink/internal/session"
	"github.com/draftforge/pluginlink/internal/signal"
)

// Client-to-server operations. Each maps to one session store call except
// OpAuth, which must be the first frame when credentials were not supplied
// in the query string.
const (
	OpAuth           = "auth"
	OpCreateSession  = "create-session"
	OpGetSession     = "get-session"
	OpSetParticipant = "set-participant"
	OpSetStatus      = "set-status"
	OpAppend         = "append"
	OpWatch          = "watch"
)

// Server-to-client frame types.
const (
	FrameResponse = "response"
	FrameSignal   = "signal"
)

// Error codes carried on failed responses.
const (
	CodeBadRequest   = "bad_request"
	CodeNotFound     = "not_found"
	CodeExists       = "exists"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal_error"
)

// Request is the client-to-server envelope. Unused fields stay empty; the
// decoder rejects unknown ones.
type Request struct {
	Op  string `json:"op"`
	Seq int64  `json:"seq"`

	// Auth credentials, only on OpAuth.
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`

	Session   *session.Session `json:"session,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
	Sender    signal.Sender    `json:"sender,omitempty"`
	Present   *bool            `json:"present,omitempty"`
	Status    session.Status   `json:"status,omitempty"`
	Bucket    signal.Bucket    `json:"bucket,omitempty"`
	Message   *signal.Message  `json:"message,omitempty"`
}

// Response answers exactly one Request, correlated by Seq.
type Response struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
	OK   bool   `json:"ok"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Session *session.Session `json:"session,omitempty"`
}

// Push carries one watched signaling message to the client. Pushes are not
// correlated; the client routes them by session id and bucket.
type Push struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Bucket    signal.Bucket  `json:"bucket"`
	Message   signal.Message `json:"message"`
}

// ParseRequest decodes one request frame, rejecting unknown fields and
// trailing data.
func ParseRequest(data []byte) (Request, error) {
	var req Request
	if err := decodeStrictJSON(data, &req); err != nil {
		return Request{}, fmt.Errorf("invalid request: %w", err)
	}
	if req.Op == "" {
		return Request{}, fmt.Errorf("invalid request: missing op")
	}
	return req, nil
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return expectEOF(dec)
}

func expectEOF(dec *json.Decoder) error {
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
