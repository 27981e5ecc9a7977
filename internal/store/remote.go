package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/draftforge/pluginlink/internal/relayproto"
	"github.com/draftforge/pluginlink/internal/session"
	"github.com/draftforge/pluginlink/internal/signal"
)

const remoteWriteWait = 1 * time.Second

// ErrRemoteClosed is returned for operations attempted after the relay
// connection ended.
var ErrRemoteClosed = errors.New("store: relay connection closed")

// Remote implements the session store over the relay's signaling WebSocket
// endpoint. Requests are correlated by sequence number; watched buckets
// arrive as pushed frames and are fanned out to local subscribers.
//
// Watch each bucket at most once per connection: the relay replays the
// backlog only for the first watch request.
type Remote struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	seq     int64
	pending map[int64]chan relayproto.Response
	watches map[watchKey][]chan signal.Message
	err     error

	closed    chan struct{}
	closeOnce sync.Once
}

type watchKey struct {
	sessionID string
	bucket    signal.Bucket
}

type RemoteConfig struct {
	// URL is the relay's signaling endpoint, e.g. ws://host:8080/signal.
	URL string

	// APIKey or Token is appended to the dial query when set.
	APIKey string
	Token  string

	Logger *slog.Logger
	Dialer *websocket.Dialer
}

// DialRemote connects to the relay and starts the read loop.
func DialRemote(ctx context.Context, cfg RemoteConfig) (*Remote, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: invalid relay url: %w", err)
	}
	q := u.Query()
	if cfg.APIKey != "" {
		q.Set("apiKey", cfg.APIKey)
	}
	if cfg.Token != "" {
		q.Set("token", cfg.Token)
	}
	u.RawQuery = q.Encode()

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("store: relay dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("store: relay dial failed: %w", err)
	}

	r := &Remote{
		conn:    conn,
		log:     log,
		pending: make(map[int64]chan relayproto.Response),
		watches: make(map[watchKey][]chan signal.Message),
		closed:  make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

func (r *Remote) CreateSession(ctx context.Context, s session.Session) error {
	_, err := r.call(ctx, relayproto.Request{Op: relayproto.OpCreateSession, Session: &s})
	return err
}

func (r *Remote) GetSession(ctx context.Context, id string) (session.Session, error) {
	resp, err := r.call(ctx, relayproto.Request{Op: relayproto.OpGetSession, SessionID: id})
	if err != nil {
		return session.Session{}, err
	}
	if resp.Session == nil {
		return session.Session{}, errors.New("store: relay response missing session")
	}
	return *resp.Session, nil
}

func (r *Remote) SetParticipant(ctx context.Context, id string, sender signal.Sender, present bool) error {
	_, err := r.call(ctx, relayproto.Request{
		Op:        relayproto.OpSetParticipant,
		SessionID: id,
		Sender:    sender,
		Present:   &present,
	})
	return err
}

func (r *Remote) SetStatus(ctx context.Context, id string, status session.Status) error {
	_, err := r.call(ctx, relayproto.Request{Op: relayproto.OpSetStatus, SessionID: id, Status: status})
	return err
}

func (r *Remote) Append(ctx context.Context, id string, bucket signal.Bucket, msg signal.Message) error {
	_, err := r.call(ctx, relayproto.Request{Op: relayproto.OpAppend, SessionID: id, Bucket: bucket, Message: &msg})
	return err
}

func (r *Remote) Watch(ctx context.Context, id string, bucket signal.Bucket) (<-chan signal.Message, error) {
	key := watchKey{sessionID: id, bucket: bucket}
	sub := make(chan signal.Message, watchBuffer)

	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return nil, err
	}
	first := len(r.watches[key]) == 0
	r.watches[key] = append(r.watches[key], sub)
	r.mu.Unlock()

	if first {
		if _, err := r.call(ctx, relayproto.Request{Op: relayproto.OpWatch, SessionID: id, Bucket: bucket}); err != nil {
			r.removeWatch(key, sub)
			return nil, err
		}
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-r.closed:
		}
		r.removeWatch(key, sub)
	}()

	return sub, nil
}

// Close tears down the relay connection. Pending calls fail and watch
// channels close.
func (r *Remote) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.writeMu.Lock()
		_ = r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(remoteWriteWait))
		r.writeMu.Unlock()
		err = r.conn.Close()
	})
	return err
}

func (r *Remote) call(ctx context.Context, req relayproto.Request) (relayproto.Response, error) {
	ch := make(chan relayproto.Response, 1)

	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return relayproto.Response{}, err
	}
	r.seq++
	req.Seq = r.seq
	r.pending[req.Seq] = ch
	r.mu.Unlock()

	if err := r.write(req); err != nil {
		r.mu.Lock()
		delete(r.pending, req.Seq)
		r.mu.Unlock()
		return relayproto.Response{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return relayproto.Response{}, ErrRemoteClosed
		}
		if !resp.OK {
			return relayproto.Response{}, responseError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, req.Seq)
		r.mu.Unlock()
		return relayproto.Response{}, ctx.Err()
	}
}

func responseError(resp relayproto.Response) error {
	switch resp.Code {
	case relayproto.CodeNotFound:
		return ErrSessionNotFound
	case relayproto.CodeExists:
		return ErrSessionExists
	default:
		return fmt.Errorf("store: relay error %s: %s", resp.Code, resp.Message)
	}
}

func (r *Remote) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(remoteWriteWait))
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

func (r *Remote) readLoop() {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			r.fail(fmt.Errorf("%w: %v", ErrRemoteClosed, err))
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			r.log.Warn("malformed relay frame dropped", "err", err)
			continue
		}

		switch envelope.Type {
		case relayproto.FrameResponse:
			var resp relayproto.Response
			if err := json.Unmarshal(data, &resp); err != nil {
				r.log.Warn("malformed relay response dropped", "err", err)
				continue
			}
			r.mu.Lock()
			ch, ok := r.pending[resp.Seq]
			if ok {
				delete(r.pending, resp.Seq)
			}
			r.mu.Unlock()
			if ok {
				ch <- resp
			}

		case relayproto.FrameSignal:
			var push relayproto.Push
			if err := json.Unmarshal(data, &push); err != nil {
				r.log.Warn("malformed relay push dropped", "err", err)
				continue
			}
			key := watchKey{sessionID: push.SessionID, bucket: push.Bucket}
			// Send under the mutex: removeWatch closes subscriber channels
			// while holding it, so a send must never race a close. The
			// channels are buffered and the send never blocks.
			r.mu.Lock()
			for _, sub := range r.watches[key] {
				select {
				case sub <- push.Message:
				default:
					r.log.Warn("watch subscriber full, dropping message",
						"session_id", push.SessionID, "bucket", push.Bucket)
				}
			}
			r.mu.Unlock()

		default:
			r.log.Warn("unknown relay frame type dropped", "frame_type", envelope.Type)
		}
	}
}

// fail marks the connection dead, fails pending calls, and closes all watch
// subscriber channels.
func (r *Remote) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	pending := r.pending
	r.pending = make(map[int64]chan relayproto.Response)
	watches := r.watches
	r.watches = make(map[watchKey][]chan signal.Message)
	r.mu.Unlock()

	close(r.closed)

	for _, ch := range pending {
		close(ch)
	}
	for _, subs := range watches {
		for _, sub := range subs {
			close(sub)
		}
	}
}

func (r *Remote) removeWatch(key watchKey, sub chan signal.Message) {
	r.mu.Lock()
	subs := r.watches[key]
	for i, s := range subs {
		if s == sub {
			r.watches[key] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(r.watches[key]) == 0 {
		delete(r.watches, key)
	}
	r.mu.Unlock()
}
