// Package relayserver exposes the session store over a WebSocket endpoint,
// so web and plugin clients on different hosts share one signaling log.
//
// The protocol is request/response with server pushes. Clients authenticate
// first (query string or an auth frame within the auth timeout), then issue
// store operations; a watch request turns on pushes for one session bucket.
package relayserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/draftforge/pluginlink/internal/auth"
	"github.com/draftforge/pluginlink/internal/metrics"
	"github.com/draftforge/pluginlink/internal/ratelimit"
	"github.com/draftforge/pluginlink/internal/relayproto"
	"github.com/draftforge/pluginlink/internal/session"
	"github.com/draftforge/pluginlink/internal/signal"
	"github.com/draftforge/pluginlink/internal/store"
)

const wsWriteWait = 1 * time.Second

type Config struct {
	Store signal.Store

	AuthMode  auth.Mode
	APIKey    string
	JWTSecret string

	// AuthTimeout bounds how long an unauthenticated connection may sit idle
	// before the first auth frame.
	AuthTimeout time.Duration

	// IdleTimeout closes connections with no inbound traffic (including
	// pongs). PingInterval must be shorter.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes   int64
	MessagesPerSecond int

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Clock overrides rate limiter time, for tests.
	Clock ratelimit.Clock
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	verifier auth.Verifier
	upgrader websocket.Upgrader
}

func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("relayserver: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AuthMode == "" {
		cfg.AuthMode = auth.ModeNone
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 2 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 50
	}

	verifier, err := auth.NewVerifier(cfg.AuthMode, cfg.APIKey, cfg.JWTSecret)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		srv:     s,
		conn:    conn,
		limiter: ratelimit.NewTokenBucket(s.cfg.Clock, int64(s.cfg.MessagesPerSecond), int64(s.cfg.MessagesPerSecond)),
		watches: make(map[watchKey]struct{}),
	}
	c.watchCtx, c.watchCancel = context.WithCancel(context.Background())

	authenticated := false
	if cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query()); err == nil {
		if _, err := s.verifier.Verify(cred); err != nil {
			s.incWS("auth_failure")
			c.closeWith(websocket.ClosePolicyViolation, "invalid credentials")
			c.Close()
			return
		}
		authenticated = true
	} else if !errors.Is(err, auth.ErrMissingCredentials) && s.cfg.AuthMode != auth.ModeNone {
		c.closeWith(websocket.CloseInternalServerErr, "invalid auth configuration")
		c.Close()
		return
	}
	if s.cfg.AuthMode == auth.ModeNone {
		authenticated = true
	}

	s.incWS("accepted")
	c.run(authenticated)
}

func (s *Server) incWS(result string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncWSConnection(result)
	}
}

type watchKey struct {
	sessionID string
	bucket    signal.Bucket
}

type wsConn struct {
	srv  *Server
	conn *websocket.Conn

	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex

	watchCtx    context.Context
	watchCancel context.CancelFunc
	watchWG     sync.WaitGroup

	mu      sync.Mutex
	watches map[watchKey]struct{}

	closeOnce sync.Once
}

func (c *wsConn) run(authenticated bool) {
	defer c.Close()

	c.conn.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
	})

	if authenticated {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
	} else {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.AuthTimeout))
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(pingDone)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !authenticated && isTimeout(err) {
				c.srv.incWS("auth_timeout")
				c.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		// Rate limit after reading so buffered bytes are consumed; closing
		// with unread data can surface as an abortive close to the client.
		if !c.limiter.Allow(1) {
			c.srv.incWS("rate_limited")
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		req, err := relayproto.ParseRequest(data)
		if err != nil {
			c.closeWith(websocket.ClosePolicyViolation, "bad message")
			return
		}

		if !authenticated {
			if req.Op != relayproto.OpAuth {
				c.srv.incWS("auth_failure")
				c.closeWith(websocket.ClosePolicyViolation, "authentication required")
				return
			}
			cred, err := auth.CredentialFromAuthMessage(c.srv.cfg.AuthMode, auth.WireAuthMessage{
				Type:   relayproto.OpAuth,
				APIKey: req.APIKey,
				Token:  req.Token,
			})
			if err != nil {
				c.srv.incWS("auth_failure")
				c.closeWith(websocket.ClosePolicyViolation, "missing credentials")
				return
			}
			if _, err := c.srv.verifier.Verify(cred); err != nil {
				c.srv.incWS("auth_failure")
				c.closeWith(websocket.ClosePolicyViolation, "invalid credentials")
				return
			}
			authenticated = true
			_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
			c.respondOK(req.Seq, nil)
			continue
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))

		if req.Op == relayproto.OpAuth {
			// Tolerated after query-string auth or in none mode.
			c.respondOK(req.Seq, nil)
			continue
		}

		c.handle(req)
	}
}

func (c *wsConn) handle(req relayproto.Request) {
	ctx, cancel := context.WithTimeout(c.watchCtx, 10*time.Second)
	defer cancel()

	st := c.srv.cfg.Store

	switch req.Op {
	case relayproto.OpCreateSession:
		if req.Session == nil || req.Session.ID == "" {
			c.respondErr(req.Seq, relayproto.CodeBadRequest, "missing session")
			return
		}
		if err := st.CreateSession(ctx, *req.Session); err != nil {
			c.respondStoreErr(req.Seq, err)
			return
		}
		c.respondOK(req.Seq, nil)

	case relayproto.OpGetSession:
		if req.SessionID == "" {
			c.respondErr(req.Seq, relayproto.CodeBadRequest, "missing sessionId")
			return
		}
		rec, err := st.GetSession(ctx, req.SessionID)
		if err != nil {
			c.respondStoreErr(req.Seq, err)
			return
		}
		c.respondOK(req.Seq, &rec)

	case relayproto.OpSetParticipant:
		if req.SessionID == "" || req.Present == nil {
			c.respondErr(req.Seq, relayproto.CodeBadRequest, "missing sessionId or present")
			return
		}
		if req.Sender != signal.SenderWeb && req.Sender != signal.SenderPlugin {
			c.respondErr(req.Seq, relayproto.CodeBadRequest, "invalid sender")
			return
		}
		if err := st.SetParticipant(ctx, req.SessionID, req.Sender, *req.Present); err != nil {
			c.respondStoreErr(req.Seq, err)
			return
		}
		c.respondOK(req.Seq, nil)

	case relayproto.OpSetStatus:
		if req.SessionID == "" || req.Status == "" {
			c.respondErr(req.Seq, relayproto.CodeBadRequest, "missing sessionId or status")
			return
		}
		if err := st.SetStatus(ctx, req.SessionID, req.Status); err != nil {
			c.respondStoreErr(req.Seq, err)
			return
		}
		c.respondOK(req.Seq, nil)

	case relayproto.OpAppend:
		if req.SessionID == "" || req.Message == nil {
			c.respondErr(req.Seq, relayproto.CodeBadRequest, "missing sessionId or message")
			return
		}
		if err := req.Message.Validate(); err != nil {
			c.respondErr(req.Seq, relayproto.CodeBadRequest, err.Error())
			return
		}
		if err := st.Append(ctx, req.SessionID, req.Bucket, *req.Message); err != nil {
			c.respondStoreErr(req.Seq, err)
			return
		}
		if c.srv.cfg.Metrics != nil {
			c.srv.cfg.Metrics.IncSignalMessage(string(req.Bucket), string(req.Message.Sender))
		}
		c.respondOK(req.Seq, nil)

	case relayproto.OpWatch:
		if req.SessionID == "" || req.Bucket == "" {
			c.respondErr(req.Seq, relayproto.CodeBadRequest, "missing sessionId or bucket")
			return
		}
		key := watchKey{sessionID: req.SessionID, bucket: req.Bucket}
		c.mu.Lock()
		_, dup := c.watches[key]
		if !dup {
			c.watches[key] = struct{}{}
		}
		c.mu.Unlock()
		if dup {
			c.respondOK(req.Seq, nil)
			return
		}
		// The watch outlives this request; it is bound to the connection.
		ch, err := st.Watch(c.watchCtx, req.SessionID, req.Bucket)
		if err != nil {
			c.mu.Lock()
			delete(c.watches, key)
			c.mu.Unlock()
			c.respondStoreErr(req.Seq, err)
			return
		}
		c.watchWG.Add(1)
		go c.pump(req.SessionID, req.Bucket, ch)
		c.respondOK(req.Seq, nil)

	default:
		c.respondErr(req.Seq, relayproto.CodeBadRequest, "unknown op")
	}
}

func (c *wsConn) pump(sessionID string, bucket signal.Bucket, ch <-chan signal.Message) {
	defer c.watchWG.Done()
	for msg := range ch {
		push := relayproto.Push{
			Type:      relayproto.FrameSignal,
			SessionID: sessionID,
			Bucket:    bucket,
			Message:   msg,
		}
		if err := c.write(push); err != nil {
			return
		}
	}
}

func (c *wsConn) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) respondOK(seq int64, rec *session.Session) {
	_ = c.write(relayproto.Response{Type: relayproto.FrameResponse, Seq: seq, OK: true, Session: rec})
}

func (c *wsConn) respondErr(seq int64, code, message string) {
	_ = c.write(relayproto.Response{Type: relayproto.FrameResponse, Seq: seq, OK: false, Code: code, Message: message})
}

func (c *wsConn) respondStoreErr(seq int64, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		c.respondErr(seq, relayproto.CodeNotFound, err.Error())
	case errors.Is(err, store.ErrSessionExists):
		c.respondErr(seq, relayproto.CodeExists, err.Error())
	default:
		c.srv.log.Error("store operation failed", "err", err)
		c.respondErr(seq, relayproto.CodeInternal, "store operation failed")
	}
}

func (c *wsConn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		c.watchCancel()
		_ = c.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
