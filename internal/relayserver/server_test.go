package relayserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/draftforge/pluginlink/internal/auth"
	"github.com/draftforge/pluginlink/internal/relayproto"
	"github.com/draftforge/pluginlink/internal/relayserver"
	"github.com/draftforge/pluginlink/internal/session"
	"github.com/draftforge/pluginlink/internal/signal"
	"github.com/draftforge/pluginlink/internal/store"
)

func startRelay(t *testing.T, cfg relayserver.Config) string {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	srv, err := relayserver.New(cfg)
	if err != nil {
		t.Fatalf("new relay server: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialRemote(t *testing.T, url string, cfg store.RemoteConfig) *store.Remote {
	t.Helper()
	cfg.URL = url
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := store.DialRemote(ctx, cfg)
	if err != nil {
		t.Fatalf("dial remote: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func relaySession(id string) session.Session {
	now := time.UnixMilli(1700000000000)
	return session.Session{
		ID:        id,
		UserID:    "user-1",
		ProjectID: "project-1",
		Status:    session.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(session.DefaultTTL),
	}
}

func TestRelay_FullOperationSet(t *testing.T) {
	url := startRelay(t, relayserver.Config{})
	web := dialRemote(t, url, store.RemoteConfig{})
	plugin := dialRemote(t, url, store.RemoteConfig{})
	ctx := context.Background()

	if err := web.CreateSession(ctx, relaySession("session-1")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rec, err := plugin.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.ID != "session-1" || rec.UserID != "user-1" || rec.Status != session.StatusPending {
		t.Fatalf("unexpected record: %#v", rec)
	}

	if err := plugin.SetParticipant(ctx, "session-1", signal.SenderPlugin, true); err != nil {
		t.Fatalf("SetParticipant: %v", err)
	}
	if err := web.SetStatus(ctx, "session-1", session.StatusActive); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	rec, err = web.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !rec.Participants.Plugin || rec.Status != session.StatusActive {
		t.Fatalf("mutations lost: %#v", rec)
	}

	// Backlog before the watch, live traffic after.
	early := signal.Message{Type: signal.MessageTypeOffer, Data: json.RawMessage(`{"type":"offer","sdp":"v=0"}`), Sender: signal.SenderWeb, Timestamp: 1}
	if err := web.Append(ctx, "session-1", signal.BucketOffers, early); err != nil {
		t.Fatalf("Append: %v", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	offers, err := plugin.Watch(watchCtx, "session-1", signal.BucketOffers)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	select {
	case got := <-offers:
		if got.Sender != signal.SenderWeb || got.Timestamp != 1 {
			t.Fatalf("unexpected backlog message: %#v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for backlog message")
	}

	live := signal.Message{Type: signal.MessageTypeOffer, Data: json.RawMessage(`{"type":"offer","sdp":"v=1"}`), Sender: signal.SenderWeb, Timestamp: 2}
	if err := web.Append(ctx, "session-1", signal.BucketOffers, live); err != nil {
		t.Fatalf("Append: %v", err)
	}
	select {
	case got := <-offers:
		if got.Timestamp != 2 {
			t.Fatalf("unexpected live message: %#v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for live message")
	}
}

func TestRelay_StoreErrorMapping(t *testing.T) {
	url := startRelay(t, relayserver.Config{})
	client := dialRemote(t, url, store.RemoteConfig{})
	ctx := context.Background()

	if _, err := client.GetSession(ctx, "missing"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("err=%v, want ErrSessionNotFound", err)
	}
	if err := client.SetStatus(ctx, "missing", session.StatusEnded); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("err=%v, want ErrSessionNotFound", err)
	}

	if err := client.CreateSession(ctx, relaySession("session-1")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := client.CreateSession(ctx, relaySession("session-1")); !errors.Is(err, store.ErrSessionExists) {
		t.Fatalf("err=%v, want ErrSessionExists", err)
	}
}

func TestRelay_AppendValidatesMessage(t *testing.T) {
	url := startRelay(t, relayserver.Config{})
	client := dialRemote(t, url, store.RemoteConfig{})
	ctx := context.Background()

	if err := client.CreateSession(ctx, relaySession("session-1")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Offer without a payload fails message validation server-side.
	bad := signal.Message{Type: signal.MessageTypeOffer, Sender: signal.SenderWeb, Timestamp: 1}
	if err := client.Append(ctx, "session-1", signal.BucketOffers, bad); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestRelay_APIKeyQueryAuth(t *testing.T) {
	url := startRelay(t, relayserver.Config{
		AuthMode: auth.ModeAPIKey,
		APIKey:   "secret",
	})

	good := dialRemote(t, url, store.RemoteConfig{APIKey: "secret"})
	if err := good.CreateSession(context.Background(), relaySession("session-1")); err != nil {
		t.Fatalf("CreateSession with valid key: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bad, err := store.DialRemote(ctx, store.RemoteConfig{URL: url, APIKey: "wrong"})
	if err != nil {
		// The server may reject during the handshake or right after.
		return
	}
	t.Cleanup(func() { _ = bad.Close() })
	if _, err := bad.GetSession(ctx, "session-1"); err == nil {
		t.Fatalf("expected failure with invalid api key")
	}
}

func TestRelay_AuthFrameFlow(t *testing.T) {
	url := startRelay(t, relayserver.Config{
		AuthMode:    auth.ModeAPIKey,
		APIKey:      "secret",
		AuthTimeout: 500 * time.Millisecond,
	})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	authReq, _ := json.Marshal(relayproto.Request{Op: relayproto.OpAuth, Seq: 1, APIKey: "secret"})
	if err := conn.WriteMessage(websocket.TextMessage, authReq); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	var resp relayproto.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode auth response: %v", err)
	}
	if !resp.OK || resp.Seq != 1 {
		t.Fatalf("unexpected auth response: %#v", resp)
	}

	// Authenticated connections get the full op surface.
	create, _ := json.Marshal(relayproto.Request{Op: relayproto.OpCreateSession, Seq: 2, Session: &session.Session{ID: "session-1", Status: session.StatusPending}})
	if err := conn.WriteMessage(websocket.TextMessage, create); err != nil {
		t.Fatalf("write create: %v", err)
	}
	if _, data, err = conn.ReadMessage(); err != nil {
		t.Fatalf("read create response: %v", err)
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if !resp.OK || resp.Seq != 2 {
		t.Fatalf("unexpected create response: %#v", resp)
	}
}

func TestRelay_NonAuthFrameBeforeAuthCloses(t *testing.T) {
	url := startRelay(t, relayserver.Config{
		AuthMode: auth.ModeAPIKey,
		APIKey:   "secret",
	})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	req, _ := json.Marshal(relayproto.Request{Op: relayproto.OpGetSession, Seq: 1, SessionID: "session-1"})
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected close for unauthenticated request")
	}
}

func TestRelay_AuthTimeoutCloses(t *testing.T) {
	url := startRelay(t, relayserver.Config{
		AuthMode:    auth.ModeAPIKey,
		APIKey:      "secret",
		AuthTimeout: 200 * time.Millisecond,
	})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected close after auth timeout")
	}
}

func TestRelay_MalformedFrameCloses(t *testing.T) {
	url := startRelay(t, relayserver.Config{})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"get-session"} trailing`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected close for malformed frame")
	}
}

func TestRelay_BinaryFrameCloses(t *testing.T) {
	url := startRelay(t, relayserver.Config{})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected close for binary frame")
	}
}

func TestRelay_RateLimitCloses(t *testing.T) {
	url := startRelay(t, relayserver.Config{
		MessagesPerSecond: 3,
	})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	req, _ := json.Marshal(relayproto.Request{Op: relayproto.OpGetSession, Seq: 1, SessionID: "x"})
	for i := 0; i < 20; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
			break
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ce, ok := err.(*websocket.CloseError); ok && ce.Code != websocket.ClosePolicyViolation {
				t.Fatalf("close code=%d, want policy violation", ce.Code)
			}
			return
		}
	}
}

func TestRelay_DuplicateWatchAcknowledgedOnce(t *testing.T) {
	mem := store.NewMemory()
	url := startRelay(t, relayserver.Config{Store: mem})
	client := dialRemote(t, url, store.RemoteConfig{})
	ctx := context.Background()

	if err := client.CreateSession(ctx, relaySession("session-1")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a, err := client.Watch(watchCtx, "session-1", signal.BucketCandidates)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	b, err := client.Watch(watchCtx, "session-1", signal.BucketCandidates)
	if err != nil {
		t.Fatalf("second Watch: %v", err)
	}

	msg := signal.Message{Type: signal.MessageTypeCandidate, Data: json.RawMessage(`{"candidate":"c"}`), Sender: signal.SenderWeb, Timestamp: 1}
	if err := mem.Append(ctx, "session-1", signal.BucketCandidates, msg); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Both local subscribers see the push exactly once.
	for name, ch := range map[string]<-chan signal.Message{"a": a, "b": b} {
		select {
		case got := <-ch:
			if got.Timestamp != 1 {
				t.Fatalf("subscriber %s got %#v", name, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("subscriber %s timed out", name)
		}
	}
}

// Canceling a watch closes its subscriber channel while the read loop may
// still be fanning out pushed messages. Churning subscriptions under a
// sustained append flood must never trip a send on a closed channel.
func TestRelay_WatchCancelDuringPushFlood(t *testing.T) {
	url := startRelay(t, relayserver.Config{MessagesPerSecond: 100000})
	watcher := dialRemote(t, url, store.RemoteConfig{})
	appender := dialRemote(t, url, store.RemoteConfig{})
	ctx := context.Background()

	if err := watcher.CreateSession(ctx, relaySession("session-1")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				watchCtx, cancel := context.WithCancel(ctx)
				ch, err := watcher.Watch(watchCtx, "session-1", signal.BucketCandidates)
				if err != nil {
					cancel()
					return
				}
				select {
				case <-ch:
				default:
				}
				cancel()
			}
		}()
	}

	msg := signal.Message{Type: signal.MessageTypeCandidate, Data: json.RawMessage(`{"candidate":"c"}`), Sender: signal.SenderWeb, Timestamp: 1}
	for i := 0; i < 1500; i++ {
		if err := appender.Append(ctx, "session-1", signal.BucketCandidates, msg); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	close(done)
	wg.Wait()
}
