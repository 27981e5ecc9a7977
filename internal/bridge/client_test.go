package bridge_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/draftforge/pluginlink/internal/auth"
	"github.com/draftforge/pluginlink/internal/bridge"
	"github.com/draftforge/pluginlink/internal/command"
	"github.com/draftforge/pluginlink/internal/peer"
	"github.com/draftforge/pluginlink/internal/session"
	"github.com/draftforge/pluginlink/internal/signal"
	"github.com/draftforge/pluginlink/internal/store"
)

func newTestClient(t *testing.T, mem *store.Memory, identity auth.Provider, tag signal.Sender) *bridge.Client {
	t.Helper()
	c, err := bridge.New(bridge.Config{
		Store:    mem,
		Identity: identity,
		Tag:      tag,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestNew_RequiresIdentity(t *testing.T) {
	_, err := bridge.New(bridge.Config{Store: store.NewMemory(), Tag: signal.SenderWeb})
	if err == nil {
		t.Fatalf("expected error without identity provider")
	}
}

func TestClient_CreateSessionRequiresAuthentication(t *testing.T) {
	c := newTestClient(t, store.NewMemory(), auth.Anonymous{}, signal.SenderWeb)

	if _, err := c.CreateSession(context.Background(), "project-1"); !errors.Is(err, auth.ErrNotAuthenticated) {
		t.Fatalf("err=%v, want ErrNotAuthenticated", err)
	}
	if err := c.JoinSession(context.Background(), "session-1"); !errors.Is(err, auth.ErrNotAuthenticated) {
		t.Fatalf("err=%v, want ErrNotAuthenticated", err)
	}
}

func TestClient_CreateSessionStampsOwnerAndICE(t *testing.T) {
	mem := store.NewMemory()
	ice := []session.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	c, err := bridge.New(bridge.Config{
		Store:      mem,
		Identity:   auth.Static{UserID: "user-1"},
		Tag:        signal.SenderWeb,
		ICEServers: ice,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)

	id, err := c.CreateSession(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if c.State().SessionID != id {
		t.Fatalf("state session id %q, want %q", c.State().SessionID, id)
	}

	rec, err := mem.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.UserID != "user-1" || rec.ProjectID != "project-1" {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if len(rec.ICEServers) != 1 || rec.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("ice servers not stamped: %#v", rec.ICEServers)
	}
}

func TestClient_JoinUnknownSessionFails(t *testing.T) {
	c := newTestClient(t, store.NewMemory(), auth.Static{UserID: "user-2"}, signal.SenderPlugin)

	if err := c.JoinSession(context.Background(), "session-missing"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("err=%v, want ErrSessionNotFound", err)
	}
}

func TestClient_EndSessionWithoutSessionIsNoop(t *testing.T) {
	c := newTestClient(t, store.NewMemory(), auth.Static{UserID: "user-1"}, signal.SenderWeb)
	c.EndSession()
	if c.State().SessionID != "" {
		t.Fatalf("unexpected session id")
	}
}

func TestClient_EndSessionMarksRecordEnded(t *testing.T) {
	mem := store.NewMemory()
	c := newTestClient(t, mem, auth.Static{UserID: "user-1"}, signal.SenderWeb)

	id, err := c.CreateSession(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	c.EndSession()

	rec, err := mem.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.Status != session.StatusEnded {
		t.Fatalf("status=%q, want ended", rec.Status)
	}
	if c.State().SessionID != "" {
		t.Fatalf("client still bound after EndSession")
	}
}

func TestClient_CreateConnectionRequiresSession(t *testing.T) {
	c := newTestClient(t, store.NewMemory(), auth.Static{UserID: "user-1"}, signal.SenderWeb)

	if err := c.CreateConnection(context.Background()); !errors.Is(err, signal.ErrNoActiveSession) {
		t.Fatalf("err=%v, want ErrNoActiveSession", err)
	}
}

func TestClient_CreateConnectionTwiceFails(t *testing.T) {
	c := newTestClient(t, store.NewMemory(), auth.Static{UserID: "user-1"}, signal.SenderWeb)

	if _, err := c.CreateSession(context.Background(), "project-1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := c.CreateConnection(context.Background()); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	if err := c.CreateConnection(context.Background()); !errors.Is(err, peer.ErrConnectionExists) {
		t.Fatalf("err=%v, want ErrConnectionExists", err)
	}

	c.CloseConnection()
	if err := c.CreateConnection(context.Background()); err != nil {
		t.Fatalf("CreateConnection after close: %v", err)
	}
}

func TestClient_CommandsRequireUsableConnection(t *testing.T) {
	c := newTestClient(t, store.NewMemory(), auth.Static{UserID: "user-1"}, signal.SenderWeb)

	if _, err := c.SendCommand(command.Request{Type: command.TypeGenerate}); !errors.Is(err, command.ErrNotConnected) {
		t.Fatalf("err=%v, want ErrNotConnected", err)
	}
	if err := c.SendMessage("cursor", map[string]int{"x": 1}); !errors.Is(err, command.ErrNotConnected) {
		t.Fatalf("err=%v, want ErrNotConnected", err)
	}
	if err := c.RespondCommand(command.Command{ID: "cmd-1"}); !errors.Is(err, command.ErrNotConnected) {
		t.Fatalf("err=%v, want ErrNotConnected", err)
	}
}

func TestClient_StateReflectsSignalingErrors(t *testing.T) {
	mem := store.NewMemory()
	web := newTestClient(t, mem, auth.Static{UserID: "user-1"}, signal.SenderWeb)
	plugin := newTestClient(t, mem, auth.Static{UserID: "user-2"}, signal.SenderPlugin)

	id, err := web.CreateSession(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := plugin.JoinSession(context.Background(), id); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	// A remote error message is surfaced through State.
	msg := signal.Message{Type: signal.MessageTypeError, Data: []byte(`"plugin crashed"`), Sender: signal.SenderPlugin, Timestamp: 1}
	if err := mem.Append(context.Background(), id, signal.BucketStatus, msg); err != nil {
		t.Fatalf("Append: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if web.State().LastError != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if web.State().LastError == "" {
		t.Fatalf("remote error not surfaced in state")
	}
	// The sender never sees its own error message.
	if plugin.State().LastError != "" {
		t.Fatalf("plugin surfaced its own error: %q", plugin.State().LastError)
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	mem := store.NewMemory()
	c := newTestClient(t, mem, auth.Static{UserID: "user-1"}, signal.SenderWeb)

	if _, err := c.CreateSession(context.Background(), "project-1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	c.Close()
	c.Close()

	st := c.State()
	if st.SessionID != "" || st.Connected {
		t.Fatalf("unexpected state after close: %#v", st)
	}
}
