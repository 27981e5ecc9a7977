package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/draftforge/pluginlink/internal/session"
	"github.com/draftforge/pluginlink/internal/signal"
)

// localStore is the surface shared by the memory and sqlite stores.
type localStore interface {
	signal.Store
	SetClock(func() time.Time)
}

func eachStore(t *testing.T, fn func(t *testing.T, s localStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func testSession(id string) session.Session {
	now := time.UnixMilli(1700000000000)
	return session.Session{
		ID:        id,
		UserID:    "user-1",
		ProjectID: "project-1",
		Status:    session.StatusPending,
		Participants: session.Participants{
			Web: true,
		},
		ICEServers: []session.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "c"},
		},
		CreatedAt: now,
		ExpiresAt: now.Add(session.DefaultTTL),
	}
}

func testMessage(sender signal.Sender, payload string) signal.Message {
	return signal.Message{
		Type:      signal.MessageTypeOffer,
		Data:      json.RawMessage(payload),
		Sender:    sender,
		Timestamp: 1700000000001,
	}
}

func TestStore_CreateGetRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s localStore) {
		want := testSession("session-1")
		if err := s.CreateSession(context.Background(), want); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}

		got, err := s.GetSession(context.Background(), "session-1")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.ID != want.ID || got.UserID != want.UserID || got.ProjectID != want.ProjectID {
			t.Fatalf("unexpected record: %#v", got)
		}
		if got.Status != session.StatusPending || !got.Participants.Web || got.Participants.Plugin {
			t.Fatalf("unexpected record: %#v", got)
		}
		if len(got.ICEServers) != 2 || got.ICEServers[1].Credential != "c" {
			t.Fatalf("ice servers lost: %#v", got.ICEServers)
		}
		if got.CreatedAt.UnixMilli() != want.CreatedAt.UnixMilli() ||
			got.ExpiresAt.UnixMilli() != want.ExpiresAt.UnixMilli() {
			t.Fatalf("timestamps lost: %#v", got)
		}
	})
}

func TestStore_CreateDuplicateFails(t *testing.T) {
	eachStore(t, func(t *testing.T, s localStore) {
		if err := s.CreateSession(context.Background(), testSession("session-1")); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		err := s.CreateSession(context.Background(), testSession("session-1"))
		if !errors.Is(err, ErrSessionExists) {
			t.Fatalf("err=%v, want ErrSessionExists", err)
		}
	})
}

func TestStore_MissingSession(t *testing.T) {
	eachStore(t, func(t *testing.T, s localStore) {
		ctx := context.Background()
		if _, err := s.GetSession(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("GetSession err=%v, want ErrSessionNotFound", err)
		}
		if err := s.SetParticipant(ctx, "nope", signal.SenderWeb, true); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("SetParticipant err=%v, want ErrSessionNotFound", err)
		}
		if err := s.SetStatus(ctx, "nope", session.StatusActive); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("SetStatus err=%v, want ErrSessionNotFound", err)
		}
		if err := s.Append(ctx, "nope", signal.BucketOffers, testMessage(signal.SenderWeb, `{}`)); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("Append err=%v, want ErrSessionNotFound", err)
		}
		if _, err := s.Watch(ctx, "nope", signal.BucketOffers); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("Watch err=%v, want ErrSessionNotFound", err)
		}
	})
}

func TestStore_SetParticipantAndStatus(t *testing.T) {
	eachStore(t, func(t *testing.T, s localStore) {
		ctx := context.Background()
		if err := s.CreateSession(ctx, testSession("session-1")); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}

		if err := s.SetParticipant(ctx, "session-1", signal.SenderPlugin, true); err != nil {
			t.Fatalf("SetParticipant: %v", err)
		}
		if err := s.SetStatus(ctx, "session-1", session.StatusActive); err != nil {
			t.Fatalf("SetStatus: %v", err)
		}

		got, err := s.GetSession(ctx, "session-1")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if !got.Participants.Plugin || got.Status != session.StatusActive {
			t.Fatalf("unexpected record: %#v", got)
		}

		if err := s.SetParticipant(ctx, "session-1", "server", true); err == nil {
			t.Fatalf("expected error for invalid sender")
		}
		if err := s.SetStatus(ctx, "session-1", "paused"); err == nil {
			t.Fatalf("expected error for invalid status")
		}
	})
}

func TestStore_LazyExpiry(t *testing.T) {
	eachStore(t, func(t *testing.T, s localStore) {
		ctx := context.Background()
		rec := testSession("session-1")
		if err := s.CreateSession(ctx, rec); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}

		s.SetClock(func() time.Time { return rec.ExpiresAt.Add(time.Minute) })
		got, err := s.GetSession(ctx, "session-1")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.Status != session.StatusEnded {
			t.Fatalf("status=%q, want ended past expiry", got.Status)
		}

		// Expiry is applied at read time only; the record itself is untouched.
		s.SetClock(func() time.Time { return rec.CreatedAt.Add(time.Minute) })
		got, err = s.GetSession(ctx, "session-1")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.Status != session.StatusPending {
			t.Fatalf("status=%q, record was rewritten", got.Status)
		}
	})
}

func TestStore_WatchReplaysBacklogThenLive(t *testing.T) {
	eachStore(t, func(t *testing.T, s localStore) {
		ctx := context.Background()
		if err := s.CreateSession(ctx, testSession("session-1")); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}

		if err := s.Append(ctx, "session-1", signal.BucketOffers, testMessage(signal.SenderWeb, `{"seq":1}`)); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := s.Append(ctx, "session-1", signal.BucketOffers, testMessage(signal.SenderWeb, `{"seq":2}`)); err != nil {
			t.Fatalf("Append: %v", err)
		}

		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := s.Watch(watchCtx, "session-1", signal.BucketOffers)
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}

		for i, want := range []string{`{"seq":1}`, `{"seq":2}`} {
			select {
			case got := <-ch:
				if string(got.Data) != want {
					t.Fatalf("backlog message %d: %s, want %s", i, got.Data, want)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for backlog message %d", i)
			}
		}

		if err := s.Append(ctx, "session-1", signal.BucketOffers, testMessage(signal.SenderPlugin, `{"seq":3}`)); err != nil {
			t.Fatalf("Append: %v", err)
		}
		select {
		case got := <-ch:
			if string(got.Data) != `{"seq":3}` || got.Sender != signal.SenderPlugin {
				t.Fatalf("unexpected live message: %#v", got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for live message")
		}
	})
}

func TestStore_WatchIsolatesBuckets(t *testing.T) {
	eachStore(t, func(t *testing.T, s localStore) {
		ctx := context.Background()
		if err := s.CreateSession(ctx, testSession("session-1")); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}

		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		answers, err := s.Watch(watchCtx, "session-1", signal.BucketAnswers)
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}

		if err := s.Append(ctx, "session-1", signal.BucketOffers, testMessage(signal.SenderWeb, `{}`)); err != nil {
			t.Fatalf("Append: %v", err)
		}
		select {
		case msg := <-answers:
			t.Fatalf("offer leaked into answers bucket: %#v", msg)
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestStore_WatchChannelClosesOnCancel(t *testing.T) {
	eachStore(t, func(t *testing.T, s localStore) {
		ctx := context.Background()
		if err := s.CreateSession(ctx, testSession("session-1")); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}

		watchCtx, cancel := context.WithCancel(ctx)
		ch, err := s.Watch(watchCtx, "session-1", signal.BucketOffers)
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
		cancel()

		deadline := time.After(2 * time.Second)
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
			case <-deadline:
				t.Fatalf("watch channel not closed after cancel")
			}
		}
	})
}

func TestStore_MultipleWatchersAllReceive(t *testing.T) {
	eachStore(t, func(t *testing.T, s localStore) {
		ctx := context.Background()
		if err := s.CreateSession(ctx, testSession("session-1")); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}

		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		a, err := s.Watch(watchCtx, "session-1", signal.BucketCandidates)
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
		b, err := s.Watch(watchCtx, "session-1", signal.BucketCandidates)
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}

		msg := testMessage(signal.SenderWeb, `{"c":1}`)
		msg.Type = signal.MessageTypeCandidate
		if err := s.Append(ctx, "session-1", signal.BucketCandidates, msg); err != nil {
			t.Fatalf("Append: %v", err)
		}

		for name, ch := range map[string]<-chan signal.Message{"a": a, "b": b} {
			select {
			case got := <-ch:
				if string(got.Data) != `{"c":1}` {
					t.Fatalf("watcher %s got %#v", name, got)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("watcher %s timed out", name)
			}
		}
	})
}

func TestSQLite_BacklogSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := s.CreateSession(ctx, testSession("session-1")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.Append(ctx, "session-1", signal.BucketOffers, testMessage(signal.SenderWeb, `{"seq":1}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	rec, err := reopened.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetSession after reopen: %v", err)
	}
	if rec.UserID != "user-1" {
		t.Fatalf("unexpected record after reopen: %#v", rec)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := reopened.Watch(watchCtx, "session-1", signal.BucketOffers)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	select {
	case got := <-ch:
		if string(got.Data) != `{"seq":1}` {
			t.Fatalf("unexpected replay: %#v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for replayed message")
	}
}
