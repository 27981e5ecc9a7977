package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/draftforge/pluginlink/internal/session"
	"github.com/draftforge/pluginlink/internal/signal"
)

// Memory is an in-process Store. It backs tests and loopback deployments
// where both peers run in one process.
type Memory struct {
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]session.Session
	logs     map[logKey][]signal.Message
	hub      *hub
}

func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		sessions: make(map[string]session.Session),
		logs:     make(map[logKey][]signal.Message),
		hub:      newHub(),
	}
}

// SetClock overrides the clock used for expiry checks, for tests.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) CreateSession(_ context.Context, s session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, s.ID)
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return session.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return withLazyExpiry(s, m.now()), nil
}

func (m *Memory) SetParticipant(_ context.Context, id string, sender signal.Sender, present bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	switch sender {
	case signal.SenderWeb:
		s.Participants.Web = present
	case signal.SenderPlugin:
		s.Participants.Plugin = present
	default:
		return fmt.Errorf("invalid sender %q", sender)
	}
	m.sessions[id] = s
	return nil
}

func (m *Memory) SetStatus(_ context.Context, id string, status session.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.Status = status
	m.sessions[id] = s
	return nil
}

func (m *Memory) Append(_ context.Context, id string, bucket signal.Bucket, msg signal.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	key := logKey{sessionID: id, bucket: bucket}
	m.logs[key] = append(m.logs[key], msg)
	m.hub.publish(key, msg)
	return nil
}

func (m *Memory) Watch(ctx context.Context, id string, bucket signal.Bucket) (<-chan signal.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	key := logKey{sessionID: id, bucket: bucket}
	backlog := append([]signal.Message(nil), m.logs[key]...)
	return m.hub.subscribe(ctx, key, backlog), nil
}

// withLazyExpiry reports sessions past their expiry as ended. Records are
// not rewritten or purged; expiry is enforced only at read time.
func withLazyExpiry(s session.Session, now time.Time) session.Session {
	if s.Status != session.StatusEnded && s.Expired(now) {
		s.Status = session.StatusEnded
	}
	return s
}
