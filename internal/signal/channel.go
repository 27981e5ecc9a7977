package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/draftforge/pluginlink/internal/session"
)

var (
	ErrNoActiveSession = errors.New("signal: no active session")
	// ErrSessionActive is returned when a caller attempts to create or join a
	// session while this channel is already bound to one. Callers must call
	// End first; listeners are never detached implicitly.
	ErrSessionActive = errors.New("signal: session already active")
)

// Store is the document store + appendable realtime log the channel relays
// through. Watch delivers entries in append order, existing entries first.
type Store interface {
	CreateSession(ctx context.Context, s session.Session) error
	GetSession(ctx context.Context, id string) (session.Session, error)
	SetParticipant(ctx context.Context, id string, sender Sender, present bool) error
	SetStatus(ctx context.Context, id string, status session.Status) error
	Append(ctx context.Context, id string, bucket Bucket, msg Message) error
	Watch(ctx context.Context, id string, bucket Bucket) (<-chan Message, error)
}

// Handler receives qualifying remote negotiation steps.
type Handler interface {
	HandleRemoteOffer(desc webrtc.SessionDescription) error
	HandleRemoteAnswer(desc webrtc.SessionDescription) error
	HandleRemoteCandidate(init webrtc.ICECandidateInit) error
}

// Channel manages the lifecycle of one session record and relays signaling
// messages between the two peers. Messages authored by the local side are
// filtered out before dispatch. Handler errors are logged and recorded as the
// last-seen error; the channel keeps operating.
type Channel struct {
	store   Store
	tag     Sender
	log     *slog.Logger
	handler Handler
	now     func() time.Time

	mu        sync.Mutex
	sessionID string
	binding   bool
	cancel    context.CancelFunc
	lastErr   string
}

type ChannelConfig struct {
	Store   Store
	Tag     Sender
	Handler Handler
	Logger  *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.Store == nil {
		return nil, errors.New("signal: store is required")
	}
	if !cfg.Tag.Valid() {
		return nil, fmt.Errorf("signal: invalid sender tag %q", cfg.Tag)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Channel{
		store:   cfg.Store,
		tag:     cfg.Tag,
		log:     log,
		handler: cfg.Handler,
		now:     now,
	}, nil
}

// SetHandler installs the negotiation handler. It must be called before
// Create or Join.
func (c *Channel) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Channel) Tag() Sender { return c.tag }

// SessionID returns the bound session id, or "" when idle.
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastError returns the last signaling error observed by this channel, or ""
// when none occurred.
func (c *Channel) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Session fetches the bound session record.
func (c *Channel) Session(ctx context.Context) (session.Session, error) {
	id := c.SessionID()
	if id == "" {
		return session.Session{}, ErrNoActiveSession
	}
	return c.store.GetSession(ctx, id)
}

// Create writes a fresh session record with status pending, the local side's
// presence flag set, and a 24h expiry, then starts the signaling listeners.
func (c *Channel) Create(ctx context.Context, userID, projectID string, iceServers []session.ICEServer) (string, error) {
	if err := c.acquire(); err != nil {
		return "", err
	}

	now := c.now()
	id, err := session.NewID(now)
	if err != nil {
		c.release()
		return "", fmt.Errorf("create session: %w", err)
	}

	rec := session.Session{
		ID:         id,
		UserID:     userID,
		ProjectID:  projectID,
		Status:     session.StatusPending,
		ICEServers: iceServers,
		CreatedAt:  now,
		ExpiresAt:  now.Add(session.DefaultTTL),
	}
	switch c.tag {
	case SenderWeb:
		rec.Participants.Web = true
	case SenderPlugin:
		rec.Participants.Plugin = true
	}

	if err := c.store.CreateSession(ctx, rec); err != nil {
		c.release()
		return "", fmt.Errorf("create session: %w", err)
	}

	if err := c.bind(id); err != nil {
		c.release()
		return "", err
	}
	c.log.Info("session created", "session_id", id, "project_id", projectID)
	return id, nil
}

// Join marks the local side present on an existing session record and starts
// the signaling listeners.
func (c *Channel) Join(ctx context.Context, id string) error {
	if err := c.acquire(); err != nil {
		return err
	}

	if err := c.store.SetParticipant(ctx, id, c.tag, true); err != nil {
		c.release()
		return fmt.Errorf("join session: %w", err)
	}

	if err := c.bind(id); err != nil {
		c.release()
		return err
	}
	c.log.Info("session joined", "session_id", id)
	return nil
}

// acquire reserves the channel for a create or join in flight, so two
// concurrent calls can never both bind. bind clears the reservation on
// success; failure paths call release.
func (c *Channel) acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != "" || c.binding {
		return ErrSessionActive
	}
	c.binding = true
	return nil
}

func (c *Channel) release() {
	c.mu.Lock()
	c.binding = false
	c.mu.Unlock()
}

// End marks the session ended and stops the signaling listeners. Teardown is
// best-effort: errors are logged, never returned. Calling End with no active
// session is a no-op.
func (c *Channel) End(ctx context.Context) {
	c.mu.Lock()
	id := c.sessionID
	cancel := c.cancel
	c.sessionID = ""
	c.cancel = nil
	c.mu.Unlock()

	if id == "" {
		return
	}
	if cancel != nil {
		cancel()
	}
	if err := c.store.SetStatus(ctx, id, session.StatusEnded); err != nil {
		c.log.Warn("failed to mark session ended", "session_id", id, "err", err)
	}
	c.log.Info("session ended", "session_id", id)
}

// Send stamps the local sender tag and timestamp onto msg and appends it to
// the type bucket under the active session. At-most-once: no retry, no ack.
func (c *Channel) Send(ctx context.Context, msg Message) error {
	id := c.SessionID()
	if id == "" {
		return ErrNoActiveSession
	}

	msg.Sender = c.tag
	if msg.Timestamp == 0 {
		msg.Timestamp = c.now().UnixMilli()
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("send signal: %w", err)
	}

	bucket, err := BucketForType(msg.Type)
	if err != nil {
		return fmt.Errorf("send signal: %w", err)
	}
	if err := c.store.Append(ctx, id, bucket, msg); err != nil {
		return fmt.Errorf("send signal: %w", err)
	}
	return nil
}

// bind records the session id and starts one watch loop per bucket.
func (c *Channel) bind(id string) error {
	ctx, cancel := context.WithCancel(context.Background())

	buckets := []Bucket{BucketOffers, BucketAnswers, BucketCandidates, BucketStatus}
	chans := make([]<-chan Message, 0, len(buckets))
	for _, b := range buckets {
		ch, err := c.store.Watch(ctx, id, b)
		if err != nil {
			cancel()
			return fmt.Errorf("watch %s: %w", b, err)
		}
		chans = append(chans, ch)
	}

	c.mu.Lock()
	c.sessionID = id
	c.binding = false
	c.cancel = cancel
	c.lastErr = ""
	c.mu.Unlock()

	for i, b := range buckets {
		go c.consume(id, b, chans[i])
	}
	return nil
}

func (c *Channel) consume(id string, bucket Bucket, ch <-chan Message) {
	for msg := range ch {
		if msg.Sender == c.tag {
			// Never react to our own appends.
			continue
		}
		if err := c.dispatch(msg); err != nil {
			c.log.Error("signaling message handling failed",
				"session_id", id, "bucket", bucket, "type", msg.Type, "err", err)
			c.setLastErr(err.Error())
		}
	}
}

func (c *Channel) dispatch(msg Message) error {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	switch msg.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		var payload SDP
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", msg.Type, err)
		}
		desc, err := payload.ToPion()
		if err != nil {
			return fmt.Errorf("decode %s payload: %w", msg.Type, err)
		}
		if handler == nil {
			return nil
		}
		if msg.Type == MessageTypeOffer {
			return handler.HandleRemoteOffer(desc)
		}
		return handler.HandleRemoteAnswer(desc)
	case MessageTypeCandidate:
		var payload Candidate
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return fmt.Errorf("decode candidate payload: %w", err)
		}
		if handler == nil {
			return nil
		}
		return handler.HandleRemoteCandidate(payload.ToPion())
	case MessageTypeError:
		c.log.Warn("remote signaling error", "payload", string(msg.Data))
		c.setLastErr(string(msg.Data))
		return nil
	case MessageTypeStatus:
		c.log.Debug("remote status", "payload", string(msg.Data))
		return nil
	default:
		return fmt.Errorf("unsupported message type %q", msg.Type)
	}
}

func (c *Channel) setLastErr(s string) {
	c.mu.Lock()
	c.lastErr = s
	c.mu.Unlock()
}
