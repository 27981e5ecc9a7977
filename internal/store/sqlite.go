package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/draftforge/pluginlink/internal/session"
	"github.com/draftforge/pluginlink/internal/signal"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	project_id     TEXT NOT NULL,
	status         TEXT NOT NULL,
	web_present    INTEGER NOT NULL DEFAULT 0,
	plugin_present INTEGER NOT NULL DEFAULT 0,
	ice_servers    TEXT NOT NULL DEFAULT '[]',
	created_at     INTEGER NOT NULL,
	expires_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS signal_messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	bucket     TEXT NOT NULL,
	type       TEXT NOT NULL,
	sender     TEXT NOT NULL,
	payload    TEXT,
	ts         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signal_messages_session_bucket
	ON signal_messages (session_id, bucket, seq);
`

// SQLite is a durable single-node Store. Live Watch fan-out happens
// in-process through the same hub the memory store uses, so one server
// process must own a database file; the log itself is durable and replayed
// to new watchers from disk.
type SQLite struct {
	db  *sql.DB
	hub *hub
	now func() time.Time

	// wmu serializes Append against Watch so a watcher never misses a message
	// landing between backlog replay and hub registration.
	wmu sync.Mutex
}

// OpenSQLite opens (creating if needed) the store at path. WAL mode with a
// single writer connection, the agentlab arrangement for modernc sqlite.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLite{db: db, hub: newHub(), now: time.Now}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// SetClock overrides the clock used for expiry checks, for tests.
func (s *SQLite) SetClock(now func() time.Time) { s.now = now }

func (s *SQLite) CreateSession(ctx context.Context, rec session.Session) error {
	ice, err := json.Marshal(rec.ICEServers)
	if err != nil {
		return fmt.Errorf("encode ice servers: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, project_id, status, web_present, plugin_present, ice_servers, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.UserID, rec.ProjectID, string(rec.Status),
		boolToInt(rec.Participants.Web), boolToInt(rec.Participants.Plugin),
		string(ice), rec.CreatedAt.UnixMilli(), rec.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionExists, rec.ID)
	}
	return nil
}

func (s *SQLite) GetSession(ctx context.Context, id string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, project_id, status, web_present, plugin_present, ice_servers, created_at, expires_at
		FROM sessions WHERE id = ?`, id)

	var rec session.Session
	var status, ice string
	var web, plugin int
	var createdAt, expiresAt int64
	err := row.Scan(&rec.ID, &rec.UserID, &rec.ProjectID, &status, &web, &plugin, &ice, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("select session: %w", err)
	}

	rec.Status = session.Status(status)
	rec.Participants = session.Participants{Web: web != 0, Plugin: plugin != 0}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.ExpiresAt = time.UnixMilli(expiresAt)
	if err := json.Unmarshal([]byte(ice), &rec.ICEServers); err != nil {
		return session.Session{}, fmt.Errorf("decode ice servers: %w", err)
	}
	return withLazyExpiry(rec, s.now()), nil
}

func (s *SQLite) SetParticipant(ctx context.Context, id string, sender signal.Sender, present bool) error {
	var column string
	switch sender {
	case signal.SenderWeb:
		column = "web_present"
	case signal.SenderPlugin:
		column = "plugin_present"
	default:
		return fmt.Errorf("invalid sender %q", sender)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE sessions SET %s = ? WHERE id = ?", column),
		boolToInt(present), id)
	if err != nil {
		return fmt.Errorf("update participant: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLite) SetStatus(ctx context.Context, id string, status session.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLite) Append(ctx context.Context, id string, bucket signal.Bucket, msg signal.Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO signal_messages (session_id, bucket, type, sender, payload, ts)
		SELECT ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM sessions WHERE id = ?)`,
		id, string(bucket), string(msg.Type), string(msg.Sender), string(msg.Data), msg.Timestamp, id)
	if err != nil {
		return fmt.Errorf("append signal: %w", err)
	}
	if err := requireRow(res, id); err != nil {
		return err
	}
	s.hub.publish(logKey{sessionID: id, bucket: bucket}, msg)
	return nil
}

func (s *SQLite) Watch(ctx context.Context, id string, bucket signal.Bucket) (<-chan signal.Message, error) {
	if _, err := s.GetSession(ctx, id); err != nil {
		return nil, err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT type, sender, payload, ts FROM signal_messages
		WHERE session_id = ? AND bucket = ? ORDER BY seq`, id, string(bucket))
	if err != nil {
		return nil, fmt.Errorf("replay signals: %w", err)
	}
	defer rows.Close()

	var backlog []signal.Message
	for rows.Next() {
		var msg signal.Message
		var typ, sender, payload string
		if err := rows.Scan(&typ, &sender, &payload, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		msg.Type = signal.MessageType(typ)
		msg.Sender = signal.Sender(sender)
		msg.Data = []byte(payload)
		backlog = append(backlog, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replay signals: %w", err)
	}

	return s.hub.subscribe(ctx, logKey{sessionID: id, bucket: bucket}, backlog), nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
