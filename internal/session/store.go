package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    start_time DATETIME,
    last_activity DATETIME,
    backend TEXT
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    timestamp DATETIME,
    topic TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL DEFAULT 0,
    source_count INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);`

// Store persists sessions and their messages in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates the schema if needed.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create session schema: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "session_store")}, nil
}

// Save writes the session and any messages not yet stored.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO sessions (id, start_time, last_activity, backend) VALUES (?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET last_activity = excluded.last_activity, backend = excluded.backend`,
		sess.ID, sess.StartTime, sess.LastActivity, sess.Backend,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	for i, msg := range sess.Messages {
		_, err = tx.ExecContext(ctx, `
            INSERT OR IGNORE INTO messages (id, session_id, seq, role, content, timestamp, topic, confidence, source_count)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, sess.ID, i, string(msg.Role), msg.Content, msg.Timestamp, msg.Topic, msg.Confidence, msg.SourceCount,
		)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("session saved", "session_id", sess.ID, "message_count", len(sess.Messages))
	return nil
}

// Load reads a session and its messages in order.
func (s *Store) Load(ctx context.Context, id string) (*Session, error) {
	sess := &Session{ID: id, Messages: []Message{}}
	var start, last sql.NullTime
	var backend sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT start_time, last_activity, backend FROM sessions WHERE id = ?", id).
		Scan(&start, &last, &backend)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.StartTime, sess.LastActivity, sess.Backend = start.Time, last.Time, backend.String

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, role, content, timestamp, topic, confidence, source_count FROM messages WHERE session_id = ? ORDER BY seq",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg Message
		var role string
		var ts sql.NullTime
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &ts, &msg.Topic, &msg.Confidence, &msg.SourceCount); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = Role(role)
		msg.Timestamp = ts.Time
		sess.Messages = append(sess.Messages, msg)
	}
	return sess, rows.Err()
}

// IDs lists stored session ids, most recently active first.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM sessions ORDER BY last_activity DESC, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a session and its messages.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteIdle removes sessions whose last activity is before cutoff and returns how many were removed.
func (s *Store) DeleteIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE last_activity < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete idle sessions: %w", err)
	}
	return res.RowsAffected()
}
