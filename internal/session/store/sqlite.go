package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/acp2/acp2/internal/common/errors"
	"github.com/acp2/acp2/pkg/acp/protocol"
	v1 "github.com/acp2/acp2/pkg/api/v1"
)

// SQLiteStore persists sessions in a single SQLite file. WAL mode gives
// concurrent readers with a single serialised writer, which is exactly
// the concurrency discipline the transcript needs.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database file and ensures the
// schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		south_session_id TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle',
		created_at DATETIME NOT NULL,
		last_active_at DATETIME NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		role TEXT NOT NULL,
		content_json TEXT NOT NULL,
		south_blocks_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, sequence),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, id, agentName string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:           id,
		AgentName:    agentName,
		Status:       v1.SessionStatusIdle,
		CreatedAt:    now,
		LastActiveAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_name, south_session_id, status, created_at, last_active_at, message_count)
		VALUES (?, ?, '', ?, ?, ?, 0)
	`, sess.ID, sess.AgentName, sess.Status, sess.CreatedAt, sess.LastActiveAt)
	if err != nil {
		if isSQLiteConstraint(err) {
			return nil, errors.Conflict(fmt.Sprintf("session '%s' already exists", id))
		}
		return nil, err
	}
	return sess, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_name, south_session_id, status, created_at, last_active_at, message_count
		FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &sess.AgentName, &sess.SouthSessionID, &sess.Status, &sess.CreatedAt, &sess.LastActiveAt, &sess.MessageCount)

	if err == sql.ErrNoRows {
		return nil, errors.NotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ListSessions returns sessions ordered by last_active_at descending.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter ListFilter) ([]*Session, error) {
	query := `
		SELECT id, agent_name, south_session_id, status, created_at, last_active_at, message_count
		FROM sessions`
	var conds []string
	var args []interface{}
	if filter.AgentName != "" {
		conds = append(conds, "agent_name = ?")
		args = append(args, filter.AgentName)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY last_active_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Session
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(&sess.ID, &sess.AgentName, &sess.SouthSessionID, &sess.Status, &sess.CreatedAt, &sess.LastActiveAt, &sess.MessageCount); err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// UpdateSession applies the non-nil fields of patch.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	var sets []string
	var args []interface{}
	if patch.SouthSessionID != nil {
		sets = append(sets, "south_session_id = ?")
		args = append(args, *patch.SouthSessionID)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.LastActiveAt != nil {
		sets = append(sets, "last_active_at = ?")
		args = append(args, patch.LastActiveAt.UTC())
	}
	if patch.MessageCount != nil {
		sets = append(sets, "message_count = ?")
		args = append(args, *patch.MessageCount)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE sessions SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.NotFound("session", id)
	}
	return nil
}

// DeleteSession removes a session and, via the cascade, its messages.
// Deleting an absent session is not an error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// AppendMessage inserts the next transcript entry atomically.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID, role string, content []protocol.ContentBlock, south json.RawMessage) (int, error) {
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return 0, fmt.Errorf("failed to encode message content: %w", err)
	}
	southJSON := string(south)
	if southJSON == "" {
		southJSON = string(contentJSON)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx, `SELECT message_count FROM sessions WHERE id = ?`, sessionID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, errors.NotFound("session", sessionID)
	}
	if err != nil {
		return 0, err
	}

	seq := count + 1
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, sequence, role, content_json, south_blocks_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, seq, role, string(contentJSON), southJSON, now); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET message_count = ?, last_active_at = ? WHERE id = ?
	`, seq, now, sessionID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// ListMessages returns messages with sequence > sinceSeq, ascending.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, sinceSeq, limit int) ([]*Message, error) {
	query := `
		SELECT session_id, sequence, role, content_json, south_blocks_json, created_at
		FROM messages WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`
	args := []interface{}{sessionID, sinceSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Message
	for rows.Next() {
		msg := &Message{}
		var contentJSON, southJSON string
		if err := rows.Scan(&msg.SessionID, &msg.Sequence, &msg.Role, &contentJSON, &southJSON, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(contentJSON), &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to decode message content for session %s seq %d: %w", msg.SessionID, msg.Sequence, err)
		}
		msg.South = json.RawMessage(southJSON)
		result = append(result, msg)
	}
	return result, rows.Err()
}

// isSQLiteConstraint reports whether err is a primary-key or unique
// constraint violation.
func isSQLiteConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
