// Package store persists sessions and their message transcripts. It
// backs the session manager and the read-side HTTP endpoints; runs are
// never stored here.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/acp2/acp2/pkg/acp/protocol"
	v1 "github.com/acp2/acp2/pkg/api/v1"
)

// Session is one persisted logical session row.
type Session struct {
	ID             string
	AgentName      string
	SouthSessionID string // empty until the agent hands one out
	Status         v1.SessionStatus
	CreatedAt      time.Time
	LastActiveAt   time.Time
	MessageCount   int
}

// Message is one transcript entry. Content carries the north-side block
// list; South preserves the exact JSON shape that crossed the agent
// wire, verbatim.
type Message struct {
	SessionID string
	Sequence  int
	Role      string
	Content   []protocol.ContentBlock
	South     json.RawMessage
	CreatedAt time.Time
}

// SessionPatch updates any subset of a session row. Nil fields are left
// untouched.
type SessionPatch struct {
	SouthSessionID *string
	Status         *v1.SessionStatus
	LastActiveAt   *time.Time
	MessageCount   *int
}

// ListFilter narrows ListSessions. Zero values match everything.
type ListFilter struct {
	AgentName string
	Status    v1.SessionStatus
	Limit     int
	Offset    int
}

// Store is the persistence contract shared by the SQLite, Postgres and
// in-memory backends.
//
// Missing rows surface as not-found errors from the taxonomy so callers
// can branch with errors.IsNotFound. DeleteSession is idempotent: a
// second delete of the same id is not an error.
type Store interface {
	// CreateSession inserts a new session row. Conflict if id exists.
	CreateSession(ctx context.Context, id, agentName string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	// ListSessions returns sessions ordered by last_active_at descending.
	ListSessions(ctx context.Context, filter ListFilter) ([]*Session, error)
	UpdateSession(ctx context.Context, id string, patch SessionPatch) error
	DeleteSession(ctx context.Context, id string) error

	// AppendMessage assigns the next sequence number, bumps the
	// session's message_count and last_active_at, and returns the
	// sequence. The whole step is atomic.
	AppendMessage(ctx context.Context, sessionID, role string, content []protocol.ContentBlock, south json.RawMessage) (int, error)
	// ListMessages returns messages ordered by sequence ascending,
	// restricted to sequence > sinceSeq. limit <= 0 means no limit.
	ListMessages(ctx context.Context, sessionID string, sinceSeq, limit int) ([]*Message, error)

	Close() error
}
