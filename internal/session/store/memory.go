package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/acp2/acp2/internal/common/errors"
	"github.com/acp2/acp2/pkg/acp/protocol"
	v1 "github.com/acp2/acp2/pkg/api/v1"
)

// MemoryStore keeps sessions in process memory. Intended for tests and
// for running the bridge without a database; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]*Message
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
	}
}

// Close is a no-op for the memory backend.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateSession inserts a new session row.
func (s *MemoryStore) CreateSession(_ context.Context, id, agentName string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; exists {
		return nil, errors.Conflict(fmt.Sprintf("session '%s' already exists", id))
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:           id,
		AgentName:    agentName,
		Status:       v1.SessionStatusIdle,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	s.sessions[id] = sess
	return cloneSession(sess), nil
}

// GetSession retrieves a session by ID.
func (s *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, errors.NotFound("session", id)
	}
	return cloneSession(sess), nil
}

// ListSessions returns sessions ordered by last_active_at descending.
func (s *MemoryStore) ListSessions(_ context.Context, filter ListFilter) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if filter.AgentName != "" && sess.AgentName != filter.AgentName {
			continue
		}
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneSession(sess))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].LastActiveAt.Equal(matched[j].LastActiveAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].LastActiveAt.After(matched[j].LastActiveAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// UpdateSession applies the non-nil fields of patch.
func (s *MemoryStore) UpdateSession(_ context.Context, id string, patch SessionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return errors.NotFound("session", id)
	}
	if patch.SouthSessionID != nil {
		sess.SouthSessionID = *patch.SouthSessionID
	}
	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.LastActiveAt != nil {
		sess.LastActiveAt = patch.LastActiveAt.UTC()
	}
	if patch.MessageCount != nil {
		sess.MessageCount = *patch.MessageCount
	}
	return nil
}

// DeleteSession removes a session and its messages. Idempotent.
func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	delete(s.messages, id)
	return nil
}

// AppendMessage assigns the next sequence and bumps the session counters.
func (s *MemoryStore) AppendMessage(_ context.Context, sessionID, role string, content []protocol.ContentBlock, south json.RawMessage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[sessionID]
	if !exists {
		return 0, errors.NotFound("session", sessionID)
	}

	if len(south) == 0 {
		encoded, err := json.Marshal(content)
		if err != nil {
			return 0, fmt.Errorf("failed to encode message content: %w", err)
		}
		south = encoded
	}

	now := time.Now().UTC()
	seq := sess.MessageCount + 1
	msg := &Message{
		SessionID: sessionID,
		Sequence:  seq,
		Role:      role,
		Content:   append([]protocol.ContentBlock(nil), content...),
		South:     append(json.RawMessage(nil), south...),
		CreatedAt: now,
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	sess.MessageCount = seq
	sess.LastActiveAt = now
	return seq, nil
}

// ListMessages returns messages with sequence > sinceSeq, ascending.
func (s *MemoryStore) ListMessages(_ context.Context, sessionID string, sinceSeq, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Message
	for _, msg := range s.messages[sessionID] {
		if msg.Sequence <= sinceSeq {
			continue
		}
		result = append(result, cloneMessage(msg))
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func cloneSession(sess *Session) *Session {
	dup := *sess
	return &dup
}

func cloneMessage(msg *Message) *Message {
	dup := *msg
	dup.Content = append([]protocol.ContentBlock(nil), msg.Content...)
	dup.South = append(json.RawMessage(nil), msg.South...)
	return &dup
}
