// Package v1 defines the north-side HTTP contract of the bridge.
package v1

import (
	"time"

	"github.com/acp2/acp2/pkg/acp/protocol"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusCreated    RunStatus = "created"
	RunStatusInProgress RunStatus = "in-progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusCancelled  RunStatus = "cancelled"
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusCancelled || s == RunStatusFailed
}

// RunMode selects how the response is delivered.
type RunMode string

const (
	RunModeSync   RunMode = "sync"
	RunModeStream RunMode = "stream"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusIdle       SessionStatus = "idle"
	SessionStatusTerminated SessionStatus = "terminated"
)

// Message roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// PingResponse is the health check body.
type PingResponse struct {
	Status string `json:"status"`
}

// AgentCapabilities describes what the bridge supports for an agent.
type AgentCapabilities struct {
	Modes                []RunMode `json:"modes"`
	SupportsStreaming    bool      `json:"supports_streaming"`
	SupportsCancellation bool      `json:"supports_cancellation"`
}

// AgentManifest is the public description of one configured agent.
// Command and credentials never appear here.
type AgentManifest struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Version      string            `json:"version"`
	Capabilities AgentCapabilities `json:"capabilities"`
}

// AgentListResponse wraps GET /agents.
type AgentListResponse struct {
	Agents []AgentManifest `json:"agents"`
}

// MessageBody is one conversational message: a role plus ordered content
// blocks. Unknown block variants round-trip verbatim.
type MessageBody struct {
	Role    string                  `json:"role"`
	Content []protocol.ContentBlock `json:"content"`
}

// RunRequest is the POST /runs body.
type RunRequest struct {
	Agent     string      `json:"agent"`
	SessionID string      `json:"session_id,omitempty"`
	Mode      RunMode     `json:"mode"`
	Input     MessageBody `json:"input"`
}

// RunResponse is the sync-mode POST /runs body and the payload of the
// terminal completed SSE frame.
type RunResponse struct {
	RunID  string       `json:"run_id"`
	Status RunStatus    `json:"status"`
	Output *MessageBody `json:"output,omitempty"`
}

// ErrorInfo mirrors the error envelope inside run payloads.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Run is the full run record returned by GET /runs/{id}.
type Run struct {
	RunID      string       `json:"run_id"`
	Agent      string       `json:"agent"`
	SessionID  string       `json:"session_id,omitempty"`
	Mode       RunMode      `json:"mode"`
	Status     RunStatus    `json:"status"`
	Output     *MessageBody `json:"output,omitempty"`
	Error      *ErrorInfo   `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// CancelResponse is the POST /runs/{id}/cancel body.
type CancelResponse struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
}

// Session is the public view of a persisted session row.
type Session struct {
	ID           string        `json:"id"`
	AgentName    string        `json:"agent_name"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActiveAt time.Time     `json:"last_active_at"`
	MessageCount int           `json:"message_count"`
}

// SessionListResponse wraps GET /sessions.
type SessionListResponse struct {
	Sessions []Session `json:"sessions"`
}

// Message is one transcript entry of a session.
type Message struct {
	Sequence  int                     `json:"sequence"`
	Role      string                  `json:"role"`
	Content   []protocol.ContentBlock `json:"content"`
	CreatedAt time.Time               `json:"created_at"`
}

// SessionDetailResponse wraps GET /sessions/{id}.
type SessionDetailResponse struct {
	Session  Session   `json:"session"`
	Messages []Message `json:"messages"`
}

// SSE event names emitted on stream-mode runs.
const (
	EventUpdate    = "update"
	EventCompleted = "completed"
	EventCancelled = "cancelled"
	EventFailed    = "failed"
)

// FailedEvent is the payload of the terminal failed SSE frame.
type FailedEvent struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
	Error  ErrorInfo `json:"error"`
}
