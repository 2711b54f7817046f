// Package run orchestrates north-side runs: each one maps to exactly
// one south-side session/prompt, with its own event stream and terminal
// state. Runs live in memory only; transcripts go to the session store.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acp2/acp2/internal/agent/process"
	"github.com/acp2/acp2/internal/agent/registry"
	"github.com/acp2/acp2/internal/common/errors"
	"github.com/acp2/acp2/internal/common/logger"
	"github.com/acp2/acp2/internal/events"
	"github.com/acp2/acp2/internal/session"
	"github.com/acp2/acp2/internal/session/store"
	"github.com/acp2/acp2/pkg/acp/protocol"
	v1 "github.com/acp2/acp2/pkg/api/v1"
)

// eventQueueSize bounds each run's event channel. Stream handlers drain
// continuously; if a consumer stalls, update frames are dropped rather
// than blocking the transport reader. Terminal events are never dropped.
const eventQueueSize = 1024

// Event is one frame on a run's stream. Name selects the SSE variant;
// Data is the frame payload, already shaped for the wire.
type Event struct {
	Name string
	Data interface{}
}

// Run is the in-memory record of one run.
type Run struct {
	ID        string
	Agent     string
	SessionID string // empty for ephemeral runs
	Mode      v1.RunMode
	CreatedAt time.Time

	input []protocol.ContentBlock

	mu         sync.Mutex
	status     v1.RunStatus
	output     []protocol.ContentBlock
	appErr     *errors.AppError
	finishedAt *time.Time
	cancelled  bool
	proc       *process.Process
	southID    string

	events chan Event
	done   chan struct{}
}

// Events is the run's frame stream. It is closed after the terminal
// event.
func (r *Run) Events() <-chan Event {
	return r.events
}

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Snapshot returns the public view of the run.
func (r *Run) Snapshot() *v1.Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := &v1.Run{
		RunID:      r.ID,
		Agent:      r.Agent,
		SessionID:  r.SessionID,
		Mode:       r.Mode,
		Status:     r.status,
		CreatedAt:  r.CreatedAt,
		FinishedAt: r.finishedAt,
	}
	if r.output != nil {
		out.Output = &v1.MessageBody{Role: v1.RoleAgent, Content: r.output}
	}
	if r.appErr != nil {
		out.Error = &v1.ErrorInfo{Kind: r.appErr.Kind, Message: r.appErr.Message}
	}
	return out
}

// Err returns the failure, or nil if the run did not fail.
func (r *Run) Err() *errors.AppError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appErr
}

func (r *Run) cancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Manager owns the in-memory run table and the per-run workers.
type Manager struct {
	sessions *session.Manager
	registry *registry.Registry
	store    store.Store
	bus      events.Bus
	logger   *logger.Logger

	mu   sync.RWMutex
	runs map[string]*Run
}

// NewManager creates a run manager.
func NewManager(sessions *session.Manager, reg *registry.Registry, st store.Store, bus events.Bus, log *logger.Logger) *Manager {
	return &Manager{
		sessions: sessions,
		registry: reg,
		store:    st,
		bus:      bus,
		logger:   log.WithFields(zap.String("component", "run-manager")),
		runs:     make(map[string]*Run),
	}
}

// Submit validates the request, registers the run and starts its
// worker. Validation failures surface here so the HTTP layer can reject
// without a run record; everything after this point is reported through
// the run's terminal state.
func (m *Manager) Submit(req *v1.RunRequest) (*Run, error) {
	if req.Agent == "" {
		return nil, errors.BadRequest("agent is required")
	}
	if _, err := m.registry.Lookup(req.Agent); err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = v1.RunModeSync
	}
	if mode != v1.RunModeSync && mode != v1.RunModeStream {
		return nil, errors.BadRequest(fmt.Sprintf("mode must be %q or %q", v1.RunModeSync, v1.RunModeStream))
	}
	if len(req.Input.Content) == 0 {
		return nil, errors.BadRequest("input content must not be empty")
	}
	if req.Input.Role != "" && req.Input.Role != v1.RoleUser {
		return nil, errors.BadRequest(fmt.Sprintf("input role must be %q", v1.RoleUser))
	}

	r := &Run{
		ID:        uuid.New().String(),
		Agent:     req.Agent,
		SessionID: req.SessionID,
		Mode:      mode,
		CreatedAt: time.Now().UTC(),
		input:     req.Input.Content,
		status:    v1.RunStatusCreated,
		events:    make(chan Event, eventQueueSize),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.runs[r.ID] = r
	m.mu.Unlock()

	go m.execute(r)
	return r, nil
}

// Get returns a snapshot of the run.
func (m *Manager) Get(runID string) (*v1.Run, error) {
	m.mu.RLock()
	r, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound("run", runID)
	}
	return r.Snapshot(), nil
}

// Cancel requests cancellation of an in-progress run. Best-effort: the
// agent is told to stop, but the worker still waits for the prompt
// response and surfaces whatever the agent reports.
func (m *Manager) Cancel(runID string) (*v1.Run, error) {
	m.mu.RLock()
	r, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound("run", runID)
	}

	r.mu.Lock()
	if r.status != v1.RunStatusInProgress {
		status := r.status
		r.mu.Unlock()
		return nil, errors.Conflict(fmt.Sprintf("run '%s' is %s, only in-progress runs can be cancelled", runID, status))
	}
	r.cancelled = true
	proc := r.proc
	southID := r.southID
	r.mu.Unlock()

	if proc != nil {
		if err := proc.Cancel(southID); err != nil {
			m.logger.Warn("failed to send session/cancel",
				zap.String("run_id", runID), zap.Error(err))
		}
	}

	m.logger.Info("cancel requested", zap.String("run_id", runID))
	return r.Snapshot(), nil
}

// execute drives one run from in-progress to a terminal state.
func (m *Manager) execute(r *Run) {
	// Detached from the HTTP request: a disconnecting client must not
	// abort the run.
	ctx := context.Background()

	m.setInProgress(r)

	binding, err := m.bindSession(ctx, r)
	if err != nil {
		m.finishFailed(r, err)
		return
	}
	release := func() {
		if r.SessionID == "" {
			binding.Proc.Terminate()
		} else {
			m.sessions.Release(r.SessionID)
		}
	}

	persist := r.SessionID != ""
	if persist {
		south, merr := json.Marshal(r.input)
		if merr != nil {
			release()
			m.finishFailed(r, merr)
			return
		}
		if _, err := m.store.AppendMessage(ctx, r.SessionID, v1.RoleUser, r.input, south); err != nil {
			release()
			m.finishFailed(r, err)
			return
		}
	}

	// Publish the process and check for a raced cancel in one critical
	// section: after this, Cancel always finds r.proc and can notify the
	// agent; before it, the cancelled flag is honoured here.
	r.mu.Lock()
	r.proc = binding.Proc
	r.southID = binding.SouthID
	cancelled := r.cancelled
	r.mu.Unlock()

	if cancelled {
		release()
		m.finishCancelled(r)
		return
	}

	onUpdate := func(update *protocol.SessionUpdate) {
		m.emitUpdate(ctx, r, update)
	}
	content, stopReason, err := binding.Proc.Prompt(ctx, binding.SouthID, r.input, onUpdate)

	switch {
	case err == nil && stopReason == protocol.StopReasonCancelled:
		release()
		m.finishCancelled(r)

	case err == nil:
		// Persist before releasing the turn so the next run's user
		// message lands after this reply.
		if persist {
			if _, perr := m.store.AppendMessage(ctx, r.SessionID, v1.RoleAgent, content, nil); perr != nil {
				release()
				m.finishFailed(r, perr)
				return
			}
		}
		release()
		m.finishCompleted(r, content)

	case r.cancelRequested():
		// The agent aborted the prompt because we asked it to; an error
		// response here is the cancellation surfacing, not a failure.
		release()
		m.finishCancelled(r)

	default:
		release()
		m.finishFailed(r, err)
	}
}

// bindSession implements steps 2-3: ensure the session row exists and
// acquire its process, or take the ephemeral path.
func (m *Manager) bindSession(ctx context.Context, r *Run) (*session.Binding, error) {
	if r.SessionID == "" {
		return m.sessions.Ephemeral(ctx, r.Agent)
	}

	_, err := m.store.GetSession(ctx, r.SessionID)
	if errors.IsNotFound(err) {
		_, err = m.store.CreateSession(ctx, r.SessionID, r.Agent)
		if err != nil && !errors.IsConflict(err) {
			// A concurrent run may have created it; conflict is fine.
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return m.sessions.Acquire(ctx, r.SessionID, r.Agent)
}

func (m *Manager) setInProgress(r *Run) {
	r.mu.Lock()
	r.status = v1.RunStatusInProgress
	r.mu.Unlock()

	m.publish(events.SubjectRunStarted, map[string]interface{}{
		"run_id":     r.ID,
		"agent":      r.Agent,
		"session_id": r.SessionID,
		"mode":       string(r.Mode),
	})
	m.logger.Info("run started",
		zap.String("run_id", r.ID),
		zap.String("agent", r.Agent),
		zap.String("session_id", r.SessionID),
		zap.String("mode", string(r.Mode)))
}

// emitUpdate republishes one south-side update onto the run's stream
// and the bus. It runs on the transport reader goroutine and must not
// block: when the queue is nearly full the frame is dropped. One slot
// always stays free so the terminal event can never be starved.
func (m *Manager) emitUpdate(_ context.Context, r *Run, update *protocol.SessionUpdate) {
	if len(r.events) < cap(r.events)-1 {
		r.events <- Event{Name: v1.EventUpdate, Data: json.RawMessage(update.Raw)}
	} else {
		m.logger.Warn("event queue full, dropping update frame",
			zap.String("run_id", r.ID),
			zap.String("update", update.Name))
	}

	m.publish(events.SubjectRunUpdate, map[string]interface{}{
		"run_id":     r.ID,
		"session_id": r.SessionID,
		"update":     json.RawMessage(update.Raw),
	})
}

func (m *Manager) finishCompleted(r *Run, content []protocol.ContentBlock) {
	now := time.Now().UTC()
	r.mu.Lock()
	r.status = v1.RunStatusCompleted
	r.output = content
	r.finishedAt = &now
	r.mu.Unlock()

	r.events <- Event{Name: v1.EventCompleted, Data: v1.RunResponse{
		RunID:  r.ID,
		Status: v1.RunStatusCompleted,
		Output: &v1.MessageBody{Role: v1.RoleAgent, Content: content},
	}}
	close(r.events)
	close(r.done)

	m.publish(events.SubjectRunCompleted, map[string]interface{}{
		"run_id":     r.ID,
		"session_id": r.SessionID,
	})
	m.logger.Info("run completed", zap.String("run_id", r.ID))
}

func (m *Manager) finishCancelled(r *Run) {
	now := time.Now().UTC()
	r.mu.Lock()
	r.status = v1.RunStatusCancelled
	r.finishedAt = &now
	r.mu.Unlock()

	r.events <- Event{Name: v1.EventCancelled, Data: v1.CancelResponse{
		RunID:  r.ID,
		Status: v1.RunStatusCancelled,
	}}
	close(r.events)
	close(r.done)

	m.publish(events.SubjectRunCancelled, map[string]interface{}{
		"run_id":     r.ID,
		"session_id": r.SessionID,
	})
	m.logger.Info("run cancelled", zap.String("run_id", r.ID))
}

func (m *Manager) finishFailed(r *Run, cause error) {
	appErr := errors.From(cause)
	now := time.Now().UTC()
	r.mu.Lock()
	r.status = v1.RunStatusFailed
	r.appErr = appErr
	r.finishedAt = &now
	r.mu.Unlock()

	r.events <- Event{Name: v1.EventFailed, Data: v1.FailedEvent{
		RunID:  r.ID,
		Status: v1.RunStatusFailed,
		Error:  v1.ErrorInfo{Kind: appErr.Kind, Message: appErr.Message},
	}}
	close(r.events)
	close(r.done)

	m.publish(events.SubjectRunFailed, map[string]interface{}{
		"run_id":     r.ID,
		"session_id": r.SessionID,
		"error_kind": appErr.Kind,
	})
	m.logger.Error("run failed",
		zap.String("run_id", r.ID),
		zap.String("error_kind", appErr.Kind),
		zap.Error(appErr))
}

func (m *Manager) publish(subject string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(context.Background(), subject, events.NewEvent(subject, data)); err != nil {
		m.logger.Warn("failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}
