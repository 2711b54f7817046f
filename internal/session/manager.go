// Package session guarantees at-most-one live agent child per logical
// session and owns the binding between a session row and its current
// south-side session id.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acp2/acp2/internal/agent/process"
	"github.com/acp2/acp2/internal/agent/registry"
	"github.com/acp2/acp2/internal/common/errors"
	"github.com/acp2/acp2/internal/common/logger"
	"github.com/acp2/acp2/internal/events"
	"github.com/acp2/acp2/internal/session/store"
	v1 "github.com/acp2/acp2/pkg/api/v1"
)

// sweepInterval is how often the idle sweeper wakes up.
const sweepInterval = time.Minute

// Options configures the manager.
type Options struct {
	// WorkDir is handed to spawned agents as their session cwd.
	WorkDir string
	// TerminateGrace bounds each child shutdown.
	TerminateGrace time.Duration
	// IdleTimeout is how long a bound process may sit unused before the
	// sweeper reaps it. Zero disables reaping.
	IdleTimeout time.Duration
}

// Binding is a session's leased process for the duration of one run.
// Holders must call Manager.Release (or Process.Terminate for ephemeral
// bindings) when the run leaves in-progress.
type Binding struct {
	SessionID string // empty for ephemeral bindings
	SouthID   string
	Proc      *process.Process
}

// entry is the per-session state. The gate channel (capacity 1) is the
// run turn: held from acquire to release, so runs on one session queue
// behind each other. mu is the binding lock; it is never held across a
// prompt.
type entry struct {
	gate chan struct{}

	mu       sync.Mutex
	proc     *process.Process
	southID  string
	lastUsed time.Time
}

// Manager caches live agent processes keyed by session id.
type Manager struct {
	store    store.Store
	registry *registry.Registry
	bus      events.Bus
	logger   *logger.Logger
	opts     Options

	mu      sync.Mutex
	entries map[string]*entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(st store.Store, reg *registry.Registry, bus events.Bus, opts Options, log *logger.Logger) *Manager {
	return &Manager{
		store:    st,
		registry: reg,
		bus:      bus,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		opts:     opts,
		entries:  make(map[string]*entry),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the idle sweeper.
func (m *Manager) Start(ctx context.Context) {
	if m.opts.IdleTimeout <= 0 {
		m.logger.Info("idle reaping disabled")
		return
	}
	m.wg.Add(1)
	go m.sweepLoop(ctx)
}

// Stop halts the sweeper and terminates every cached child.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	snapshot := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		snapshot = append(snapshot, e)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range snapshot {
		e.mu.Lock()
		proc := e.proc
		e.proc = nil
		e.mu.Unlock()
		if proc == nil {
			continue
		}
		wg.Add(1)
		go func(p *process.Process) {
			defer wg.Done()
			p.Terminate()
		}(proc)
	}
	wg.Wait()
	m.logger.Info("session manager stopped")
}

// entryFor returns the session's entry, creating it if needed.
func (m *Manager) entryFor(sessionID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		e = &entry{gate: make(chan struct{}, 1)}
		m.entries[sessionID] = e
	}
	return e
}

// Acquire takes the session's run turn and returns a bound process,
// spawning and rebinding if the cached child is gone. Concurrent
// acquires for one session queue behind each other; ctx bounds the wait
// and the handshake.
func (m *Manager) Acquire(ctx context.Context, sessionID, agentName string) (*Binding, error) {
	e := m.entryFor(sessionID)

	select {
	case e.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Internal(fmt.Sprintf("interrupted waiting for session '%s' turn", sessionID), ctx.Err())
	}

	binding, err := m.bind(ctx, e, sessionID, agentName)
	if err != nil {
		<-e.gate
		return nil, err
	}
	return binding, nil
}

// bind runs under the gate. It validates the session row, reuses the
// cached process when alive, and otherwise spawns and rebinds.
func (m *Manager) bind(ctx context.Context, e *entry, sessionID, agentName string) (*Binding, error) {
	// The entry may have been dropped by a concurrent delete while we
	// waited for the gate; a stale gate must not admit a run.
	m.mu.Lock()
	current := m.entries[sessionID]
	m.mu.Unlock()
	if current != e {
		return nil, errors.Conflict(fmt.Sprintf("session '%s' was deleted", sessionID))
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == v1.SessionStatusTerminated {
		return nil, errors.Conflict(fmt.Sprintf("session '%s' is terminated", sessionID))
	}
	if sess.AgentName != agentName {
		return nil, errors.Conflict(fmt.Sprintf("session '%s' belongs to agent '%s'", sessionID, sess.AgentName))
	}

	e.mu.Lock()
	proc := e.proc
	southID := e.southID
	e.mu.Unlock()

	if proc != nil && proc.Alive() {
		m.touch(e)
		return &Binding{SessionID: sessionID, SouthID: southID, Proc: proc}, nil
	}

	spec, err := m.registry.Lookup(agentName)
	if err != nil {
		return nil, err
	}
	proc, err = process.Spawn(ctx, spec, process.Options{
		WorkDir:        m.opts.WorkDir,
		TerminateGrace: m.opts.TerminateGrace,
	}, m.logger)
	if err != nil {
		return nil, err
	}

	southID, err = m.rebind(ctx, proc, sess)
	if err != nil {
		proc.Terminate()
		return nil, err
	}

	e.mu.Lock()
	e.proc = proc
	e.southID = southID
	e.lastUsed = time.Now()
	e.mu.Unlock()

	m.wg.Add(1)
	go m.watch(sessionID, proc)

	active := v1.SessionStatusActive
	if err := m.store.UpdateSession(ctx, sessionID, store.SessionPatch{Status: &active}); err != nil {
		m.logger.Warn("failed to mark session active",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	m.logger.Info("session bound to agent process",
		zap.String("session_id", sessionID),
		zap.String("agent", agentName),
		zap.String("south_session_id", southID))
	return &Binding{SessionID: sessionID, SouthID: southID, Proc: proc}, nil
}

// rebind re-establishes the south-side session on a fresh child. A
// persisted id is resumed when the agent supports it; otherwise a new
// south session replaces it, preserving the north transcript either way.
func (m *Manager) rebind(ctx context.Context, proc *process.Process, sess *store.Session) (string, error) {
	if sess.SouthSessionID != "" {
		ok, err := proc.ResumeSession(ctx, sess.SouthSessionID)
		if err != nil {
			return "", err
		}
		if ok {
			return sess.SouthSessionID, nil
		}
		m.logger.Info("agent could not resume session, opening a new one",
			zap.String("session_id", sess.ID),
			zap.String("south_session_id", sess.SouthSessionID))
	}

	southID, err := proc.OpenNewSession(ctx)
	if err != nil {
		return "", err
	}
	if err := m.store.UpdateSession(ctx, sess.ID, store.SessionPatch{SouthSessionID: &southID}); err != nil {
		return "", err
	}
	return southID, nil
}

// Release frees the session's run turn and stamps last-used. The
// process stays bound for the next run; the sweeper reaps it later.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.touch(e)
	select {
	case <-e.gate:
	default:
	}
}

func (m *Manager) touch(e *entry) {
	e.mu.Lock()
	e.lastUsed = time.Now()
	e.mu.Unlock()
}

// Ephemeral spawns a one-shot process with no session row. The caller
// owns it and must call Proc.Terminate when the run finishes.
func (m *Manager) Ephemeral(ctx context.Context, agentName string) (*Binding, error) {
	spec, err := m.registry.Lookup(agentName)
	if err != nil {
		return nil, err
	}
	proc, err := process.Spawn(ctx, spec, process.Options{
		WorkDir:        m.opts.WorkDir,
		TerminateGrace: m.opts.TerminateGrace,
	}, m.logger)
	if err != nil {
		return nil, err
	}

	southID, err := proc.OpenNewSession(ctx)
	if err != nil {
		proc.Terminate()
		return nil, err
	}
	return &Binding{SouthID: southID, Proc: proc}, nil
}

// Terminate kills the session's child (if any), clears the binding and
// marks the session terminated. Conflict while a run holds the turn.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	e := m.entryFor(sessionID)
	select {
	case e.gate <- struct{}{}:
	default:
		return errors.Conflict(fmt.Sprintf("session '%s' has a run in progress", sessionID))
	}
	defer func() { <-e.gate }()

	e.mu.Lock()
	proc := e.proc
	e.proc = nil
	e.southID = ""
	e.mu.Unlock()
	if proc != nil {
		proc.Terminate()
	}

	terminated := v1.SessionStatusTerminated
	if err := m.store.UpdateSession(ctx, sessionID, store.SessionPatch{Status: &terminated}); err != nil {
		return err
	}

	m.publish(ctx, events.SubjectSessionTerminated, map[string]interface{}{
		"session_id": sessionID,
		"agent":      sess.AgentName,
	})
	m.logger.Info("session terminated", zap.String("session_id", sessionID))
	return nil
}

// Delete terminates the child and removes the session row with its
// messages. Not-found for unknown ids, conflict while a run is active.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return err
	}

	e := m.entryFor(sessionID)
	select {
	case e.gate <- struct{}{}:
	default:
		return errors.Conflict(fmt.Sprintf("session '%s' has a run in progress", sessionID))
	}

	e.mu.Lock()
	proc := e.proc
	e.proc = nil
	e.southID = ""
	e.mu.Unlock()
	if proc != nil {
		proc.Terminate()
	}

	err := m.store.DeleteSession(ctx, sessionID)

	// Drop the entry so the id can be reused from scratch. Anyone still
	// queued on the old gate fails the identity check in bind.
	m.mu.Lock()
	delete(m.entries, sessionID)
	m.mu.Unlock()
	<-e.gate

	if err != nil {
		return err
	}
	m.publish(ctx, events.SubjectSessionTerminated, map[string]interface{}{
		"session_id": sessionID,
	})
	m.logger.Info("session deleted", zap.String("session_id", sessionID))
	return nil
}

// watch unbinds the session when its child exits outside our control.
func (m *Manager) watch(sessionID string, proc *process.Process) {
	defer m.wg.Done()
	select {
	case <-proc.Done():
	case <-m.stopCh:
		return
	}

	m.mu.Lock()
	e, ok := m.entries[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	cleared := e.proc == proc
	if cleared {
		e.proc = nil
	}
	e.mu.Unlock()
	if !cleared {
		return
	}

	idle := v1.SessionStatusIdle
	if err := m.store.UpdateSession(context.Background(), sessionID, store.SessionPatch{Status: &idle}); err != nil && !errors.IsNotFound(err) {
		m.logger.Warn("failed to mark session idle after child exit",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	m.logger.Info("agent process exited, session unbound",
		zap.String("session_id", sessionID))
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("idle sweeper stopped (context cancelled)")
			return
		case <-m.stopCh:
			m.logger.Info("idle sweeper stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep reaps processes idle past the threshold. A session with a run
// in progress holds its gate, so it is never reaped mid-run.
func (m *Manager) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.opts.IdleTimeout)

	m.mu.Lock()
	snapshot := make(map[string]*entry, len(m.entries))
	for id, e := range m.entries {
		snapshot[id] = e
	}
	m.mu.Unlock()

	for sessionID, e := range snapshot {
		select {
		case e.gate <- struct{}{}:
		default:
			continue
		}

		e.mu.Lock()
		proc := e.proc
		stale := proc != nil && e.lastUsed.Before(cutoff)
		if stale {
			e.proc = nil
		}
		e.mu.Unlock()

		if stale {
			proc.Terminate()

			idle := v1.SessionStatusIdle
			if err := m.store.UpdateSession(ctx, sessionID, store.SessionPatch{Status: &idle}); err != nil && !errors.IsNotFound(err) {
				m.logger.Warn("failed to mark session idle",
					zap.String("session_id", sessionID), zap.Error(err))
			}
			m.publish(ctx, events.SubjectSessionReaped, map[string]interface{}{
				"session_id": sessionID,
			})
			m.logger.Info("reaped idle agent process",
				zap.String("session_id", sessionID),
				zap.Duration("idle_timeout", m.opts.IdleTimeout))
		}

		<-e.gate
	}
}

func (m *Manager) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, subject, events.NewEvent(subject, data)); err != nil {
		m.logger.Warn("failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}
