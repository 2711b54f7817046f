package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acp2/acp2/internal/agent/registry"
	"github.com/acp2/acp2/internal/common/errors"
	"github.com/acp2/acp2/internal/common/logger"
	"github.com/acp2/acp2/internal/events"
	"github.com/acp2/acp2/internal/session/store"
	"github.com/acp2/acp2/pkg/acp/jsonrpc"
	"github.com/acp2/acp2/pkg/acp/protocol"
	v1 "github.com/acp2/acp2/pkg/api/v1"
)

const helperEnv = "ACP2_SESSION_HELPER_AGENT"

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newTestManager wires a manager over the in-memory store with two agents
// that re-execute this test binary: "helper" rejects session/load,
// "resumer" accepts it.
func newTestManager(t *testing.T) (*Manager, store.Store, events.Bus) {
	t.Helper()
	t.Setenv(helperEnv, "1")

	log := newTestLogger(t)
	command := func(mode string) []string {
		cmd := []string{os.Args[0], "-test.run=^TestHelperAgent$", "--"}
		if mode != "" {
			cmd = append(cmd, mode)
		}
		return cmd
	}
	reg, err := registry.New([]*registry.AgentSpec{
		{Name: "helper", Command: command("")},
		{Name: "resumer", Command: command("resume-ok")},
	}, log)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	bus := events.NewMemoryBus(log)
	m := NewManager(st, reg, bus, Options{TerminateGrace: 2 * time.Second, IdleTimeout: time.Hour}, log)
	t.Cleanup(m.Stop)
	t.Cleanup(func() { bus.Close() })
	return m, st, bus
}

func createSession(t *testing.T, st store.Store, id, agent string) {
	t.Helper()
	_, err := st.CreateSession(context.Background(), id, agent)
	require.NoError(t, err)
}

func TestAcquireBindsAndMarksActive(t *testing.T) {
	m, st, _ := newTestManager(t)
	createSession(t, st, "s1", "helper")

	b, err := m.Acquire(testCtx(t), "s1", "helper")
	require.NoError(t, err)
	defer m.Release("s1")

	assert.Equal(t, "s1", b.SessionID)
	assert.NotEmpty(t, b.SouthID)
	assert.True(t, b.Proc.Alive())

	sess, err := st.GetSession(testCtx(t), "s1")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusActive, sess.Status)
	assert.Equal(t, b.SouthID, sess.SouthSessionID)
}

func TestAcquireSerializesRunsPerSession(t *testing.T) {
	m, st, _ := newTestManager(t)
	createSession(t, st, "s1", "helper")

	b1, err := m.Acquire(testCtx(t), "s1", "helper")
	require.NoError(t, err)

	second := make(chan *Binding, 1)
	go func() {
		b2, err := m.Acquire(testCtx(t), "s1", "helper")
		if err == nil {
			second <- b2
		}
	}()

	select {
	case <-second:
		t.Fatal("second acquire did not wait for the first run to release")
	case <-time.After(150 * time.Millisecond):
	}

	m.Release("s1")

	select {
	case b2 := <-second:
		assert.Same(t, b1.Proc, b2.Proc)
		assert.Equal(t, b1.SouthID, b2.SouthID)
		m.Release("s1")
	case <-time.After(5 * time.Second):
		t.Fatal("second acquire never got the turn")
	}
}

func TestAcquireReusesLiveProcess(t *testing.T) {
	m, st, _ := newTestManager(t)
	createSession(t, st, "s1", "helper")

	b1, err := m.Acquire(testCtx(t), "s1", "helper")
	require.NoError(t, err)
	m.Release("s1")

	b2, err := m.Acquire(testCtx(t), "s1", "helper")
	require.NoError(t, err)
	m.Release("s1")

	assert.Same(t, b1.Proc, b2.Proc)
	assert.Equal(t, b1.SouthID, b2.SouthID)
}

func TestAcquireRespawnsAfterChildExit(t *testing.T) {
	m, st, _ := newTestManager(t)
	createSession(t, st, "s1", "helper")

	b1, err := m.Acquire(testCtx(t), "s1", "helper")
	require.NoError(t, err)
	m.Release("s1")

	b1.Proc.Terminate()
	require.Eventually(t, func() bool {
		sess, err := st.GetSession(context.Background(), "s1")
		return err == nil && sess.Status == v1.SessionStatusIdle
	}, 5*time.Second, 20*time.Millisecond, "watcher never unbound the dead child")

	// The helper agent rejects session/load, so the rebind opens a fresh
	// south session and persists the replacement id.
	b2, err := m.Acquire(testCtx(t), "s1", "helper")
	require.NoError(t, err)
	m.Release("s1")

	assert.NotSame(t, b1.Proc, b2.Proc)
	assert.NotEqual(t, b1.SouthID, b2.SouthID)

	sess, err := st.GetSession(testCtx(t), "s1")
	require.NoError(t, err)
	assert.Equal(t, b2.SouthID, sess.SouthSessionID)
	assert.Equal(t, v1.SessionStatusActive, sess.Status)
}

func TestAcquireResumesWhenAgentSupportsLoad(t *testing.T) {
	m, st, _ := newTestManager(t)
	createSession(t, st, "s1", "resumer")

	b1, err := m.Acquire(testCtx(t), "s1", "resumer")
	require.NoError(t, err)
	m.Release("s1")

	b1.Proc.Terminate()
	require.Eventually(t, func() bool {
		sess, err := st.GetSession(context.Background(), "s1")
		return err == nil && sess.Status == v1.SessionStatusIdle
	}, 5*time.Second, 20*time.Millisecond)

	b2, err := m.Acquire(testCtx(t), "s1", "resumer")
	require.NoError(t, err)
	m.Release("s1")

	assert.NotSame(t, b1.Proc, b2.Proc)
	assert.Equal(t, b1.SouthID, b2.SouthID, "south session id should survive a resume")
}

func TestAcquireValidation(t *testing.T) {
	m, st, _ := newTestManager(t)

	t.Run("unknown session", func(t *testing.T) {
		_, err := m.Acquire(testCtx(t), "nope", "helper")
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("terminated session", func(t *testing.T) {
		createSession(t, st, "dead", "helper")
		terminated := v1.SessionStatusTerminated
		require.NoError(t, st.UpdateSession(testCtx(t), "dead", store.SessionPatch{Status: &terminated}))

		_, err := m.Acquire(testCtx(t), "dead", "helper")
		require.Error(t, err)
		assert.Equal(t, errors.KindConflict, errors.From(err).Kind)
	})

	t.Run("agent mismatch", func(t *testing.T) {
		createSession(t, st, "owned", "resumer")
		_, err := m.Acquire(testCtx(t), "owned", "helper")
		require.Error(t, err)
		assert.Equal(t, errors.KindConflict, errors.From(err).Kind)
	})
}

func TestEphemeralBindingLeavesNoRow(t *testing.T) {
	m, st, _ := newTestManager(t)

	b, err := m.Ephemeral(testCtx(t), "helper")
	require.NoError(t, err)
	defer b.Proc.Terminate()

	assert.Empty(t, b.SessionID)
	assert.NotEmpty(t, b.SouthID)
	assert.True(t, b.Proc.Alive())

	sessions, err := st.ListSessions(testCtx(t), store.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestTerminateStopsChildAndRefusesRuns(t *testing.T) {
	m, st, bus := newTestManager(t)
	createSession(t, st, "s1", "helper")

	var mu sync.Mutex
	var subjects []string
	_, err := bus.Subscribe("session.>", func(ctx context.Context, ev *events.Event) error {
		mu.Lock()
		subjects = append(subjects, ev.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	b, err := m.Acquire(testCtx(t), "s1", "helper")
	require.NoError(t, err)
	m.Release("s1")

	require.NoError(t, m.Terminate(testCtx(t), "s1"))

	assert.False(t, b.Proc.Alive())
	sess, err := st.GetSession(testCtx(t), "s1")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusTerminated, sess.Status)

	_, err = m.Acquire(testCtx(t), "s1", "helper")
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.From(err).Kind)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range subjects {
			if s == events.SubjectSessionTerminated {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTerminateConflictsDuringRun(t *testing.T) {
	m, st, _ := newTestManager(t)
	createSession(t, st, "s1", "helper")

	_, err := m.Acquire(testCtx(t), "s1", "helper")
	require.NoError(t, err)

	err = m.Terminate(testCtx(t), "s1")
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.From(err).Kind)

	m.Release("s1")
	require.NoError(t, m.Terminate(testCtx(t), "s1"))
}

func TestDeleteRemovesSession(t *testing.T) {
	m, st, _ := newTestManager(t)
	createSession(t, st, "s1", "helper")

	b, err := m.Acquire(testCtx(t), "s1", "helper")
	require.NoError(t, err)
	m.Release("s1")

	require.NoError(t, m.Delete(testCtx(t), "s1"))

	assert.False(t, b.Proc.Alive())
	_, err = st.GetSession(testCtx(t), "s1")
	assert.True(t, errors.IsNotFound(err))

	_, err = m.Acquire(testCtx(t), "s1", "helper")
	assert.True(t, errors.IsNotFound(err))
}

func TestDeleteUnknownSessionIsNotFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.Delete(testCtx(t), "ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestSweepReapsIdleProcesses(t *testing.T) {
	m, st, _ := newTestManager(t)
	m.opts.IdleTimeout = 30 * time.Millisecond
	createSession(t, st, "s1", "helper")

	b, err := m.Acquire(testCtx(t), "s1", "helper")
	require.NoError(t, err)
	m.Release("s1")

	time.Sleep(60 * time.Millisecond)
	m.sweep(testCtx(t))

	assert.False(t, b.Proc.Alive())
	sess, err := st.GetSession(testCtx(t), "s1")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusIdle, sess.Status)

	// The session itself survives reaping; the next run respawns.
	b2, err := m.Acquire(testCtx(t), "s1", "helper")
	require.NoError(t, err)
	m.Release("s1")
	assert.True(t, b2.Proc.Alive())
}

func TestSweepSkipsSessionsWithRunInProgress(t *testing.T) {
	m, st, _ := newTestManager(t)
	m.opts.IdleTimeout = time.Nanosecond
	createSession(t, st, "s1", "helper")

	b, err := m.Acquire(testCtx(t), "s1", "helper")
	require.NoError(t, err)

	m.sweep(testCtx(t))
	assert.True(t, b.Proc.Alive(), "sweeper must not reap a session holding its turn")

	m.Release("s1")
}

// TestHelperAgent is not a test: children spawned by the manager re-execute
// this binary with helperEnv set and speak the agent side of the wire.
// Default mode rejects session/load; "resume-ok" accepts it. South session
// ids are unique per process so rebinds are observable.
func TestHelperAgent(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("helper process")
	}
	mode := ""
	for i, arg := range os.Args {
		if arg == "--" && i+1 < len(os.Args) {
			mode = os.Args[i+1]
		}
	}
	runHelperAgent(mode)
	os.Exit(0)
}

func runHelperAgent(mode string) {
	enc := json.NewEncoder(os.Stdout)
	send := func(v interface{}) { _ = enc.Encode(v) }
	result := func(id int64, res interface{}) {
		raw, _ := json.Marshal(res)
		send(jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Result: raw})
	}

	sessionSeq := 0

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg jsonrpc.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		id, _ := msg.RequestID()

		switch msg.Method {
		case protocol.MethodInitialize:
			result(id, map[string]interface{}{"protocolVersion": 1})

		case protocol.MethodSessionNew:
			sessionSeq++
			result(id, protocol.NewSessionResult{
				SessionID: fmt.Sprintf("south-%d-%d", os.Getpid(), sessionSeq),
			})

		case protocol.MethodSessionLoad:
			if mode == "resume-ok" {
				result(id, struct{}{})
			} else {
				send(jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id,
					Error: &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "method not found"}})
			}

		case protocol.MethodSessionPrompt:
			var params protocol.PromptParams
			_ = json.Unmarshal(msg.Params, &params)
			raw, _ := json.Marshal(map[string]interface{}{
				"sessionId": params.SessionID,
				"update": map[string]interface{}{
					"sessionUpdate": "agent_message_chunk",
					"content":       map[string]string{"type": "text", "text": protocol.JoinText(params.Prompt)},
				},
			})
			send(jsonrpc.Notification{JSONRPC: jsonrpc.Version, Method: protocol.MethodSessionUpdate, Params: raw})
			result(id, protocol.PromptResult{StopReason: protocol.StopReasonEndTurn})
		}
	}
}
