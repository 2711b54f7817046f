package run

import (
	"bufio"
	"context"
	"encoding/json"
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
	"github.com/acp2/acp2/internal/session"
	"github.com/acp2/acp2/internal/session/store"
	"github.com/acp2/acp2/pkg/acp/jsonrpc"
	"github.com/acp2/acp2/pkg/acp/protocol"
	v1 "github.com/acp2/acp2/pkg/api/v1"
)

const helperEnv = "ACP2_RUN_HELPER_AGENT"

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

// newTestRig builds a run manager over real session plumbing. Agents are
// helper processes re-executing this binary: "echo" replies with the
// prompt text, "chunky" streams three chunks, "sleeper" streams one chunk
// and waits for session/cancel, "dier" exits mid-prompt and "refuser"
// rejects the prompt outright.
func newTestRig(t *testing.T) (*Manager, store.Store, events.Bus) {
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
		{Name: "echo", Command: command("")},
		{Name: "chunky", Command: command("chunks")},
		{Name: "sleeper", Command: command("wait-cancel")},
		{Name: "dier", Command: command("die")},
		{Name: "refuser", Command: command("reject-prompt")},
	}, log)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	bus := events.NewMemoryBus(log)
	sessions := session.NewManager(st, reg, bus, session.Options{TerminateGrace: 2 * time.Second}, log)
	t.Cleanup(sessions.Stop)
	t.Cleanup(func() { bus.Close() })

	return NewManager(sessions, reg, st, bus, log), st, bus
}

func textInput(text string) v1.MessageBody {
	return v1.MessageBody{Role: v1.RoleUser, Content: []protocol.ContentBlock{protocol.TextBlock(text)}}
}

func waitDone(t *testing.T, r *Run) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("run %s never reached a terminal state", r.ID)
	}
}

// drainEvents collects the run's full frame stream. Must be called after
// the run is terminal; the channel is closed then.
func drainEvents(t *testing.T, r *Run) []Event {
	t.Helper()
	var frames []Event
	for {
		select {
		case ev, ok := <-r.Events():
			if !ok {
				return frames
			}
			frames = append(frames, ev)
		case <-time.After(5 * time.Second):
			t.Fatal("event stream never closed")
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	m, _, _ := newTestRig(t)

	cases := []struct {
		name string
		req  *v1.RunRequest
		kind string
	}{
		{"missing agent", &v1.RunRequest{Input: textInput("hi")}, errors.KindConfigError},
		{"unknown agent", &v1.RunRequest{Agent: "ghost", Input: textInput("hi")}, errors.KindAgentNotFound},
		{"bad mode", &v1.RunRequest{Agent: "echo", Mode: "batch", Input: textInput("hi")}, errors.KindConfigError},
		{"empty input", &v1.RunRequest{Agent: "echo"}, errors.KindConfigError},
		{"bad role", &v1.RunRequest{Agent: "echo", Input: v1.MessageBody{
			Role: v1.RoleAgent, Content: []protocol.ContentBlock{protocol.TextBlock("hi")},
		}}, errors.KindConfigError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Submit(tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.kind, errors.From(err).Kind)
		})
	}
}

func TestEphemeralSyncRunCompletes(t *testing.T) {
	m, st, _ := newTestRig(t)

	r, err := m.Submit(&v1.RunRequest{Agent: "echo", Input: textInput("ping")})
	require.NoError(t, err)
	waitDone(t, r)

	snap := r.Snapshot()
	assert.Equal(t, v1.RunStatusCompleted, snap.Status)
	assert.Equal(t, v1.RunModeSync, snap.Mode)
	assert.Empty(t, snap.SessionID)
	require.NotNil(t, snap.Output)
	require.Len(t, snap.Output.Content, 1)
	assert.Equal(t, "ping", snap.Output.Content[0].Text)
	assert.NotNil(t, snap.FinishedAt)

	// Sessionless runs leave no persistent trace.
	sessions, err := st.ListSessions(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)

	frames := drainEvents(t, r)
	require.NotEmpty(t, frames)
	assert.Equal(t, v1.EventCompleted, frames[len(frames)-1].Name)

	got, err := m.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusCompleted, got.Status)

	_, err = m.Get("nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestStatefulRunsAppendAlternatingTranscript(t *testing.T) {
	m, st, _ := newTestRig(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		r, err := m.Submit(&v1.RunRequest{Agent: "echo", SessionID: "chat-1", Input: textInput(text)})
		require.NoError(t, err)
		waitDone(t, r)
		require.Equal(t, v1.RunStatusCompleted, r.Snapshot().Status)
	}

	msgs, err := st.ListMessages(ctx, "chat-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	wantRoles := []string{v1.RoleUser, v1.RoleAgent, v1.RoleUser, v1.RoleAgent}
	wantTexts := []string{"one", "one", "two", "two"}
	for i, msg := range msgs {
		assert.Equal(t, i+1, msg.Sequence)
		assert.Equal(t, wantRoles[i], msg.Role)
		require.NotEmpty(t, msg.Content)
		assert.Equal(t, wantTexts[i], msg.Content[0].Text)
	}

	sess, err := st.GetSession(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, 4, sess.MessageCount)
	assert.NotEmpty(t, sess.SouthSessionID)
	assert.Equal(t, v1.SessionStatusActive, sess.Status)
}

func TestStreamFramesConcatenateToFinalOutput(t *testing.T) {
	m, _, _ := newTestRig(t)

	r, err := m.Submit(&v1.RunRequest{Agent: "chunky", Mode: v1.RunModeStream, Input: textInput("go")})
	require.NoError(t, err)
	waitDone(t, r)

	frames := drainEvents(t, r)
	require.Len(t, frames, 4)

	var streamed string
	for _, f := range frames[:3] {
		require.Equal(t, v1.EventUpdate, f.Name)
		raw, ok := f.Data.(json.RawMessage)
		require.True(t, ok, "update frames carry the raw south payload")
		update := protocol.ParseSessionUpdate(raw)
		assert.True(t, update.IsMessageChunk())
		streamed += update.Text
	}

	final := frames[3]
	assert.Equal(t, v1.EventCompleted, final.Name)
	resp, ok := final.Data.(v1.RunResponse)
	require.True(t, ok)
	require.NotNil(t, resp.Output)
	require.Len(t, resp.Output.Content, 1)
	assert.Equal(t, "hello world", resp.Output.Content[0].Text)
	assert.Equal(t, resp.Output.Content[0].Text, streamed,
		"concatenated chunks must equal the final output")
}

func TestCancelRun(t *testing.T) {
	m, _, _ := newTestRig(t)

	r, err := m.Submit(&v1.RunRequest{Agent: "sleeper", Mode: v1.RunModeStream, Input: textInput("wait")})
	require.NoError(t, err)

	// The first frame proves the prompt is in flight.
	select {
	case ev := <-r.Events():
		assert.Equal(t, v1.EventUpdate, ev.Name)
	case <-time.After(10 * time.Second):
		t.Fatal("run never started streaming")
	}

	_, err = m.Cancel(r.ID)
	require.NoError(t, err)
	waitDone(t, r)

	snap := r.Snapshot()
	assert.Equal(t, v1.RunStatusCancelled, snap.Status)
	assert.NotNil(t, snap.FinishedAt)
	assert.Nil(t, snap.Error)

	frames := drainEvents(t, r)
	require.NotEmpty(t, frames)
	assert.Equal(t, v1.EventCancelled, frames[len(frames)-1].Name)

	_, err = m.Cancel(r.ID)
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.From(err).Kind)

	_, err = m.Cancel("nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestCancelRacingBindStillCancels(t *testing.T) {
	m, _, _ := newTestRig(t)

	r, err := m.Submit(&v1.RunRequest{Agent: "sleeper", Input: textInput("wait")})
	require.NoError(t, err)

	// Cancel as soon as the run is in progress; depending on timing this
	// lands before or after the bind, and both paths must end cancelled.
	require.Eventually(t, func() bool {
		got, err := m.Get(r.ID)
		return err == nil && got.Status == v1.RunStatusInProgress
	}, 5*time.Second, time.Millisecond)

	_, err = m.Cancel(r.ID)
	require.NoError(t, err)
	waitDone(t, r)

	assert.Equal(t, v1.RunStatusCancelled, r.Snapshot().Status)
}

func TestRunFailuresCarryErrorKind(t *testing.T) {
	t.Run("agent exits mid prompt", func(t *testing.T) {
		m, _, _ := newTestRig(t)
		r, err := m.Submit(&v1.RunRequest{Agent: "dier", Input: textInput("boom")})
		require.NoError(t, err)
		waitDone(t, r)

		snap := r.Snapshot()
		assert.Equal(t, v1.RunStatusFailed, snap.Status)
		require.NotNil(t, snap.Error)
		assert.Equal(t, errors.KindAgentExited, snap.Error.Kind)

		frames := drainEvents(t, r)
		last := frames[len(frames)-1]
		assert.Equal(t, v1.EventFailed, last.Name)
		failed, ok := last.Data.(v1.FailedEvent)
		require.True(t, ok)
		assert.Equal(t, errors.KindAgentExited, failed.Error.Kind)
	})

	t.Run("agent rejects prompt", func(t *testing.T) {
		m, _, _ := newTestRig(t)
		r, err := m.Submit(&v1.RunRequest{Agent: "refuser", Input: textInput("no")})
		require.NoError(t, err)
		waitDone(t, r)

		snap := r.Snapshot()
		assert.Equal(t, v1.RunStatusFailed, snap.Status)
		require.NotNil(t, snap.Error)
		assert.Equal(t, errors.KindAgentError, snap.Error.Kind)
	})
}

func TestBusSeesRunLifecycle(t *testing.T) {
	m, _, bus := newTestRig(t)

	var mu sync.Mutex
	seen := map[string]bool{}
	_, err := bus.Subscribe("run.>", func(ctx context.Context, ev *events.Event) error {
		mu.Lock()
		seen[ev.Type] = true
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	r, err := m.Submit(&v1.RunRequest{Agent: "echo", Input: textInput("hi")})
	require.NoError(t, err)
	waitDone(t, r)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[events.SubjectRunStarted] && seen[events.SubjectRunUpdate] && seen[events.SubjectRunCompleted]
	}, 5*time.Second, 10*time.Millisecond)
}

// TestHelperAgent is not a test: children spawned through the session
// manager re-execute this binary with helperEnv set and act as agents in
// the mode given after --.
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
	var writeMu sync.Mutex
	send := func(v interface{}) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = enc.Encode(v)
	}
	result := func(id int64, res interface{}) {
		raw, _ := json.Marshal(res)
		send(jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Result: raw})
	}
	chunk := func(sid, text string) {
		raw, _ := json.Marshal(map[string]interface{}{
			"sessionId": sid,
			"update": map[string]interface{}{
				"sessionUpdate": "agent_message_chunk",
				"content":       map[string]string{"type": "text", "text": text},
			},
		})
		send(jsonrpc.Notification{JSONRPC: jsonrpc.Version, Method: protocol.MethodSessionUpdate, Params: raw})
	}

	// session/cancel can arrive before the session/prompt it targets when
	// the two writes race on the proxy side; early cancels are remembered
	// so the following prompt resolves as cancelled instead of hanging.
	var cancelMu sync.Mutex
	cancelChans := map[string]chan struct{}{}
	earlyCancels := map[string]bool{}

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
			result(id, protocol.NewSessionResult{SessionID: "helper-south"})

		case protocol.MethodSessionLoad:
			send(jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id,
				Error: &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "method not found"}})

		case protocol.MethodSessionPrompt:
			var params protocol.PromptParams
			_ = json.Unmarshal(msg.Params, &params)
			sid := params.SessionID

			switch mode {
			case "chunks":
				chunk(sid, "hel")
				chunk(sid, "lo ")
				chunk(sid, "world")
				result(id, protocol.PromptResult{StopReason: protocol.StopReasonEndTurn})
			case "wait-cancel":
				cancelMu.Lock()
				if earlyCancels[sid] {
					delete(earlyCancels, sid)
					cancelMu.Unlock()
					result(id, protocol.PromptResult{StopReason: protocol.StopReasonCancelled})
					break
				}
				ch := make(chan struct{})
				cancelChans[sid] = ch
				cancelMu.Unlock()
				go func() {
					chunk(sid, "started")
					<-ch
					result(id, protocol.PromptResult{StopReason: protocol.StopReasonCancelled})
				}()
			case "die":
				os.Exit(3)
			case "reject-prompt":
				send(jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id,
					Error: &jsonrpc.Error{Code: -32000, Message: "prompt rejected"}})
			default:
				chunk(sid, protocol.JoinText(params.Prompt))
				result(id, protocol.PromptResult{StopReason: protocol.StopReasonEndTurn})
			}

		case protocol.MethodSessionCancel:
			var params protocol.CancelParams
			_ = json.Unmarshal(msg.Params, &params)
			cancelMu.Lock()
			if ch, ok := cancelChans[params.SessionID]; ok {
				delete(cancelChans, params.SessionID)
				close(ch)
			} else {
				earlyCancels[params.SessionID] = true
			}
			cancelMu.Unlock()
		}
	}
}
