package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/acp2/acp2/pkg/acp/jsonrpc"
	"github.com/acp2/acp2/pkg/acp/protocol"
)

type options struct {
	reply   string
	chunks  []string
	sleep   time.Duration
	echoCtx bool
	resume  bool
}

// agent holds the mock's wire encoder and per-session state. One prompt
// runs at a time per session; the proxy serializes turns on its side.
type agent struct {
	opts options

	writeMu sync.Mutex
	enc     *json.Encoder

	mu        sync.Mutex
	nextSID   int
	seen      map[string][]string      // session id -> user prompt texts
	inflight  map[string]chan struct{} // session id -> cancel signal
	cancelled map[string]bool          // cancels that arrived before their prompt
}

func newAgent(w io.Writer, opts options) *agent {
	return &agent{
		opts:      opts,
		enc:       json.NewEncoder(w),
		seen:      make(map[string][]string),
		inflight:  make(map[string]chan struct{}),
		cancelled: make(map[string]bool),
	}
}

func (a *agent) handleInitialize(id int64) {
	caps := fmt.Sprintf(`{"loadSession":%t}`, a.opts.resume)
	a.respond(id, protocol.InitializeResult{
		ProtocolVersion:   json.RawMessage(fmt.Sprintf("%d", protocol.ProtocolVersion)),
		AgentCapabilities: json.RawMessage(caps),
	})
}

func (a *agent) handleSessionNew(id int64) {
	a.mu.Lock()
	a.nextSID++
	sid := fmt.Sprintf("mock-session-%d-%d", os.Getpid(), a.nextSID)
	a.seen[sid] = nil
	a.mu.Unlock()

	a.respond(id, protocol.NewSessionResult{SessionID: sid})
}

func (a *agent) handleSessionLoad(id int64, raw json.RawMessage) {
	if !a.opts.resume {
		a.respondError(id, jsonrpc.CodeMethodNotFound, "method not found: session/load")
		return
	}

	var params protocol.LoadSessionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		a.respondError(id, jsonrpc.CodeInvalidRequest, "malformed load params")
		return
	}

	a.mu.Lock()
	if _, ok := a.seen[params.SessionID]; !ok {
		a.seen[params.SessionID] = nil
	}
	a.mu.Unlock()

	a.respond(id, struct{}{})
}

// registerPrompt installs the cancel channel for a turn. Called from the
// read loop so it happens before any later cancel frame is dispatched. A
// cancel that beat its prompt onto the wire yields a channel that is
// already closed.
func (a *agent) registerPrompt(sessionID string) chan struct{} {
	cancel := make(chan struct{})
	a.mu.Lock()
	if a.cancelled[sessionID] {
		delete(a.cancelled, sessionID)
		close(cancel)
	} else {
		a.inflight[sessionID] = cancel
	}
	a.mu.Unlock()
	return cancel
}

func (a *agent) handleCancel(raw json.RawMessage) {
	var params protocol.CancelParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return
	}

	fmt.Fprintf(os.Stderr, "mock-agent: cancel received for %s\n", params.SessionID)

	a.mu.Lock()
	cancel, ok := a.inflight[params.SessionID]
	if ok {
		delete(a.inflight, params.SessionID)
	} else {
		a.cancelled[params.SessionID] = true
	}
	a.mu.Unlock()

	if ok {
		close(cancel)
	}
}

func (a *agent) runPrompt(id int64, params *protocol.PromptParams, cancel chan struct{}) {
	defer func() {
		a.mu.Lock()
		if a.inflight[params.SessionID] == cancel {
			delete(a.inflight, params.SessionID)
		}
		a.mu.Unlock()
	}()

	text := protocol.JoinText(params.Prompt)
	fmt.Fprintf(os.Stderr, "mock-agent: prompt on %s: %q\n", params.SessionID, text)

	a.mu.Lock()
	a.seen[params.SessionID] = append(a.seen[params.SessionID], text)
	transcript := strings.Join(a.seen[params.SessionID], " ")
	a.mu.Unlock()

	if a.opts.sleep > 0 {
		select {
		case <-cancel:
			a.respond(id, protocol.PromptResult{StopReason: protocol.StopReasonCancelled})
			return
		case <-time.After(a.opts.sleep):
		}
	}

	for _, chunk := range a.replyChunks(text, transcript) {
		select {
		case <-cancel:
			a.respond(id, protocol.PromptResult{StopReason: protocol.StopReasonCancelled})
			return
		default:
		}
		a.sendChunk(params.SessionID, chunk)
	}

	select {
	case <-cancel:
		a.respond(id, protocol.PromptResult{StopReason: protocol.StopReasonCancelled})
	default:
		a.respond(id, protocol.PromptResult{StopReason: protocol.StopReasonEndTurn})
	}
}

// replyChunks decides what the turn says. -chunks wins, then -reply,
// then -echo-context, then a plain echo of the prompt.
func (a *agent) replyChunks(prompt, transcript string) []string {
	switch {
	case len(a.opts.chunks) > 0:
		return a.opts.chunks
	case a.opts.reply != "":
		return []string{a.opts.reply}
	case a.opts.echoCtx:
		return []string{transcript}
	default:
		return []string{prompt}
	}
}

func (a *agent) sendChunk(sessionID, text string) {
	update := map[string]interface{}{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]string{"type": "text", "text": text},
	}
	a.notify(protocol.MethodSessionUpdate, map[string]interface{}{
		"sessionId": sessionID,
		"update":    update,
	})
}

func (a *agent) respond(id int64, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		a.respondError(id, jsonrpc.CodeInternalError, err.Error())
		return
	}
	a.write(jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Result: raw})
}

func (a *agent) respondError(id int64, code int, message string) {
	a.write(jsonrpc.Response{
		JSONRPC: jsonrpc.Version,
		ID:      id,
		Error:   &jsonrpc.Error{Code: code, Message: message},
	})
}

func (a *agent) notify(method string, params interface{}) {
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}
	a.write(jsonrpc.Notification{JSONRPC: jsonrpc.Version, Method: method, Params: raw})
}

func (a *agent) write(v interface{}) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: write failed: %v\n", err)
	}
}
