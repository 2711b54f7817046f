// Package main implements a mock agent binary that speaks line-delimited
// JSON-RPC over stdin/stdout. It generates canned responses for rapid
// development and end-to-end tests of the proxy without a real agent.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/acp2/acp2/pkg/acp/jsonrpc"
	"github.com/acp2/acp2/pkg/acp/protocol"
)

func main() {
	var (
		reply   = flag.String("reply", "", "fixed reply text; empty echoes the prompt")
		chunks  = flag.String("chunks", "", "comma-separated chunks, each emitted as one agent_message_chunk")
		sleep   = flag.Duration("sleep", 0, "delay before replying; cancellable via session/cancel")
		echoCtx = flag.Bool("echo-context", false, "reply with every user prompt seen in the session")
		resume  = flag.Bool("resume", false, "accept session/load instead of rejecting it")
	)
	flag.Parse()

	a := newAgent(os.Stdout, options{
		reply:   *reply,
		chunks:  splitChunks(*chunks),
		sleep:   *sleep,
		echoCtx: *echoCtx,
		resume:  *resume,
	})

	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg jsonrpc.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: bad frame: %v\n", err)
			continue
		}

		a.dispatch(&msg)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

func splitChunks(csv string) []string {
	if csv == "" {
		return nil
	}
	return strings.Split(csv, ",")
}

// dispatch routes one inbound frame. session/prompt runs on its own
// goroutine so cancel notifications are seen while a turn is in flight;
// the cancel channel is registered here, before the next line is read,
// so a prompt always observes a cancel that follows it on the wire.
func (a *agent) dispatch(msg *jsonrpc.Message) {
	id, hasID := msg.RequestID()

	switch msg.Method {
	case protocol.MethodInitialize:
		a.handleInitialize(id)
	case protocol.MethodAuthenticate:
		a.respond(id, struct{}{})
	case protocol.MethodSessionNew:
		a.handleSessionNew(id)
	case protocol.MethodSessionLoad:
		a.handleSessionLoad(id, msg.Params)
	case protocol.MethodSessionPrompt:
		var params protocol.PromptParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			a.respondError(id, jsonrpc.CodeInvalidRequest, "malformed prompt params")
			return
		}
		cancel := a.registerPrompt(params.SessionID)
		go a.runPrompt(id, &params, cancel)
	case protocol.MethodSessionCancel:
		a.handleCancel(msg.Params)
	default:
		if hasID {
			a.respondError(id, jsonrpc.CodeMethodNotFound, "method not found: "+msg.Method)
		}
	}
}
