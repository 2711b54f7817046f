// Package process owns one live agent subprocess: its stdio transport,
// the ACP handshake, session binding calls, and the single in-flight
// prompt.
package process

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acp2/acp2/internal/agent/registry"
	"github.com/acp2/acp2/internal/common/errors"
	"github.com/acp2/acp2/internal/common/logger"
	"github.com/acp2/acp2/pkg/acp/jsonrpc"
	"github.com/acp2/acp2/pkg/acp/protocol"
)

const (
	// stderrTailSize is the number of recent stderr lines kept for error
	// context when the agent dies.
	stderrTailSize = 50

	// preferredAuthMethod is picked when the agent offers several.
	preferredAuthMethod = "apikey"
)

// UpdateHandler receives session/update notifications observed during a
// prompt. Handlers run on the transport reader goroutine in arrival
// order and must not block.
type UpdateHandler func(*protocol.SessionUpdate)

// Options configures a spawn.
type Options struct {
	// WorkDir is the cwd handed to the agent on session/new. Empty means
	// the bridge's own working directory.
	WorkDir string
	// TerminateGrace is how long Terminate waits between closing stdin
	// and sending SIGKILL.
	TerminateGrace time.Duration
}

// Process is one spawned agent child plus its transport. At most one
// prompt is in flight at a time.
type Process struct {
	spec      *registry.AgentSpec
	cmd       *exec.Cmd
	transport *jsonrpc.Client
	logger    *logger.Logger

	workDir string
	grace   time.Duration

	authMethods []protocol.AuthMethod
	agentCaps   json.RawMessage

	// promptMu admits one session/prompt at a time; TryLock failures
	// surface as busy.
	promptMu sync.Mutex

	aggMu     sync.Mutex
	aggActive bool
	aggSID    string
	aggFn     UpdateHandler
	aggText   strings.Builder
	aggBlocks []protocol.ContentBlock

	stderrMu   sync.Mutex
	stderrTail []string
	stderrDone chan struct{}

	exited  chan struct{}
	exitErr error

	termOnce sync.Once
}

// Spawn launches the agent child, wires its stdio transport, and runs the
// initialize/authenticate handshake. The returned process is ready for
// session binding. ctx bounds the handshake only, not the child's life.
func Spawn(ctx context.Context, spec *registry.AgentSpec, opts Options, log *logger.Logger) (*Process, error) {
	workDir := opts.WorkDir
	if workDir == "" {
		if wd, err := os.Getwd(); err == nil {
			workDir = wd
		}
	}
	grace := opts.TerminateGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	p := &Process{
		spec:       spec,
		logger:     log.WithFields(zap.String("component", "agent-process"), zap.String("agent", spec.Name)),
		workDir:    workDir,
		grace:      grace,
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}

	// NOTE: We intentionally don't use exec.CommandContext here because we
	// don't want the HTTP request context to kill the agent process when
	// the request completes. Lifecycle is managed through Terminate.
	p.cmd = exec.Command(spec.Command[0], spec.Command[1:]...)
	p.cmd.Env = os.Environ()
	if cred := registry.ResolveCredential(spec); !cred.Empty() {
		p.cmd.Env = append(p.cmd.Env, fmt.Sprintf("%s=%s", cred.EnvName, cred.Value))
		p.logger.Debug("injecting agent credential", zap.String("env", cred.EnvName))
	}

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return nil, errors.SpawnFailed(fmt.Sprintf("create stdin pipe for agent '%s'", spec.Name), err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return nil, errors.SpawnFailed(fmt.Sprintf("create stdout pipe for agent '%s'", spec.Name), err)
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return nil, errors.SpawnFailed(fmt.Sprintf("create stderr pipe for agent '%s'", spec.Name), err)
	}

	p.logger.Info("starting agent process", zap.Strings("command", spec.Command))
	if err := p.cmd.Start(); err != nil {
		return nil, errors.SpawnFailed(fmt.Sprintf("start agent '%s'", spec.Name), err)
	}

	p.transport = jsonrpc.NewClient(stdin, stdout, p.logger)
	p.transport.Subscribe(p.handleMessage)
	p.transport.Start()

	go p.readStderr(stderr)
	go p.waitForExit()

	if err := p.handshake(ctx); err != nil {
		p.Terminate()
		return nil, err
	}

	p.logger.Info("agent process ready", zap.Int("pid", p.cmd.Process.Pid))
	return p, nil
}

// handshake runs initialize and, when the agent demands it, authenticate.
func (p *Process) handshake(ctx context.Context) error {
	resp, err := p.transport.Call(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientCapabilities: protocol.ClientCapabilities{
			FS: protocol.FileSystemCapabilities{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
			Terminal: true,
		},
	})
	if err != nil {
		return p.transportError("initialize agent", err)
	}
	if resp.Error != nil {
		return errors.AgentError(fmt.Sprintf("initialize rejected: %s", resp.Error.Message))
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return errors.AgentError(fmt.Sprintf("initialize returned malformed result: %v", err))
	}
	p.authMethods = result.AuthMethods
	p.agentCaps = result.AgentCapabilities

	if len(p.authMethods) == 0 {
		return nil
	}

	methodID := p.authMethods[0].ID
	for _, m := range p.authMethods {
		if m.ID == preferredAuthMethod {
			methodID = m.ID
			break
		}
	}

	p.logger.Debug("authenticating with agent", zap.String("method", methodID))
	resp, err = p.transport.Call(ctx, protocol.MethodAuthenticate, protocol.AuthenticateParams{MethodID: methodID})
	if err != nil {
		return p.transportError("authenticate with agent", err)
	}
	if resp.Error != nil {
		return errors.AuthError(fmt.Sprintf("agent rejected authentication: %s", resp.Error.Message))
	}
	return nil
}

// OpenNewSession asks the agent for a fresh session id.
func (p *Process) OpenNewSession(ctx context.Context) (string, error) {
	resp, err := p.transport.Call(ctx, protocol.MethodSessionNew, protocol.NewSessionParams{
		Cwd:        p.workDir,
		MCPServers: []protocol.MCPServer{},
	})
	if err != nil {
		return "", p.transportError("create agent session", err)
	}
	if resp.Error != nil {
		return "", errors.AgentError(fmt.Sprintf("session/new rejected: %s", resp.Error.Message))
	}

	var result protocol.NewSessionResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.SessionID == "" {
		return "", errors.AgentError("session/new missing sessionId")
	}
	return result.SessionID, nil
}

var notFoundPattern = regexp.MustCompile(`(?i)not\s+found`)

// ResumeSession replays an existing south session. It returns false with
// a nil error when the agent does not support or know the session, which
// is the caller's signal to open a new one.
func (p *Process) ResumeSession(ctx context.Context, southSessionID string) (bool, error) {
	resp, err := p.transport.Call(ctx, protocol.MethodSessionLoad, protocol.LoadSessionParams{
		SessionID:  southSessionID,
		Cwd:        p.workDir,
		MCPServers: []protocol.MCPServer{},
	})
	if err != nil {
		return false, p.transportError("load agent session", err)
	}
	if resp.Error != nil {
		if resp.Error.Code == jsonrpc.CodeMethodNotFound || notFoundPattern.MatchString(resp.Error.Message) {
			p.logger.Debug("agent cannot resume session",
				zap.String("south_session_id", southSessionID),
				zap.String("reason", resp.Error.Message))
			return false, nil
		}
		return false, errors.AgentError(fmt.Sprintf("session/load rejected: %s", resp.Error.Message))
	}
	return true, nil
}

// Prompt sends one session/prompt and blocks until the agent's response.
// Incoming agent_message_chunk updates for the session are aggregated
// into the returned content; every update for the session is also handed
// to onUpdate (which may be nil) while the prompt is in flight. Agents
// send the prompt response after the last update, so by the time Prompt
// returns every onUpdate call has happened. The returned stop reason is
// the agent's verbatim.
func (p *Process) Prompt(ctx context.Context, southSessionID string, blocks []protocol.ContentBlock, onUpdate UpdateHandler) ([]protocol.ContentBlock, string, error) {
	if !p.promptMu.TryLock() {
		return nil, "", errors.Busy(fmt.Sprintf("agent '%s' already has a prompt in flight", p.spec.Name))
	}
	defer p.promptMu.Unlock()

	p.beginAggregation(southSessionID, onUpdate)
	resp, err := p.transport.Call(ctx, protocol.MethodSessionPrompt, protocol.PromptParams{
		SessionID: southSessionID,
		Prompt:    blocks,
	})
	content := p.endAggregation()

	if err != nil {
		return nil, "", p.transportError("prompt agent", err)
	}
	if resp.Error != nil {
		return nil, "", errors.AgentError(fmt.Sprintf("session/prompt rejected: %s", resp.Error.Message))
	}

	var result protocol.PromptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, "", errors.AgentError(fmt.Sprintf("session/prompt returned malformed result: %v", err))
	}
	return content, result.StopReason, nil
}

// Cancel asks the agent to abort the in-flight prompt. The prompt
// response still arrives; callers keep waiting for it.
func (p *Process) Cancel(southSessionID string) error {
	return p.transport.Notify(protocol.MethodSessionCancel, protocol.CancelParams{SessionID: southSessionID})
}

// Done is closed when the child has exited.
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// Alive reports whether the child is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Agent returns the spec this process was spawned from.
func (p *Process) Agent() *registry.AgentSpec {
	return p.spec
}

// AuthMethods returns the methods the agent offered during initialize.
func (p *Process) AuthMethods() []protocol.AuthMethod {
	return p.authMethods
}

// AgentCapabilities returns the capabilities blob recorded during
// initialize, verbatim.
func (p *Process) AgentCapabilities() json.RawMessage {
	return p.agentCaps
}

// Terminate closes the agent's stdin, waits up to the grace period for a
// clean exit, then kills. Idempotent; every caller returns only after the
// child is gone.
func (p *Process) Terminate() {
	p.termOnce.Do(func() {
		p.logger.Debug("terminating agent process")
		_ = p.transport.Close()

		select {
		case <-p.exited:
		case <-time.After(p.grace):
			p.logger.Warn("agent did not exit in time, killing",
				zap.Duration("grace", p.grace))
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
		p.logger.Info("agent process terminated")
	})
}

// handleMessage runs on the transport reader for every uncorrelated
// inbound message. It feeds prompt aggregation first, then the caller's
// update handler, so result assembly never depends on what the handler
// does with the frame.
func (p *Process) handleMessage(msg *jsonrpc.Message) {
	if msg.Method != protocol.MethodSessionUpdate {
		// Client-side methods (fs reads, permission prompts, terminals)
		// are not served here; an immediate error response keeps the
		// agent from blocking on one forever.
		if msg.IsRequest() {
			if err := p.transport.RespondError(msg.ID, jsonrpc.CodeMethodNotFound, "method not found: "+msg.Method); err != nil {
				p.logger.Debug("failed to refuse agent request", zap.Error(err))
			}
			p.logger.Debug("refused agent request", zap.String("method", msg.Method))
			return
		}
		p.logger.Debug("ignoring agent notification", zap.String("method", msg.Method))
		return
	}

	var note protocol.SessionNotification
	if err := json.Unmarshal(msg.Params, &note); err != nil {
		p.logger.Warn("malformed session/update params", zap.Error(err))
		return
	}
	update := protocol.ParseSessionUpdate(note.Update)

	inWindow := false
	var deliver UpdateHandler
	p.aggMu.Lock()
	if p.aggActive && note.SessionID == p.aggSID {
		inWindow = true
		deliver = p.aggFn
		if update.IsMessageChunk() {
			if update.Content != nil && !update.Content.IsText() {
				p.aggBlocks = append(p.aggBlocks, *update.Content)
			} else {
				p.aggText.WriteString(update.Text)
			}
		}
	}
	p.aggMu.Unlock()

	if !inWindow {
		p.logger.Debug("update outside prompt window",
			zap.String("session_id", note.SessionID),
			zap.String("update", update.Name))
		return
	}
	if deliver != nil {
		deliver(update)
	}
}

func (p *Process) beginAggregation(southSessionID string, fn UpdateHandler) {
	p.aggMu.Lock()
	defer p.aggMu.Unlock()
	p.aggActive = true
	p.aggSID = southSessionID
	p.aggFn = fn
	p.aggText.Reset()
	p.aggBlocks = nil
}

// endAggregation closes the window and assembles the final content:
// one text block with the chunk concatenation, followed by any non-text
// blocks in arrival order.
func (p *Process) endAggregation() []protocol.ContentBlock {
	p.aggMu.Lock()
	defer p.aggMu.Unlock()
	p.aggActive = false
	p.aggFn = nil

	content := []protocol.ContentBlock{protocol.TextBlock(p.aggText.String())}
	content = append(content, p.aggBlocks...)
	p.aggText.Reset()
	p.aggBlocks = nil
	return content
}

// transportError translates a transport failure into the taxonomy,
// distinguishing a dead child from a severed channel. Stdout EOF and the
// reaper race, so a short wait lets a real exit classify as agent-exited.
func (p *Process) transportError(op string, err error) error {
	select {
	case <-p.exited:
	case <-time.After(500 * time.Millisecond):
	}
	if !p.Alive() {
		msg := fmt.Sprintf("%s: agent '%s' exited", op, p.spec.Name)
		if tail := p.recentStderr(); tail != "" {
			msg = fmt.Sprintf("%s: %s", msg, tail)
		}
		return errors.AgentExited(msg, err)
	}
	return errors.TransportClosed(fmt.Sprintf("%s: transport to agent '%s' closed", op, p.spec.Name), err)
}

// readStderr drains and logs the agent's stderr, keeping a tail for
// error context.
func (p *Process) readStderr(r io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("agent stderr", zap.String("line", line))

		p.stderrMu.Lock()
		if len(p.stderrTail) >= stderrTailSize {
			p.stderrTail = p.stderrTail[1:]
		}
		p.stderrTail = append(p.stderrTail, stripANSI(line))
		p.stderrMu.Unlock()
	}
}

// recentStderr returns the buffered tail as one line for error messages.
func (p *Process) recentStderr() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	if len(p.stderrTail) == 0 {
		return ""
	}
	tail := p.stderrTail
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	return strings.Join(tail, " | ")
}

// waitForExit reaps the child and flips the process dead. Wait closes the
// stdio pipes, which would discard buffered frames, so it runs only after
// both reader goroutines have drained their streams to EOF.
func (p *Process) waitForExit() {
	<-p.transport.ReaderDone()
	<-p.stderrDone
	p.exitErr = p.cmd.Wait()
	close(p.exited)
	if p.exitErr != nil {
		p.logger.Warn("agent process exited", zap.Error(p.exitErr))
	} else {
		p.logger.Debug("agent process exited cleanly")
	}
}

// ansiEscapePattern matches ANSI escape sequences.
var ansiEscapePattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// stripANSI removes ANSI escape codes from a string.
func stripANSI(s string) string {
	return ansiEscapePattern.ReplaceAllString(s, "")
}
