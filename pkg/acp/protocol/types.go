package protocol

import "encoding/json"

// ProtocolVersion is the ACP protocol version the bridge speaks.
const ProtocolVersion = 1

// Method names used on the south side of the bridge.
const (
	MethodInitialize    = "initialize"
	MethodAuthenticate  = "authenticate"
	MethodSessionNew    = "session/new"
	MethodSessionLoad   = "session/load"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"
	MethodSessionUpdate = "session/update"
)

// Stop reasons reported by agents on session/prompt completion.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonCancelled = "cancelled"
	StopReasonMaxTokens = "max_tokens"
	StopReasonRefusal   = "refusal"
)

// FileSystemCapabilities advertises which file operations the client is
// willing to serve for the agent.
type FileSystemCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// ClientCapabilities is sent to the agent during initialize.
type ClientCapabilities struct {
	FS       FileSystemCapabilities `json:"fs"`
	Terminal bool                   `json:"terminal"`
}

// InitializeParams represents the initialize request payload.
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

// AuthMethod describes one authentication scheme offered by an agent.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// InitializeResult represents the agent's reply to initialize. Agent
// capabilities are recorded verbatim; the bridge does not interpret them.
type InitializeResult struct {
	ProtocolVersion   json.RawMessage `json:"protocolVersion,omitempty"`
	AuthMethods       []AuthMethod    `json:"authMethods,omitempty"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
}

// AuthenticateParams represents the authenticate request payload.
type AuthenticateParams struct {
	MethodID string `json:"methodId"`
}

// MCPServer describes a context server offered to the agent. The bridge
// always sends an empty list but keeps the shape for forward compatibility.
type MCPServer struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// NewSessionParams represents the session/new request payload.
type NewSessionParams struct {
	Cwd        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// NewSessionResult represents the agent's reply to session/new.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// LoadSessionParams represents the session/load request payload.
type LoadSessionParams struct {
	SessionID  string      `json:"sessionId"`
	Cwd        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// PromptParams represents the session/prompt request payload.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult represents the agent's reply to session/prompt.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// CancelParams represents the session/cancel notification payload.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is one item of a prompt or message. Blocks are tagged
// variants; the bridge interprets only {type: "text"} and passes every
// other variant through verbatim, preserving field order and unknown
// fields.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	raw json.RawMessage
}

// UnmarshalJSON keeps the exact wire bytes so unknown variants survive a
// round trip through the bridge untouched.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	b.Type = a.Type
	b.Text = a.Text
	b.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON emits the original wire bytes when the block was decoded
// from the wire, falling back to the typed fields for blocks constructed
// in process.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if len(b.raw) > 0 {
		return b.raw, nil
	}
	type alias struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}
	return json.Marshal(alias{Type: b.Type, Text: b.Text})
}

// IsText reports whether the block is a plain text block.
func (b ContentBlock) IsText() bool {
	return b.Type == "text"
}
