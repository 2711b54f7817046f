package protocol

import "encoding/json"

// Session update discriminator values the bridge recognises. Anything
// else is carried opaquely.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
)

// SessionNotification is the outer envelope of a session/update
// notification: {"sessionId": "...", "update": {...}}.
type SessionNotification struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// SessionUpdate is the parsed inner payload of a session/update
// notification. Raw always holds the payload verbatim; Content and Text
// are populated only for the chunk variants that carry a content block.
type SessionUpdate struct {
	Name    string
	Text    string
	Content *ContentBlock
	Raw     json.RawMessage
}

// IsMessageChunk reports whether the update contributes to the aggregated
// agent message.
func (u *SessionUpdate) IsMessageChunk() bool {
	return u.Name == UpdateAgentMessageChunk
}

// chunkVariants marks the discriminator values whose payload carries a
// content block. Adding a content-bearing update type is one map entry.
var chunkVariants = map[string]bool{
	UpdateAgentMessageChunk: true,
	UpdateAgentThoughtChunk: true,
	UpdateUserMessageChunk:  true,
}

// ParseSessionUpdate classifies an inner update payload by its
// sessionUpdate discriminator. It is total: payloads with a missing or
// unknown discriminator come back with Name set accordingly and the raw
// bytes intact, so callers can pass them through unmodified.
func ParseSessionUpdate(raw json.RawMessage) *SessionUpdate {
	update := &SessionUpdate{Raw: raw}
	if len(raw) == 0 {
		return update
	}

	var header struct {
		SessionUpdate string `json:"sessionUpdate"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return update
	}
	update.Name = header.SessionUpdate

	if chunkVariants[update.Name] {
		if block := extractContentBlock(raw); block != nil {
			update.Content = block
			update.Text = block.Text
		}
	}
	return update
}

// extractContentBlock returns the decoded content block of a chunk
// payload, or nil when the block is absent or malformed.
func extractContentBlock(raw json.RawMessage) *ContentBlock {
	var d struct {
		Content *ContentBlock `json:"content"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil
	}
	return d.Content
}
