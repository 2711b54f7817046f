package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version stamped on every outbound message and
// required on every inbound one.
const Version = "2.0"

// Well-known JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// Request is an outbound method call that expects a response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification is an outbound message with no id and no response.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the completion of a prior request. Exactly one of Result
// and Error is populated by a conforming peer.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Message is the inbound envelope. Every line read from the agent decodes
// into one of these and is classified by which fields are present: an id
// without a method is a response, anything else is handed to subscribers.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// RequestID returns the integer id of the message, if it carries one.
// Ids we issue are always integers; a peer-issued string id is treated as
// uncorrelated and flows to subscribers.
func (m *Message) RequestID() (int64, bool) {
	if len(m.ID) == 0 || string(m.ID) == "null" {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(m.ID, &id); err != nil {
		return 0, false
	}
	return id, true
}

// IsResponse reports whether the message completes an outstanding request.
func (m *Message) IsResponse() bool {
	_, ok := m.RequestID()
	return ok && m.Method == ""
}

// IsRequest reports whether the message is a peer-initiated request, i.e.
// it names a method and carries an id the peer expects echoed back.
func (m *Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0 && string(m.ID) != "null"
}

// Error is the error object defined by JSON-RPC 2.0.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
