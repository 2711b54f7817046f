// Package jsonrpc implements line-delimited JSON-RPC 2.0 over a child
// process's stdio. One JSON object per line in each direction.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/acp2/acp2/internal/common/logger"
	"go.uber.org/zap"
)

// ErrClosed is returned for requests outstanding when the channel closes
// and for calls issued afterwards.
var ErrClosed = errors.New("transport closed")

// Handler receives every inbound message that does not correlate to an
// outstanding request, i.e. agent-initiated notifications and requests.
// Handlers run on the reader goroutine in arrival order; they must not
// block.
type Handler func(msg *Message)

type subscriber struct {
	token int
	fn    Handler
}

// Client handles JSON-RPC 2.0 communication over stdin/stdout streams.
type Client struct {
	stdin  io.WriteCloser
	stdout io.Reader

	requestID atomic.Int64
	writeMu   sync.Mutex

	mu        sync.Mutex
	pending   map[int64]chan *Response
	subs      []subscriber
	nextToken int
	closeErr  error

	logger *logger.Logger

	done       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
}

// NewClient creates a new JSON-RPC client over the given streams. Call
// Start to begin reading.
func NewClient(stdin io.WriteCloser, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:      stdin,
		stdout:     stdout,
		pending:    make(map[int64]chan *Response),
		logger:     log.WithFields(zap.String("component", "jsonrpc-client")),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

// Start begins reading messages from stdout.
func (c *Client) Start() {
	go func() {
		defer close(c.readerDone)
		c.readLoop()
	}()
}

// Subscribe registers a handler for uncorrelated inbound messages and
// returns a token for Unsubscribe.
func (c *Client) Subscribe(h Handler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextToken++
	c.subs = append(c.subs, subscriber{token: c.nextToken, fn: h})
	return c.nextToken
}

// Unsubscribe removes a previously registered handler.
func (c *Client) Unsubscribe(token int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s.token == token {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// Call sends a request and waits for the matching response. The response
// is returned as the agent produced it; a JSON-RPC error payload arrives
// in Response.Error, not as a Go error. The returned error is reserved
// for transport failures.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	select {
	case <-c.done:
		return nil, c.Err()
	default:
	}

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	id := c.requestID.Add(1)
	req := &Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, c.Err()
		}
		return resp, nil
	case <-ctx.Done():
		// The response may have landed while ctx was firing.
		select {
		case resp, ok := <-respCh:
			if ok {
				return resp, nil
			}
		default:
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.Err()
	}
}

// rawResponse mirrors Response but keeps the peer's id as raw JSON, since
// peer-issued ids may be strings.
type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *Error          `json:"error,omitempty"`
}

// RespondError answers a peer-initiated request with an error, echoing the
// peer's id verbatim.
func (c *Client) RespondError(id json.RawMessage, code int, message string) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}

	return c.send(&rawResponse{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	})
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params interface{}) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	notif := &Notification{
		JSONRPC: Version,
		Method:  method,
		Params:  paramsJSON,
	}

	return c.send(notif)
}

// Close closes stdin and fails all outstanding requests with ErrClosed.
// Idempotent and safe to call concurrently with in-flight requests.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

// Done is closed when the transport is no longer usable, whether by Close,
// stdout EOF, or a framing error.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ReaderDone is closed when the read goroutine has returned. Unlike Done,
// it guarantees no further reads of the stdout stream will happen, so the
// underlying pipe is safe to reap. Requires Start to have been called.
func (c *Client) ReaderDone() <-chan struct{} {
	return c.readerDone
}

// Err returns the reason the transport closed, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.stdin.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	c.logger.Debug("sent message", zap.String("data", string(data)))
	return nil
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.stdout)
	// Increase buffer size for large messages
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.logger.Debug("received message", zap.String("data", string(line)))

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Error("malformed frame from agent",
				zap.Error(err), zap.String("data", string(line)))
			c.shutdown(fmt.Errorf("%w: malformed frame", ErrClosed))
			return
		}
		if msg.JSONRPC != Version {
			c.logger.Error("frame is not jsonrpc 2.0", zap.String("data", string(line)))
			c.shutdown(fmt.Errorf("%w: malformed frame", ErrClosed))
			return
		}

		if msg.IsResponse() {
			id, _ := msg.RequestID()
			c.handleResponse(&Response{
				JSONRPC: msg.JSONRPC,
				ID:      id,
				Result:  msg.Result,
				Error:   msg.Error,
			})
			continue
		}

		c.dispatch(&msg)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
		c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
		return
	}
	c.shutdown(ErrClosed)
}

func (c *Client) handleResponse(resp *Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if ok {
		ch <- resp
	} else {
		c.logger.Warn("received response for unknown request", zap.Int64("id", resp.ID))
	}
}

// dispatch hands an uncorrelated message to subscribers in registration
// order, synchronously, so notification order is preserved end to end.
func (c *Client) dispatch(msg *Message) {
	c.mu.Lock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(msg)
	}
}

func (c *Client) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = reason
		pending := c.pending
		c.pending = make(map[int64]chan *Response)
		c.mu.Unlock()

		close(c.done)
		_ = c.stdin.Close()

		for _, ch := range pending {
			close(ch)
		}
	})
}
