package streaming

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/acp2/acp2/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB

	// sendBufferSize is the per-client outbound queue. A client that
	// cannot drain this fast enough is dropped by the hub.
	sendBufferSize = 256
)

// SubscriptionMessage is what clients send to manage their run
// subscriptions.
type SubscriptionMessage struct {
	Action string   `json:"action"` // subscribe, unsubscribe
	RunIDs []string `json:"run_ids"`
}

// Client is one websocket connection registered with the hub. Its
// subscription set (runIDs) is owned by the hub and only touched under
// the hub's lock.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	runIDs map[string]bool

	logger *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, sendBufferSize),
		runIDs: make(map[string]bool),
		logger: log.WithFields(zap.String("component", "ws_client"), zap.String("client_id", id)),
	}
}

// ReadPump consumes subscription messages until the connection drops,
// then unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			break
		}

		var subMsg SubscriptionMessage
		if err := json.Unmarshal(message, &subMsg); err != nil {
			c.logger.Warn("invalid subscription message", zap.Error(err))
			continue
		}

		switch subMsg.Action {
		case "subscribe":
			for _, runID := range subMsg.RunIDs {
				c.hub.subscribeClient(c, runID)
			}
		case "unsubscribe":
			for _, runID := range subMsg.RunIDs {
				c.hub.unsubscribeClient(c, runID)
			}
		default:
			c.logger.Warn("unknown action", zap.String("action", subMsg.Action))
		}
	}
}

// WritePump forwards queued events to the connection and keeps it alive
// with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Fold queued events into the same websocket frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Subscribe starts routing a run's events to this client.
func (c *Client) Subscribe(runID string) {
	c.hub.subscribeClient(c, runID)
}

// Unsubscribe stops routing a run's events to this client.
func (c *Client) Unsubscribe(runID string) {
	c.hub.unsubscribeClient(c, runID)
}

// IsSubscribed reports whether the client listens to a run.
func (c *Client) IsSubscribed(runID string) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.runIDs[runID]
}
