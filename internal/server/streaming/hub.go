// Package streaming serves the live event firehose: websocket clients
// subscribe to run ids and receive every bus event published for those
// runs. Delivery here is best-effort observability; run results always
// travel over the HTTP response paths.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/acp2/acp2/internal/common/logger"
	"github.com/acp2/acp2/internal/events"
)

// Hub manages all websocket clients and routes run events to them.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Clients by run ID for efficient event routing
	runClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

type broadcastMessage struct {
	runID string
	event *events.Event
}

// NewHub creates a websocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		runClients: make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *broadcastMessage, 256),
		logger:     log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// AttachBus subscribes the hub to all run events on the bus. Events
// carry their run id in Data["run_id"]; events without one are skipped.
func (h *Hub) AttachBus(bus events.Bus) (events.Subscription, error) {
	return bus.Subscribe("run.>", func(_ context.Context, event *events.Event) error {
		runID, _ := event.Data["run_id"].(string)
		if runID == "" {
			return nil
		}
		h.Broadcast(runID, event)
		return nil
	})
}

// Run starts the hub processing loop. It returns when ctx is cancelled,
// closing every client connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.runClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.dropSubscriptionsLocked(client)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := h.runClients[msg.runID]
			h.mu.RUnlock()

			if len(clients) == 0 {
				continue
			}

			data, err := json.Marshal(msg.event)
			if err != nil {
				h.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}

			for client := range clients {
				select {
				case client.send <- data:
				default:
					// Send buffer full: the client is too slow, drop it.
					h.mu.Lock()
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
						h.dropSubscriptionsLocked(client)
					}
					h.mu.Unlock()
				}
			}
		}
	}
}

// dropSubscriptionsLocked removes the client from every run index.
// Caller holds h.mu.
func (h *Hub) dropSubscriptionsLocked(client *Client) {
	for runID := range client.runIDs {
		if clients, ok := h.runClients[runID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.runClients, runID)
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends an event to all clients subscribed to a run.
func (h *Hub) Broadcast(runID string, event *events.Event) {
	h.broadcast <- &broadcastMessage{runID: runID, event: event}
}

// subscribeClient subscribes a client to a run.
func (h *Hub) subscribeClient(client *Client, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.runClients[runID]; !ok {
		h.runClients[runID] = make(map[*Client]bool)
	}
	h.runClients[runID][client] = true
	client.runIDs[runID] = true
	h.logger.Debug("client subscribed to run",
		zap.String("client_id", client.ID),
		zap.String("run_id", runID))
}

// unsubscribeClient unsubscribes a client from a run.
func (h *Hub) unsubscribeClient(client *Client, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.runClients[runID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.runClients, runID)
		}
	}
	delete(client.runIDs, runID)
	h.logger.Debug("client unsubscribed from run",
		zap.String("client_id", client.ID),
		zap.String("run_id", runID))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns the number of clients subscribed to a run.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runClients[runID])
}
