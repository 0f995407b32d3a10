// Package ws broadcasts queue mutations to connected board clients.
package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// MessageType represents the type of a hub payload.
type MessageType string

const (
	MessageQueueCreated           MessageType = "QueueCreated"
	MessageQueueUpdated           MessageType = "QueueUpdated"
	MessageQueueDeleted           MessageType = "QueueDeleted"
	MessageQueueItemEnqueued      MessageType = "QueueItemEnqueued"
	MessageQueueItemDequeued      MessageType = "QueueItemDequeued"
	MessageQueueItemMoved         MessageType = "QueueItemMoved"
	MessageQueueItemReordered     MessageType = "QueueItemReordered"
	MessageQueueItemStatusChanged MessageType = "QueueItemStatusChanged"
	MessageQueueItemDeleted       MessageType = "QueueItemDeleted"
)

// Event is the envelope broadcast to board clients.
type Event struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// BroadcastMessage packages a payload for a project-scoped broadcast.
type BroadcastMessage struct {
	ProjectID int64
	Payload   []byte
}

// Hub manages active clients and project-scoped broadcasts.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan BroadcastMessage
}

// NewHub builds a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan BroadcastMessage),
	}
}

// Run starts the hub loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				if client.ProjectID() != message.ProjectID {
					continue
				}
				select {
				case client.Send <- message.Payload:
				default:
					delete(h.clients, client)
					close(client.Send)
				}
			}
		}
	}
}

// Broadcast sends a raw payload to all clients subscribed to a project.
func (h *Hub) Broadcast(projectID int64, payload []byte) {
	h.broadcast <- BroadcastMessage{ProjectID: projectID, Payload: payload}
}

// BroadcastEvent marshals and broadcasts a typed event. Marshal failures are
// dropped; events are advisory and never block the mutation that produced
// them.
func (h *Hub) BroadcastEvent(projectID int64, eventType MessageType, payload interface{}) {
	data, err := json.Marshal(Event{Type: eventType, Payload: payload})
	if err != nil {
		return
	}
	h.Broadcast(projectID, data)
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// Client represents a websocket connection.
type Client struct {
	Conn      *websocket.Conn
	Hub       *Hub
	Send      chan []byte
	mu        sync.RWMutex
	projectID int64
}

// NewClient returns a client ready for registration.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		Conn: conn,
		Hub:  hub,
		Send: make(chan []byte, 256),
	}
}

// ProjectID returns the project the client is subscribed to.
func (c *Client) ProjectID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.projectID
}

// SetProjectID updates the client's project subscription.
func (c *Client) SetProjectID(projectID int64) {
	c.mu.Lock()
	c.projectID = projectID
	c.mu.Unlock()
}
