package main

import (
	"log"
	"sync"
)

// Hub maintains active WebSocket connections and broadcasts messages.
// Connections are keyed by topic: an execution:<id> or workflow:<slug>
// channel name, matching what internal/events.Bus publishes to.
type Hub struct {
	connections map[string][]*Client
	mutex       sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
}

// Message represents a message to be broadcast
type Message struct {
	Topic string
	Data  []byte
}

// NewHub creates a new Hub instance
func NewHub() *Hub {
	return &Hub{
		connections: make(map[string][]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	log.Println("Hub started")

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastToTopic(message)
		}
	}
}

// registerClient adds a client to the hub
func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.connections[client.topic] = append(h.connections[client.topic], client)
	log.Printf("Client registered: topic=%s, total_for_topic=%d",
		client.topic, len(h.connections[client.topic]))
}

// unregisterClient removes a client from the hub
func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	clients := h.connections[client.topic]
	for i, c := range clients {
		if c == client {
			h.connections[client.topic] = append(clients[:i], clients[i+1:]...)
			close(client.send)

			if len(h.connections[client.topic]) == 0 {
				delete(h.connections, client.topic)
			}

			log.Printf("Client unregistered: topic=%s, remaining_for_topic=%d",
				client.topic, len(h.connections[client.topic]))
			break
		}
	}
}

// broadcastToTopic sends a message to all connections subscribed to a topic
func (h *Hub) broadcastToTopic(message *Message) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := h.connections[message.Topic]
	if len(clients) == 0 {
		return
	}

	log.Printf("Broadcasting to topic=%s, client_count=%d",
		message.Topic, len(clients))

	for _, client := range clients {
		select {
		case client.send <- message.Data:
		default:
			log.Printf("Client send buffer full, closing connection: topic=%s", client.topic)
			close(client.send)
		}
	}
}

// GetConnectionCount returns the total number of active connections
func (h *Hub) GetConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	count := 0
	for _, clients := range h.connections {
		count += len(clients)
	}
	return count
}

// GetTopicCount returns the number of distinct topics with at least one
// connected client.
func (h *Hub) GetTopicCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return len(h.connections)
}
