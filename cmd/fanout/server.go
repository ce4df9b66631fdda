package main

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to the operator UI's origin in production.
		return true
	},
}

// Server handles WebSocket connections for live execution/workflow
// updates. Resume/cancel decisions are written through the orchestrator's
// own HTTP surface (cmd/orchestrator's POST /executions/:id/resume), not
// through this service.
type Server struct {
	hub   *Hub
	redis *redis.Client
}

// NewServer creates a new Server instance
func NewServer(hub *Hub, redisClient *redis.Client) *Server {
	return &Server{
		hub:   hub,
		redis: redisClient,
	}
}

// HandleWebSocket handles WebSocket upgrade and registration.
// URL: /ws?topic=execution:<id> or /ws?topic=workflow:<slug>
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		http.Error(w, "topic query parameter required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := NewClient(s.hub, conn, topic)
	s.hub.register <- client

	log.Printf("New WebSocket connection: topic=%s, remote=%s", topic, r.RemoteAddr)

	go client.writePump()
	go client.readPump()
}
