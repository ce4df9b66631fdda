package main

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"
)

// RedisSubscriber listens to Redis PubSub and forwards messages to Hub
type RedisSubscriber struct {
	redis *redis.Client
	hub   *Hub
}

// NewRedisSubscriber creates a new RedisSubscriber instance
func NewRedisSubscriber(redisClient *redis.Client, hub *Hub) *RedisSubscriber {
	return &RedisSubscriber{
		redis: redisClient,
		hub:   hub,
	}
}

// Start begins listening to Redis PubSub channels. It subscribes to the
// same execution:* and workflow:* patterns internal/events.Bus publishes
// to, using the channel name verbatim as the hub topic.
func (s *RedisSubscriber) Start(ctx context.Context) {
	pubsub := s.redis.PSubscribe(ctx, "execution:*", "workflow:*")
	defer pubsub.Close()

	log.Println("Redis subscriber started, listening to: execution:*, workflow:*")

	_, err := pubsub.Receive(ctx)
	if err != nil {
		log.Fatalf("Failed to subscribe to Redis: %v", err)
	}

	log.Println("Redis subscription confirmed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			log.Println("Redis subscriber stopping")
			return

		case msg := <-ch:
			if msg == nil {
				continue
			}

			log.Printf("Received event for topic=%s, size=%d bytes", msg.Channel, len(msg.Payload))

			s.hub.broadcast <- &Message{
				Topic: msg.Channel,
				Data:  []byte(msg.Payload),
			}
		}
	}
}
