package clients

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	redisWrapper "github.com/lyzr/flowmesh/common/redis"
	"github.com/redis/go-redis/v9"
)

// RedisCASClient stores blobs in Redis under their SHA-256, the working
// store for large node outputs produced mid-execution. Reads always hit
// Redis; there is no local caching layer to go stale.
type RedisCASClient struct {
	redis  *redisWrapper.Client
	logger Logger
}

// NewRedisCASClient creates a Redis-backed CAS client.
func NewRedisCASClient(redis *redis.Client, logger Logger) *RedisCASClient {
	return &RedisCASClient{
		redis:  redisWrapper.NewClient(redis, logger),
		logger: logger,
	}
}

// Put stores data and returns its id ("sha256:<hex>"). Identical content
// lands on the same key, so duplicate stores are free.
func (c *RedisCASClient) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	hash := fmt.Sprintf("sha256:%x", sha256.Sum256(data))
	casKey := fmt.Sprintf("cas:%s", hash)

	if err := c.redis.SetWithExpiry(ctx, casKey, string(data), 0); err != nil {
		c.logger.Error("failed to store in CAS", "cas_id", hash, "error", err)
		return "", fmt.Errorf("failed to store in CAS: %w", err)
	}

	c.logger.Debug("stored in CAS", "cas_id", hash, "size", len(data))
	return hash, nil
}

// Get retrieves a blob by id.
func (c *RedisCASClient) Get(ctx context.Context, casID string) (interface{}, error) {
	casKey := fmt.Sprintf("cas:%s", casID)

	data, err := c.redis.Get(ctx, casKey)
	if err != nil {
		c.logger.Warn("CAS entry not found", "cas_id", casID)
		return nil, fmt.Errorf("CAS entry not found: %s", casID)
	}

	c.logger.Debug("retrieved from CAS", "cas_id", casID, "size", len(data))
	return []byte(data), nil
}

// Store marshals data to JSON and stores it.
func (c *RedisCASClient) Store(ctx context.Context, data interface{}) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data: %w", err)
	}
	return c.Put(ctx, jsonData, "application/json")
}
