package clients

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// CASClient is content-addressable blob storage, keyed by content hash.
// The http component offloads oversized response bodies here so the
// execution state blob cached in Redis stays small; downstream nodes that
// need the full payload dereference the returned id.
// Implementations must be context-aware and safe for concurrent use.
type CASClient interface {
	Get(ctx context.Context, ref string) (interface{}, error)
	Put(ctx context.Context, data []byte, mediaType string) (string, error)
	Store(ctx context.Context, data interface{}) (string, error)
}

// NewCASClient returns the Redis-backed CAS client. Blobs share the Redis
// instance the coordination keys live in; a separate durable backend can
// be swapped in behind the same interface if retention past execution
// cleanup is ever needed.
func NewCASClient(redis *redis.Client, logger Logger) (CASClient, error) {
	return NewRedisCASClient(redis, logger), nil
}
