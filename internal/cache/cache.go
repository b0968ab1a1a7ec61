package cache

import (
	"context"
	"time"
)

type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Add stores value only when key is absent.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// Deduper remembers processed keys for idempotent consumers.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}
