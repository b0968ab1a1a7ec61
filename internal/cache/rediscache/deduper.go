package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Deduper keeps "processed" markers for consumers that must act once per
// event id.
type Deduper struct {
	c      *redis.Client
	prefix string
}

func NewDeduper(c *redis.Client, prefix string) *Deduper {
	return &Deduper{c: c, prefix: prefix}
}

func (d *Deduper) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.c.Exists(ctx, d.prefix+key).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis exists")
	}
	return n > 0, nil
}

// Mark stores the marker. Marking twice is fine.
func (d *Deduper) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if err := d.c.SetNX(ctx, d.prefix+key, time.Now().UTC().Unix(), ttl).Err(); err != nil {
		return errors.Wrap(err, "redis setnx")
	}
	return nil
}
