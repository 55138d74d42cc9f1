// Package redis persists cache snapshots under a single Redis key.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/venue-enrichment/internal/cache"
)

// Config captures the snapshot key and its optional expiry.
type Config struct {
	Key string
	// Expiration of zero keeps the key until overwritten.
	Expiration time.Duration
}

// Snapshotter stores the snapshot bytes with GET/SET.
type Snapshotter struct {
	client     goredis.Cmdable
	key        string
	expiration time.Duration
}

// New creates a Redis-backed snapshotter.
func New(client goredis.Cmdable, cfg Config) (*Snapshotter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("snapshot key is required")
	}
	return &Snapshotter{client: client, key: cfg.Key, expiration: cfg.Expiration}, nil
}

// Load returns the snapshot or cache.ErrNoSnapshot.
func (s *Snapshotter) Load(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, cache.ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.key, err)
	}
	return data, nil
}

// Save overwrites the snapshot key.
func (s *Snapshotter) Save(ctx context.Context, data []byte) error {
	if err := s.client.Set(ctx, s.key, data, s.expiration).Err(); err != nil {
		return fmt.Errorf("set %s: %w", s.key, err)
	}
	return nil
}
