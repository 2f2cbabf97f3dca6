// Package redis stores board snapshots in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/drfirst/go-edflow/internal/snapshot"
)

// DefaultPrefix namespaces snapshot keys
const DefaultPrefix = "edflow:snapshot:"

// Config holds Redis connection settings
type Config struct {
	Addr     string
	Password string
	DB       int
	// TTL expires a snapshot that stops being refreshed. Zero keeps it forever.
	TTL    time.Duration
	Prefix string
}

// NewClient creates a client for cfg
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// SnapshotCache implements snapshot.Cache with one Redis string per key
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewSnapshotCache creates a cache over client
func NewSnapshotCache(client *redis.Client, cfg Config, logger *zap.Logger) *SnapshotCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	return &SnapshotCache{
		client: client,
		ttl:    cfg.TTL,
		prefix: cfg.Prefix,
		logger: logger,
	}
}

func (c *SnapshotCache) Load(ctx context.Context, key string) ([]byte, error) {
	blob, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, snapshot.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return blob, nil
}

func (c *SnapshotCache) Save(ctx context.Context, key string, blob []byte) error {
	if err := c.client.Set(ctx, c.prefix+key, blob, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	c.logger.Debug("snapshot saved", zap.String("key", key), zap.Int("size", len(blob)))
	return nil
}

// Ping checks the Redis connection
func (c *SnapshotCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

var _ snapshot.Cache = (*SnapshotCache)(nil)
