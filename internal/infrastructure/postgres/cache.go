// Package postgres stores board snapshots in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-edflow/internal/snapshot"
)

const schema = `
CREATE TABLE IF NOT EXISTS board_snapshots (
	key        TEXT PRIMARY KEY,
	blob       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Connect opens a pool and verifies it with a ping
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// SnapshotCache implements snapshot.Cache over the board_snapshots table.
// Each key holds one row that is overwritten on every save.
type SnapshotCache struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewSnapshotCache creates a cache over pool
func NewSnapshotCache(pool *pgxpool.Pool, logger *zap.Logger) *SnapshotCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotCache{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("postgres-snapshot-cache"),
	}
}

// EnsureSchema creates the snapshot table if it does not exist
func (c *SnapshotCache) EnsureSchema(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create board_snapshots: %w", err)
	}
	return nil
}

// Load returns the blob stored under key
func (c *SnapshotCache) Load(ctx context.Context, key string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "snapshot.load",
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	var blob []byte
	err := c.pool.QueryRow(ctx, `SELECT blob FROM board_snapshots WHERE key = $1`, key).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, snapshot.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	return blob, nil
}

// Save upserts the blob under key
func (c *SnapshotCache) Save(ctx context.Context, key string, blob []byte) error {
	ctx, span := c.tracer.Start(ctx, "snapshot.save",
		trace.WithAttributes(
			attribute.String("key", key),
			attribute.Int("size", len(blob)),
		))
	defer span.End()

	_, err := c.pool.Exec(ctx, `
		INSERT INTO board_snapshots (key, blob, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET blob = EXCLUDED.blob, updated_at = EXCLUDED.updated_at`,
		key, blob)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("save snapshot %s: %w", key, err)
	}

	c.logger.Debug("snapshot saved", zap.String("key", key), zap.Int("size", len(blob)))
	return nil
}

// Ping checks the database connection
func (c *SnapshotCache) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

var _ snapshot.Cache = (*SnapshotCache)(nil)
