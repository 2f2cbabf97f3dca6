package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-edflow/internal/api/handlers"
	"github.com/drfirst/go-edflow/internal/board"
	"github.com/drfirst/go-edflow/internal/config"
	"github.com/drfirst/go-edflow/internal/domain/journey"
	"github.com/drfirst/go-edflow/internal/domain/observation"
	"github.com/drfirst/go-edflow/internal/infrastructure/filecache"
	"github.com/drfirst/go-edflow/internal/infrastructure/postgres"
	"github.com/drfirst/go-edflow/internal/infrastructure/redis"
	"github.com/drfirst/go-edflow/internal/observability/logging"
	"github.com/drfirst/go-edflow/internal/observability/metrics"
	"github.com/drfirst/go-edflow/internal/snapshot"
	"github.com/drfirst/go-edflow/pkg/circuitbreaker"
)

// loadConfig reads and validates configuration and builds the logger
func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.LoadFile(envFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openCache returns the configured snapshot cache, a readiness check for it
// and a function releasing its connections.
func openCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (snapshot.Cache, *handlers.Check, func(), error) {
	noop := func() {}

	switch cfg.CacheBackend {
	case config.CacheFile:
		cache, err := filecache.New(cfg.CacheDir, logger)
		if err != nil {
			return nil, nil, noop, err
		}
		return cache, nil, noop, nil

	case config.CachePostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, noop, err
		}
		cache := postgres.NewSnapshotCache(pool, logger)
		if err := cache.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, noop, err
		}
		return cache, &handlers.Check{Name: "postgres", Fn: cache.Ping}, pool.Close, nil

	case config.CacheRedis:
		rcfg := redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.CacheTTL,
		}
		client := redis.NewClient(rcfg)
		cache := redis.NewSnapshotCache(client, rcfg, logger)
		if err := cache.Ping(ctx); err != nil {
			client.Close()
			return nil, nil, noop, fmt.Errorf("ping redis: %w", err)
		}
		return cache, &handlers.Check{Name: "redis", Fn: cache.Ping}, func() { client.Close() }, nil
	}

	return snapshot.NewMemory(), nil, noop, nil
}

// newBoard wires both stores over cache behind one breaker and rehydrates
// them.
func newBoard(ctx context.Context, cfg *config.Config, cache snapshot.Cache, pub board.Publisher, logger *zap.Logger, m *metrics.Metrics) (*board.Board, error) {
	bcfg := circuitbreaker.DefaultConfig("snapshot-cache")
	bcfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Gauge())
	}
	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		return nil, err
	}

	obs := observation.NewStore(
		observation.WithPolicy(cfg.Policy()),
		observation.WithCadence(cfg.Cadence()),
		observation.WithLogger(logger),
		observation.WithMetrics(m),
		observation.WithCache(cache),
		observation.WithDebounce(cfg.CacheDebounce),
		observation.WithBreaker(breaker),
	)
	events := journey.NewLog(
		journey.WithDuplicateWindow(cfg.DuplicateWindow),
		journey.WithLogger(logger),
		journey.WithMetrics(m),
		journey.WithCache(cache),
		journey.WithDebounce(cfg.CacheDebounce),
		journey.WithBreaker(breaker),
	)

	b, err := board.New(board.Config{
		Observations: obs,
		Events:       events,
		Publisher:    pub,
		Logger:       logger,
		Metrics:      m,
	})
	if err != nil {
		return nil, err
	}
	if err := b.Load(ctx); err != nil {
		return nil, fmt.Errorf("load board: %w", err)
	}
	return b, nil
}
