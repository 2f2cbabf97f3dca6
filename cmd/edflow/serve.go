package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-edflow/internal/api/handlers"
	"github.com/drfirst/go-edflow/internal/board"
	"github.com/drfirst/go-edflow/internal/ingest"
	"github.com/drfirst/go-edflow/internal/infrastructure/redpanda"
	"github.com/drfirst/go-edflow/internal/observability/metrics"
	"github.com/drfirst/go-edflow/internal/observability/tracing"
	"github.com/drfirst/go-edflow/pkg/workerpool"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume the ingest topics and publish patient state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig("edflow")
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Version = version
	tcfg.Environment = cfg.Env
	tcfg.Endpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	provider, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdown(logger, "tracing", provider.Shutdown)

	m := metrics.New(nil)

	cache, cacheCheck, closeCache, err := openCache(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s cache: %w", cfg.CacheBackend, err)
	}
	defer closeCache()

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(pcfg, logger)
	if err != nil {
		return err
	}
	defer producer.Close()

	var pub board.Publisher
	if cfg.PublishEnabled {
		pub = redpanda.NewStatePublisher(producer)
	}

	b, err := newBoard(ctx, cfg, cache, pub, logger, m)
	if err != nil {
		return err
	}
	defer shutdown(logger, "board", b.Close)

	handler := ingest.NewHandler(b, redpanda.NewDeadLetterWriter(producer), logger, m)
	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.IngestWorkers
	dispatcher, err := ingest.NewDispatcher(handler, poolCfg, logger)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = cfg.KafkaBrokers
	ccfg.GroupID = cfg.KafkaGroupID
	consumer, err := redpanda.NewConsumer(ccfg, dispatcher.Dispatch, logger)
	if err != nil {
		return err
	}
	consumer.Start()
	defer consumer.Stop()

	checks := []handlers.Check{
		{Name: "redpanda", Fn: producer.Ping},
		{Name: "ingest", Fn: func(context.Context) error {
			if !dispatcher.Healthy() {
				return errors.New("ingest queue saturated")
			}
			return nil
		}},
	}
	if cacheCheck != nil {
		checks = append(checks, *cacheCheck)
	}
	ops := handlers.NewOpsHandler(version, metrics.Handler(), logger, checks...)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      ops.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting ops server", zap.String("port", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("board started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.KafkaGroupID),
		zap.String("cache", cfg.CacheBackend),
		zap.Bool("publish", cfg.PublishEnabled))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("ops server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Error("shutdown error", zap.Error(serr))
	}
	ps, cs := producer.Stats(), consumer.Stats()
	logger.Info("bus totals",
		zap.Int64("consumed", cs.MessagesRead),
		zap.Int64("produced", ps.Sent),
		zap.Int64("rewound_batches", cs.Rewinds),
		zap.Int64("produce_failures", ps.Failed))
	return err
}

// shutdown runs fn with a fresh deadline and logs its failure
func shutdown(logger *zap.Logger, what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Error("shutdown failed", zap.String("component", what), zap.Error(err))
	}
}
