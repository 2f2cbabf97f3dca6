// Package redpanda connects the board to the department's Kafka-compatible
// bus with franz-go.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the ingest consumer group
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string

	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	// MaxPollRecords caps how many records one handler call receives
	MaxPollRecords int
	FetchMaxBytes  int32
	// FromStart makes a group with no committed offsets begin at the oldest
	// retained record instead of the newest.
	FromStart bool
	// RetryBackoff is the pause after a batch the handler rejected
	RetryBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for the board's ingest group
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "edflow-board",
		Topics:            IngestTopics(),
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		MaxPollRecords:    500,
		FetchMaxBytes:     16 << 20,
		FromStart:         true,
		RetryBackoff:      time.Second,
	}
}

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// BatchHandler applies one poll's messages. Offsets are committed only when
// it returns nil; otherwise the batch is redelivered.
type BatchHandler func(ctx context.Context, msgs []*ConsumedMessage) error

// Consumer reads the ingest topics and hands each poll to a BatchHandler
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler BatchHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	read       atomic.Int64
	bytes      atomic.Int64
	errs       atomic.Int64
	rewinds    atomic.Int64
	lastCommit atomic.Int64 // unix nanos
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler BatchHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("batch handler is required")
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = DefaultConsumerConfig().MaxPollRecords
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := client.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}

	if cfg.FromStart {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("edflow-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}

	c.client.Close()
	return nil
}

// Ping checks broker connectivity
func (c *Consumer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				if errors.Is(err.Err, context.Canceled) {
					return
				}
				c.logger.Error("fetch error",
					zap.String("topic", err.Topic),
					zap.Int32("partition", err.Partition),
					zap.Error(err.Err))
				c.errs.Add(1)
			}
			continue
		}

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		c.processBatch(records)
	}
}

// processBatch hands the records to the handler and commits them on
// success. A rejected batch is rewound so the next poll redelivers it.
func (c *Consumer) processBatch(records []*kgo.Record) {
	ctx, span := c.tracer.Start(c.ctx, "ingest process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.consumer.group.name", c.config.GroupID),
			attribute.Int("messaging.batch.message_count", len(records)),
		))
	defer span.End()

	msgs := make([]*ConsumedMessage, 0, len(records))
	bytes := 0
	for _, record := range records {
		msgs = append(msgs, toMessage(record))
		bytes += len(record.Value)
	}

	if err := c.handler(ctx, msgs); err != nil {
		c.logger.Error("batch handler failed",
			zap.Int("batch_size", len(records)),
			zap.Error(err))
		span.RecordError(err)
		c.errs.Add(1)
		c.rewinds.Add(1)
		c.rewind(records)

		select {
		case <-c.ctx.Done():
		case <-time.After(c.config.RetryBackoff):
		}
		return
	}

	c.read.Add(int64(len(records)))
	c.bytes.Add(int64(bytes))

	c.client.MarkCommitRecords(records...)
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Error("commit offsets", zap.Error(err))
		span.RecordError(err)
		return
	}
	c.lastCommit.Store(time.Now().UnixNano())
}

// rewind seeks every partition in records back to its first record
func (c *Consumer) rewind(records []*kgo.Record) {
	first := make(map[string]map[int32]kgo.EpochOffset)
	for _, r := range records {
		parts, ok := first[r.Topic]
		if !ok {
			parts = make(map[int32]kgo.EpochOffset)
			first[r.Topic] = parts
		}
		if eo, seen := parts[r.Partition]; !seen || r.Offset < eo.Offset {
			parts[r.Partition] = kgo.EpochOffset{Epoch: r.LeaderEpoch, Offset: r.Offset}
		}
	}
	c.client.SetOffsets(first)
}

func toMessage(record *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// Context returns ctx carrying the trace context the producer propagated
// in the message headers.
func (m *ConsumedMessage) Context(ctx context.Context) context.Context {
	record := &kgo.Record{}
	for k, v := range m.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return extractTraceContext(ctx, record)
}

// ConsumerStats counts consumer activity since start
type ConsumerStats struct {
	MessagesRead int64
	BytesRead    int64
	Errors       int64
	// Rewinds counts batches the handler rejected and that were redelivered
	Rewinds    int64
	LastCommit time.Time
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	st := ConsumerStats{
		MessagesRead: c.read.Load(),
		BytesRead:    c.bytes.Load(),
		Errors:       c.errs.Load(),
		Rewinds:      c.rewinds.Load(),
	}
	if ns := c.lastCommit.Load(); ns != 0 {
		st.LastCommit = time.Unix(0, ns)
	}
	return st
}
