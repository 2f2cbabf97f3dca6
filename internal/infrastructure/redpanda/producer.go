package redpanda

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	Brokers []string
	// Linger is how long a partial batch waits for more records
	Linger        time.Duration
	BatchMaxBytes int32
	// Compression is one of none, lz4, snappy, gzip or zstd
	Compression string
	// AllAcks waits for every in-sync replica; otherwise only the leader
	AllAcks      bool
	Retries      int
	RetryBackoff time.Duration
}

// DefaultProducerConfig favours latency over batching; patient state is
// read by the dashboard within seconds.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:       []string{"localhost:9092"},
		Linger:        5 * time.Millisecond,
		BatchMaxBytes: 1 << 20,
		Compression:   "lz4",
		AllAcks:       true,
		Retries:       3,
		RetryBackoff:  100 * time.Millisecond,
	}
}

func (c ProducerConfig) options() ([]kgo.Opt, error) {
	codec, err := compressionCodec(c.Compression)
	if err != nil {
		return nil, err
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ProducerLinger(c.Linger),
		kgo.ProducerBatchMaxBytes(c.BatchMaxBytes),
		kgo.ProducerBatchCompression(codec),
		kgo.RecordRetries(c.Retries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return c.RetryBackoff * time.Duration(attempt+1)
		}),
	}
	if c.AllAcks {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	} else {
		// idempotent writes require acks from all replicas
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	}
	return opts, nil
}

func compressionCodec(name string) (kgo.CompressionCodec, error) {
	switch name {
	case "", "none":
		return kgo.NoCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	}
	return kgo.CompressionCodec{}, fmt.Errorf("unknown compression %q", name)
}

// Record is a message to produce
type Record struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

func (r Record) kgoRecord() *kgo.Record {
	rec := &kgo.Record{Topic: r.Topic, Key: []byte(r.Key), Value: r.Value}
	for k, v := range r.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return rec
}

// Producer writes board output (patient state and dead letters) and waits
// for each record to be acknowledged.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	sent   atomic.Int64
	bytes  atomic.Int64
	failed atomic.Int64
}

// NewProducer creates a new Redpanda producer
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("edflow-producer"),
	}, nil
}

// ProduceRecord sends rec and blocks until the broker acknowledges it. The
// caller's trace context travels in the record headers.
func (p *Producer) ProduceRecord(ctx context.Context, rec Record) error {
	ctx, span := p.tracer.Start(ctx, rec.Topic+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", rec.Topic),
			attribute.String("messaging.kafka.message.key", rec.Key),
			attribute.Int("messaging.message.body.size", len(rec.Value)),
		))
	defer span.End()

	kr := rec.kgoRecord()
	injectTraceHeaders(ctx, kr)

	if err := p.client.ProduceSync(ctx, kr).FirstErr(); err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "produce failed")
		p.logger.Error("produce failed",
			zap.String("topic", rec.Topic),
			zap.String("key", rec.Key),
			zap.Error(err))
		return fmt.Errorf("produce to %s: %w", rec.Topic, err)
	}

	p.sent.Add(1)
	p.bytes.Add(int64(len(kr.Value)))
	p.logger.Debug("record produced",
		zap.String("topic", kr.Topic),
		zap.Int32("partition", kr.Partition),
		zap.Int64("offset", kr.Offset))
	return nil
}

// Ping checks broker connectivity
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes anything still buffered, waiting at most ten seconds, and
// closes the client.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("flush on close", zap.Error(err))
	}
	p.client.Close()
}

// ProducerStats counts records since start
type ProducerStats struct {
	Sent   int64
	Bytes  int64
	Failed int64
}

// Stats returns current producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		Sent:   p.sent.Load(),
		Bytes:  p.bytes.Load(),
		Failed: p.failed.Load(),
	}
}
