package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-edflow/internal/observability/metrics"
	"github.com/drfirst/go-edflow/pkg/circuitbreaker"
)

// DefaultDebounce coalesces bursts of appends into one write.
const DefaultDebounce = 250 * time.Millisecond

// WriterConfig configures a debounced writer
type WriterConfig struct {
	// Store labels logs and metrics, e.g. "observations"
	Store string
	// Key is the cache key the snapshot is written under
	Key string
	// Debounce is the coalescing window
	Debounce time.Duration
	Cache    Cache
	Breaker  *circuitbreaker.CircuitBreaker
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// EncodeFunc produces the blob to persist. It is called when the write runs,
// not when it is scheduled, so the newest state is always written.
type EncodeFunc func() ([]byte, error)

// Writer persists a snapshot after a quiet period. Every Schedule call re-arms
// the timer.
type Writer struct {
	cfg    WriterConfig
	encode EncodeFunc
	logger *zap.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	closed  bool

	// writeMu serialises cache writes
	writeMu sync.Mutex
}

// NewWriter creates a writer. A nil cfg.Cache yields a writer that never
// writes.
func NewWriter(cfg WriterConfig, encode EncodeFunc) *Writer {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		cfg:    cfg,
		encode: encode,
		logger: logger.With(zap.String("store", cfg.Store)),
		tracer: otel.Tracer("snapshot-writer"),
	}
}

// Schedule marks the snapshot dirty and (re)arms the debounce timer. It never
// blocks on I/O.
func (w *Writer) Schedule() {
	if w.cfg.Cache == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.pending = true
	if w.timer == nil {
		w.timer = time.AfterFunc(w.cfg.Debounce, w.fire)
		return
	}
	w.timer.Reset(w.cfg.Debounce)
}

// Flush writes any pending snapshot immediately.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	return w.write(ctx)
}

// Close flushes and stops accepting new schedules.
func (w *Writer) Close(ctx context.Context) error {
	err := w.Flush(ctx)

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	return err
}

func (w *Writer) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// failures are already logged and counted
	_ = w.write(ctx)
}

func (w *Writer) write(ctx context.Context) error {
	if w.cfg.Cache == nil {
		return nil
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	if !w.pending {
		w.mu.Unlock()
		return nil
	}
	w.pending = false
	w.mu.Unlock()

	ctx, span := w.tracer.Start(ctx, "snapshot_flush",
		trace.WithAttributes(
			attribute.String("store", w.cfg.Store),
			attribute.String("key", w.cfg.Key),
		))
	defer span.End()

	start := time.Now()
	err := w.save(ctx)
	w.cfg.Metrics.ObserveCacheWrite(w.cfg.Store, err, time.Since(start))

	if err != nil {
		span.RecordError(err)
		w.logger.Warn("snapshot write failed", zap.String("key", w.cfg.Key), zap.Error(err))
		return err
	}

	w.logger.Debug("snapshot written", zap.String("key", w.cfg.Key), zap.Duration("took", time.Since(start)))
	return nil
}

func (w *Writer) save(ctx context.Context) error {
	blob, err := w.encode()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if w.cfg.Breaker == nil {
		return w.cfg.Cache.Save(ctx, w.cfg.Key, blob)
	}
	return w.cfg.Breaker.Execute(ctx, func(ctx context.Context) error {
		return w.cfg.Cache.Save(ctx, w.cfg.Key, blob)
	})
}
