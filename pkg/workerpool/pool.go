// Package workerpool provides a bounded, keyed worker pool. Tasks sharing a
// key always run on the same worker, in submission order, so per-patient
// messages are applied serially while different patients proceed in parallel.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// ErrStopped is returned by Submit after Stop
var ErrStopped = errors.New("pool is shutting down")

// ErrQueueFull is returned by Submit when the key's worker queue is full
var ErrQueueFull = errors.New("task queue is full")

// Task represents a unit of work to be processed
type Task struct {
	ID string
	// Key selects the worker. Tasks with the same key never run concurrently.
	Key     string
	Payload interface{}
	Context context.Context
}

// Result represents the outcome of task processing
type Result struct {
	TaskID string
	Key    string
	// Payload is the submitted task's payload
	Payload interface{}
	Success bool
	Error   error
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the per-worker queue length
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the delay before the first retry, growing linearly
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds how long Stop waits for queued tasks
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for a single department's feed
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              2,
		RetryDelay:              50 * time.Millisecond,
		GracefulShutdownTimeout: 10 * time.Second,
	}
}

// Pool routes tasks to workers by key
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	queues []chan *Task
	wg     sync.WaitGroup

	// mu guards closing the queues against concurrent Submit
	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	onResult func(*Result)

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	activeWorkers  int64
	queueDepth     int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = defaults.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	queues := make([]chan *Task, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan *Task, cfg.QueueSize)
	}

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		queues:     queues,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// OnResult registers a callback for every finished task. It must be set
// before Start and is called on the worker goroutine.
func (p *Pool) OnResult(fn func(*Result)) {
	p.onResult = fn
}

// Start launches all workers
func (p *Pool) Start() {
	for i := range p.queues {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues task on its key's worker without blocking.
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queues[p.slot(task.Key)] <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait queues task, blocking while the key's queue is full, until ctx
// is done.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queues[p.slot(task.Key)] <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// Stop drains queued tasks and waits for the workers, up to the graceful
// shutdown timeout.
func (p *Pool) Stop() error {
	p.logger.Info("stopping worker pool")

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool) slot(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(p.queues)))
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("worker started", zap.Int("worker_id", id))
	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for task := range p.queues[id] {
		atomic.AddInt64(&p.queueDepth, -1)
		p.processTask(id, task)
	}

	p.logger.Debug("worker stopped", zap.Int("worker_id", id))
}

// processTask runs a task, retrying failures with a linearly growing delay.
func (p *Pool) processTask(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	result := p.attempt(ctx, task)
	result.Payload = task.Payload

	if result.Success {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.String("key", task.Key),
			zap.Int("worker_id", workerID),
			zap.Error(result.Error))
	}

	if p.onResult != nil {
		p.onResult(result)
	}
}

func (p *Pool) attempt(ctx context.Context, task *Task) *Result {
	var lastErr error

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Result{TaskID: task.ID, Key: task.Key, Error: err}
		}

		result := p.workerFunc(ctx, task)
		if result == nil {
			result = &Result{Success: true}
		}
		result.TaskID = task.ID
		result.Key = task.Key
		if result.Success {
			return result
		}
		lastErr = result.Error

		if attempt < p.config.MaxRetries {
			atomic.AddInt64(&p.tasksRetried, 1)
			p.logger.Debug("retrying task",
				zap.String("task_id", task.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr))

			select {
			case <-ctx.Done():
				return &Result{TaskID: task.ID, Key: task.Key, Error: ctx.Err()}
			case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}

	return &Result{
		TaskID: task.ID,
		Key:    task.Key,
		Error:  fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, lastErr),
	}
}

// Stats returns current pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize * p.config.Workers,
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true if the pool is operating normally
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
