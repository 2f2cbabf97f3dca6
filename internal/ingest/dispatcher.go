package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-edflow/internal/infrastructure/redpanda"
	"github.com/drfirst/go-edflow/pkg/workerpool"
)

// Dispatcher fans a batch out over a keyed worker pool. Messages are keyed
// by record key, which producers set to the patient id.
type Dispatcher struct {
	handler *Handler
	pool    *workerpool.Pool
	logger  *zap.Logger
}

type job struct {
	msg  *redpanda.ConsumedMessage
	done chan error
}

// NewDispatcher creates and starts a dispatcher
func NewDispatcher(h *Handler, cfg workerpool.Config, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := workerpool.New(cfg, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		j := task.Payload.(*job)
		if err := h.Handle(ctx, j.msg); err != nil {
			return &workerpool.Result{Error: err}
		}
		return &workerpool.Result{Success: true}
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	pool.OnResult(func(r *workerpool.Result) {
		r.Payload.(*job).done <- r.Error
	})
	pool.Start()

	return &Dispatcher{handler: h, pool: pool, logger: logger}, nil
}

// Dispatch applies msgs and waits for all of them. Messages sharing a key
// are applied in slice order. The returned error joins every failure.
func (d *Dispatcher) Dispatch(ctx context.Context, msgs []*redpanda.ConsumedMessage) error {
	jobs := make([]*job, 0, len(msgs))
	var errs []error

	for _, msg := range msgs {
		j := &job{msg: msg, done: make(chan error, 1)}
		err := d.pool.SubmitWait(ctx, &workerpool.Task{
			ID:      fmt.Sprintf("%s/%d@%d", msg.Topic, msg.Partition, msg.Offset),
			Key:     string(msg.Key),
			Payload: j,
			Context: ctx,
		})
		if err != nil {
			errs = append(errs, err)
			break
		}
		jobs = append(jobs, j)
	}

	for _, j := range jobs {
		if err := <-j.done; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns the underlying pool's statistics
func (d *Dispatcher) Stats() workerpool.Stats {
	return d.pool.Stats()
}

// Healthy reports whether the pool has queue headroom
func (d *Dispatcher) Healthy() bool {
	return d.pool.IsHealthy()
}

// Close drains queued messages and stops the workers
func (d *Dispatcher) Close() error {
	return d.pool.Stop()
}
