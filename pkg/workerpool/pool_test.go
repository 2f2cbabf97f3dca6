package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresWorkerFunc(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}

func TestPool_SameKeyRunsInOrder(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]int)

	p, err := New(Config{Workers: 4, QueueSize: 100}, func(_ context.Context, task *Task) *Result {
		mu.Lock()
		seen[task.Key] = append(seen[task.Key], task.Payload.(int))
		mu.Unlock()
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	p.Start()

	for i := 0; i < 50; i++ {
		for _, key := range []string{"P1", "P2", "P3"} {
			require.NoError(t, p.Submit(&Task{ID: fmt.Sprintf("%s-%d", key, i), Key: key, Payload: i}))
		}
	}
	require.NoError(t, p.Stop())

	for _, key := range []string{"P1", "P2", "P3"} {
		require.Len(t, seen[key], 50)
		for i, v := range seen[key] {
			assert.Equal(t, i, v, key)
		}
	}

	stats := p.Stats()
	assert.Equal(t, int64(150), stats.TasksSubmitted)
	assert.Equal(t, int64(150), stats.TasksCompleted)
	assert.Equal(t, int64(0), stats.QueueDepth)
}

func TestPool_SameKeyNeverConcurrent(t *testing.T) {
	var running, overlap int32

	p, err := New(Config{Workers: 8, QueueSize: 64}, func(_ context.Context, task *Task) *Result {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&running, -1)
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	p.Start()

	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(&Task{ID: fmt.Sprint(i), Key: "P1"}))
	}
	require.NoError(t, p.Stop())

	assert.Equal(t, int32(0), atomic.LoadInt32(&overlap))
}

func TestPool_RetriesThenReportsFailure(t *testing.T) {
	var calls int32
	var results []*Result

	p, err := New(Config{Workers: 1, QueueSize: 4, MaxRetries: 2, RetryDelay: time.Millisecond},
		func(_ context.Context, _ *Task) *Result {
			atomic.AddInt32(&calls, 1)
			return &Result{Error: errors.New("cache unavailable")}
		}, nil)
	require.NoError(t, err)
	p.OnResult(func(r *Result) { results = append(results, r) })
	p.Start()

	require.NoError(t, p.Submit(&Task{ID: "t1", Key: "P1"}))
	require.NoError(t, p.Stop())

	assert.Equal(t, int32(3), calls)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "t1", results[0].TaskID)
	assert.Contains(t, results[0].Error.Error(), "cache unavailable")
	assert.Equal(t, int64(2), p.Stats().TasksRetried)
	assert.Equal(t, int64(1), p.Stats().TasksFailed)
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p, err := New(DefaultConfig(), func(context.Context, *Task) *Result { return nil }, nil)
	require.NoError(t, err)
	p.Start()
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	assert.ErrorIs(t, p.Submit(&Task{Key: "P1"}), ErrStopped)
	assert.ErrorIs(t, p.SubmitWait(context.Background(), &Task{Key: "P1"}), ErrStopped)
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	p, err := New(Config{Workers: 1, QueueSize: 1}, func(context.Context, *Task) *Result {
		<-release
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	p.Start()

	require.NoError(t, p.Submit(&Task{ID: "running", Key: "P1"}))
	require.Eventually(t, func() bool { return p.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit(&Task{ID: "queued", Key: "P1"}))
	assert.ErrorIs(t, p.Submit(&Task{ID: "rejected", Key: "P1"}), ErrQueueFull)
	assert.False(t, p.IsHealthy())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.SubmitWait(ctx, &Task{ID: "waited", Key: "P1"}), context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Stop())
}
