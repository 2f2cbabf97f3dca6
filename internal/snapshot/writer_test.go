package snapshot

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-edflow/pkg/circuitbreaker"
)

func TestWriter_CoalescesBurst(t *testing.T) {
	cache := NewMemory()
	var version atomic.Int64

	w := NewWriter(WriterConfig{Store: "test", Key: "k", Debounce: 20 * time.Millisecond, Cache: cache},
		func() ([]byte, error) {
			return []byte{byte(version.Load())}, nil
		})

	for i := 1; i <= 10; i++ {
		version.Store(int64(i))
		w.Schedule()
	}

	require.Eventually(t, func() bool { return cache.Saves() == 1 }, time.Second, 5*time.Millisecond)

	blob, err := cache.Load(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte{10}, blob, "the newest state is written")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, cache.Saves())
}

func TestWriter_FlushWritesPendingImmediately(t *testing.T) {
	cache := NewMemory()
	w := NewWriter(WriterConfig{Store: "test", Key: "k", Debounce: time.Hour, Cache: cache},
		func() ([]byte, error) { return []byte("x"), nil })

	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, 0, cache.Saves(), "nothing pending")

	w.Schedule()
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, 1, cache.Saves())
}

func TestWriter_FailureIsSwallowedUntilNextSchedule(t *testing.T) {
	cache := NewMemory()
	cache.SetErr(errors.New("quota exceeded"))
	w := NewWriter(WriterConfig{Store: "test", Key: "k", Debounce: time.Hour, Cache: cache},
		func() ([]byte, error) { return []byte("x"), nil })

	w.Schedule()
	assert.Error(t, w.Flush(context.Background()))

	cache.SetErr(nil)
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, 1, cache.Saves(), "a failed write is not retried on its own")

	w.Schedule()
	require.NoError(t, w.Flush(context.Background()))
	_, err := cache.Load(context.Background(), "k")
	assert.NoError(t, err)
}

func TestWriter_BreakerSkipsWritesWhenOpen(t *testing.T) {
	cache := NewMemory()
	cache.SetErr(errors.New("unreachable"))

	cfg := circuitbreaker.DefaultConfig("cache")
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Hour
	cb, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)

	w := NewWriter(WriterConfig{Store: "test", Key: "k", Debounce: time.Hour, Cache: cache, Breaker: cb},
		func() ([]byte, error) { return []byte("x"), nil })

	w.Schedule()
	assert.Error(t, w.Flush(context.Background()))

	w.Schedule()
	assert.ErrorIs(t, w.Flush(context.Background()), circuitbreaker.ErrOpen)
	assert.Equal(t, 1, cache.Saves())
}

func TestWriter_CloseStopsScheduling(t *testing.T) {
	cache := NewMemory()
	w := NewWriter(WriterConfig{Store: "test", Key: "k", Debounce: 10 * time.Millisecond, Cache: cache},
		func() ([]byte, error) { return []byte("x"), nil })

	w.Schedule()
	require.NoError(t, w.Close(context.Background()))
	assert.Equal(t, 1, cache.Saves())

	w.Schedule()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, cache.Saves())
}

func TestWriter_NilCacheNeverWrites(t *testing.T) {
	w := NewWriter(WriterConfig{Store: "test", Key: "k"}, func() ([]byte, error) {
		t.Fatal("encode must not be called")
		return nil, nil
	})
	w.Schedule()
	assert.NoError(t, w.Flush(context.Background()))
}

func TestMemory_LoadMissing(t *testing.T) {
	_, err := NewMemory().Load(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}
