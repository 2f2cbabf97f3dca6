// Package snapshot persists whole-store snapshots to a durable cache on a
// debounce window. Cache writes are best-effort: failures are logged and
// counted, never returned to the mutation that scheduled them.
package snapshot

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Load when nothing has been cached under a key.
var ErrNotFound = errors.New("snapshot not found")

// Cache stores opaque blobs by key.
type Cache interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, blob []byte) error
}

// Memory is an in-process Cache. It is used in tests and when no durable
// backend is configured.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
	saves int

	// Err, when set, is returned by every Save.
	Err error
}

// NewMemory creates an empty in-memory cache
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

func (m *Memory) Save(_ context.Context, key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saves++
	if m.Err != nil {
		return m.Err
	}
	m.blobs[key] = append([]byte(nil), blob...)
	return nil
}

// Saves returns how many times Save has been called
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// SetErr changes the error returned by Save.
func (m *Memory) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}
