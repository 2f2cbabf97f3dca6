package filecache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-edflow/internal/snapshot"
)

func TestCache_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots")
	cache, err := New(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cache.Load(ctx, "events")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	require.NoError(t, cache.Save(ctx, "events", []byte(`{"P1":[]}`)))
	require.NoError(t, cache.Save(ctx, "events", []byte(`{"P2":[]}`)))

	blob, err := cache.Load(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, `{"P2":[]}`, string(blob))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files are cleaned up")
	assert.Equal(t, "events.json", entries[0].Name())
}

func TestCache_RejectsPathKeys(t *testing.T) {
	cache, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	for _, key := range []string{"", "../etc/passwd", `a\b`, ".hidden"} {
		assert.Error(t, cache.Save(context.Background(), key, []byte("x")), key)
		_, err := cache.Load(context.Background(), key)
		assert.Error(t, err, key)
	}
}

func TestCache_CancelledContext(t *testing.T) {
	cache, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, cache.Save(ctx, "events", []byte("x")), context.Canceled)
}

func TestNew_RequiresDirectory(t *testing.T) {
	_, err := New("", nil)
	assert.Error(t, err)
}
