package runwatch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmbedded(t *testing.T) (Store, *Watcher) {
	t.Helper()
	store, w, err := New(EventLogConfig{
		Type:         "sqlite",
		Path:         filepath.Join(t.TempDir(), "events.db"),
		PollInterval: 20 * time.Millisecond,
	}, Options{})
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))
	t.Cleanup(func() {
		_ = w.Close()
		_ = store.Close()
	})
	return store, w
}

func TestEmbeddedPipeline(t *testing.T) {
	store, w := newEmbedded(t)

	var mu sync.Mutex
	var got []int64
	sub, err := w.Watch("run-1", 0, func(rec Record) {
		mu.Lock()
		got = append(got, rec.Position)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.True(t, w.Watching("run-1"))

	pos, err := store.Append(context.Background(), "run-1", []byte(`{"kind":"started"}`))
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	assert.Equal(t, []int64{pos}, got)
	mu.Unlock()

	w.Unwatch("run-1", sub)
	assert.False(t, w.Watching("run-1"))
	require.NoError(t, w.Close())

	_, err = w.Watch("run-1", 0, func(Record) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFetchNotFoundSentinel(t *testing.T) {
	store, _ := newEmbedded(t)
	_, err := store.Fetch(context.Background(), "run-1", 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSinkFromDSN(t *testing.T) {
	s, err := NewSinkFromDSN(filepath.Join(t.TempDir(), "deliveries.db"))
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestNewLogger(t *testing.T) {
	lg, err := NewLogger(LogConfig{Level: "debug", Format: "text"})
	require.NoError(t, err)
	assert.NotNil(t, lg)
}
