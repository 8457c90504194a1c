package eventlog

import (
	"context"
	"errors"
	"time"
)

// Record is one appended entry of a stream. Position is assigned by the
// store at append time and is strictly increasing within a stream.
// Data is opaque to this package; producers typically store JSON.

type Record struct {
	Position  int64     `json:"position"`
	StreamID  string    `json:"stream_id"`
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrNotFound is returned by Fetch when no record exists at the requested
// position. A notified position that is not yet visible to a read is a
// fetch/commit race and surfaces as ErrNotFound, not as an internal error.
var ErrNotFound = errors.New("eventlog: record not found")

// Fetcher reads single records by position. Implementations must be safe
// to call concurrently with writers.
type Fetcher interface {
	Fetch(ctx context.Context, streamID string, position int64) (Record, error)
}

// Store is the full event log boundary. Producers append, consumers fetch
// or tail. Append is expected to also publish a notification for the new
// record on the store's channel ("append-then-notify").
type Store interface {
	Fetcher
	EnsureSchema(ctx context.Context) error
	Append(ctx context.Context, streamID string, data []byte) (int64, error)
	Tail(ctx context.Context, streamID string, cursor int64, limit int) ([]Record, error)
	Close() error
}
