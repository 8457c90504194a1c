package sink

import (
	"context"
	"time"
)

// Delivery describes one fan-out of a fetched record to the subscribers of
// a stream. Exported after callbacks return; a delivery with zero
// subscribers is not recorded.
type Delivery struct {
	StreamID    string    `json:"stream_id"`
	Position    int64     `json:"position"`
	Subscribers int       `json:"subscribers"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Sink is a destination for delivery events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, d Delivery) error
}
