package notify

import (
	"context"
	"time"
)

// DefaultChannel is the channel producers publish append notifications on.
const DefaultChannel = "run_events"

// DefaultPollInterval bounds how long a sequence read may block. It also
// bounds how long cancellation takes to be observed, so it should stay
// short; the default is about as long as a store roundtrip is expected
// to take.
const DefaultPollInterval = 250 * time.Millisecond

// Item is one element of a notification sequence: either a raw payload or
// a timeout marker (Timeout true, Payload empty). Timeout markers give the
// consumer a bounded opportunity to check for cancellation.
type Item struct {
	Payload string
	Timeout bool
}

// Sequence is a lazy, unbounded stream of notification items.
//
// Next blocks for at most the source's poll interval and then returns
// either a payload or a timeout marker. It returns a non-nil error exactly
// once, when the sequence terminates: the context's error on cancellation,
// or the transport error on an irrecoverable connection failure. Sequences
// do not reconnect.
type Sequence interface {
	Next(ctx context.Context) (Item, error)
	Close() error
}

// Source produces notification sequences for a named channel.
type Source interface {
	Subscribe(ctx context.Context, channel string) (Sequence, error)
}
