// Package watcher delivers newly appended event log records to registered
// subscribers, driven by the store's notification channel instead of
// polling the log table.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/runwatch/internal/eventlog"
	"github.com/loykin/runwatch/internal/metrics"
	"github.com/loykin/runwatch/internal/notify"
	"github.com/loykin/runwatch/internal/registry"
	"github.com/loykin/runwatch/internal/sink"
)

// ErrClosed is returned by Watch after Close has been called.
var ErrClosed = errors.New("watcher: closed")

// Handler receives one fetched record. Handlers run synchronously on the
// watch loop goroutine: a slow handler delays delivery for every other
// subscriber and stream of this watcher.
type Handler = registry.Handler

// Subscription is the removal handle returned by Watch.
type Subscription = registry.Subscription

type state int

const (
	stateIdle state = iota
	stateRunning
	stateClosing
	stateStopped
)

// Config carries optional watcher settings. The zero value is usable.
type Config struct {
	// Channel is the notification channel to subscribe to.
	// Empty selects notify.DefaultChannel.
	Channel string
	// Logger receives loop diagnostics. Nil selects slog.Default().
	Logger *slog.Logger
	// Sinks receive a delivery event after each fan-out with at least one
	// recipient. Sink errors are logged, never propagated.
	Sinks []sink.Sink
}

// Watcher owns the subscription registry and the lifecycle of the single
// background watch loop. The loop is started lazily by the first Watch
// call and persists, even with zero subscriptions, until Close.
type Watcher struct {
	source  notify.Source
	fetcher eventlog.Fetcher
	channel string
	logger  *slog.Logger
	sinks   []sink.Sink

	reg *registry.Registry

	mu     sync.Mutex
	state  state
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New creates a watcher over the given notification source and record
// fetcher. No background work starts until the first Watch call.
func New(source notify.Source, fetcher eventlog.Fetcher, cfg Config) *Watcher {
	ch := cfg.Channel
	if ch == "" {
		ch = notify.DefaultChannel
	}
	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Watcher{
		source:  source,
		fetcher: fetcher,
		channel: ch,
		logger:  lg,
		sinks:   cfg.Sinks,
		reg:     registry.New(),
	}
}

// Watch registers handler for records of streamID with positions >= cursor
// and returns the handle to pass to Unwatch. The first successful Watch
// starts the watch loop; concurrent first calls start exactly one loop.
func (w *Watcher) Watch(streamID string, cursor int64, handler Handler) (*Subscription, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case stateClosing, stateStopped:
		return nil, ErrClosed
	case stateIdle:
		ctx, cancel := context.WithCancel(context.Background())
		seq, err := w.source.Subscribe(ctx, w.channel)
		if err != nil {
			cancel()
			return nil, err
		}
		w.cancel = cancel
		w.done = make(chan struct{})
		w.state = stateRunning
		go w.run(ctx, seq)
	}
	sub := w.reg.Add(streamID, cursor, handler)
	metrics.SetActiveSubscriptions(w.reg.Count())
	return sub, nil
}

// Unwatch removes a subscription. The loop keeps running even when the
// registry becomes empty. Unknown or already removed subscriptions are a
// no-op.
func (w *Watcher) Unwatch(streamID string, sub *Subscription) {
	w.reg.Remove(streamID, sub)
	metrics.SetActiveSubscriptions(w.reg.Count())
}

// Watching reports whether any subscription exists for streamID.
func (w *Watcher) Watching(streamID string) bool { return w.reg.Has(streamID) }

// Close signals the loop to stop and blocks until it has terminated,
// bounded by one poll interval beyond the signal. Calling Close when the
// loop was never started, or more than once, is a no-op after the first
// effective call.
func (w *Watcher) Close() error {
	w.mu.Lock()
	switch w.state {
	case stateIdle, stateStopped:
		w.state = stateStopped
		w.mu.Unlock()
		return nil
	case stateRunning:
		w.state = stateClosing
		w.cancel()
	case stateClosing:
		// another Close is in flight; fall through and wait with it
	}
	done := w.done
	w.mu.Unlock()

	<-done

	w.mu.Lock()
	w.state = stateStopped
	err := w.err
	w.mu.Unlock()
	return err
}

// Err returns the terminal loop error: nil while the loop runs or after a
// clean Close, the transport error after a fail-stop termination. Callers
// observing a non-nil Err must construct a fresh watcher to resume.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Watcher) setErr(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

func (w *Watcher) exportDelivery(ctx context.Context, streamID string, position int64, subscribers int) {
	if len(w.sinks) == 0 {
		return
	}
	d := sink.Delivery{
		StreamID:    streamID,
		Position:    position,
		Subscribers: subscribers,
		OccurredAt:  time.Now().UTC(),
	}
	for _, s := range w.sinks {
		if err := s.Send(ctx, d); err != nil {
			w.logger.Warn("delivery sink send failed", "stream", streamID, "position", position, "err", err)
		}
	}
}
