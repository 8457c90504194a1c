package watcher

import (
	"context"
	"errors"

	"github.com/loykin/runwatch/internal/eventlog"
	"github.com/loykin/runwatch/internal/metrics"
	"github.com/loykin/runwatch/internal/notify"
	"github.com/loykin/runwatch/internal/registry"
)

// run is the single background consumer of the notification sequence.
// It exits when the sequence terminates: on cancellation (clean) or on an
// irrecoverable transport failure (fail-stop, recorded via setErr).
func (w *Watcher) run(ctx context.Context, seq notify.Sequence) {
	defer close(w.done)
	defer func() { _ = seq.Close() }()
	for {
		item, err := seq.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.setErr(err)
				w.logger.Error("notification sequence terminated", "channel", w.channel, "err", err)
			}
			return
		}
		if item.Timeout {
			continue
		}
		w.dispatch(ctx, item.Payload)
	}
}

// dispatch handles one raw notification: decode, filter, fetch once, fan
// out in registration order. It never returns an error; a bad message must
// not affect unrelated streams or kill the loop.
func (w *Watcher) dispatch(ctx context.Context, payload string) {
	metrics.IncNotification()

	streamID, position, err := notify.DecodePayload(payload)
	if err != nil {
		metrics.IncMalformed()
		w.logger.Debug("dropping malformed notification", "payload", payload)
		return
	}
	if !w.reg.Has(streamID) {
		metrics.IncUnknownStream()
		return
	}

	subs := w.reg.Snapshot(streamID)
	if len(subs) == 0 {
		// last subscriber unregistered between Has and Snapshot
		metrics.IncUnknownStream()
		return
	}

	// One fetch per notification; the fan-out shares it.
	rec, err := w.fetcher.Fetch(ctx, streamID, position)
	if err != nil {
		if errors.Is(err, eventlog.ErrNotFound) {
			// fetch/commit race: no record for this notification
			metrics.IncFetchError("not_found")
			w.logger.Debug("notified record not visible", "stream", streamID, "position", position)
		} else {
			metrics.IncFetchError("error")
			w.logger.Warn("record fetch failed", "stream", streamID, "position", position, "err", err)
		}
		return
	}

	delivered := 0
	for _, sub := range subs {
		if sub.Cursor <= position {
			w.invoke(sub, rec)
			delivered++
		}
	}
	if delivered > 0 {
		metrics.IncDelivered(streamID, delivered)
		w.exportDelivery(ctx, streamID, position, delivered)
	}
}

// invoke runs one handler, containing panics so one subscriber cannot
// abort delivery to the others.
func (w *Watcher) invoke(sub *registry.Subscription, rec eventlog.Record) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncCallbackPanic()
			w.logger.Error("subscriber callback panicked",
				"stream", rec.StreamID, "position", rec.Position, "panic", r)
		}
	}()
	sub.Handler(rec)
}
