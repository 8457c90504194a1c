// Package registry keeps the per-stream subscription table shared between
// the watcher facade (arbitrary caller goroutines) and the watch loop.
package registry

import (
	"sync"

	"github.com/loykin/runwatch/internal/eventlog"
)

// Handler receives one fetched record.
type Handler func(rec eventlog.Record)

// Subscription is one registered (cursor, handler) pair. The pointer
// identity of a Subscription is its removal token: Go funcs are not
// comparable, so remove-by-callback is rendered as remove-by-handle.
type Subscription struct {
	Cursor  int64
	Handler Handler
}

// Registry is a mutex-guarded map from stream id to the ordered list of
// its subscriptions. All operations are memory-only; the lock is never
// held across fetch or callback invocation.
type Registry struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
}

func New() *Registry {
	return &Registry{subs: make(map[string][]*Subscription)}
}

// Add appends a subscription for streamID, creating the list if absent,
// and returns the removal handle.
func (r *Registry) Add(streamID string, cursor int64, h Handler) *Subscription {
	sub := &Subscription{Cursor: cursor, Handler: h}
	r.mu.Lock()
	r.subs[streamID] = append(r.subs[streamID], sub)
	r.mu.Unlock()
	return sub
}

// Remove deletes sub from streamID's list. When the list becomes empty the
// stream entry itself is removed. Removing an unknown subscription is a
// no-op.
func (r *Registry) Remove(streamID string, sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[streamID]
	for i, s := range list {
		if s == sub {
			r.subs[streamID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.subs[streamID]) == 0 {
		delete(r.subs, streamID)
	}
}

// Has reports whether any subscription exists for streamID.
func (r *Registry) Has(streamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[streamID]) > 0
}

// Snapshot returns a copy of streamID's subscription list in registration
// order. The caller may iterate it without holding the registry lock.
func (r *Registry) Snapshot(streamID string) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[streamID]
	if len(list) == 0 {
		return nil
	}
	return append([]*Subscription(nil), list...)
}

// Count returns the total number of subscriptions across all streams.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, list := range r.subs {
		n += len(list)
	}
	return n
}
