package watcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/runwatch/internal/eventlog"
	"github.com/loykin/runwatch/internal/notify"
	"github.com/loykin/runwatch/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPoll = 20 * time.Millisecond

// fakeFetcher serves records from an in-memory map and counts fetches.
type fakeFetcher struct {
	mu      sync.Mutex
	records map[string]map[int64]eventlog.Record
	fetches atomic.Int64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{records: make(map[string]map[int64]eventlog.Record)}
}

func (f *fakeFetcher) put(streamID string, position int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records[streamID] == nil {
		f.records[streamID] = make(map[int64]eventlog.Record)
	}
	f.records[streamID][position] = eventlog.Record{
		StreamID:  streamID,
		Position:  position,
		Data:      []byte(`{}`),
		Timestamp: time.Now().UTC(),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, streamID string, position int64) (eventlog.Record, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[streamID][position]
	if !ok {
		return eventlog.Record{}, eventlog.ErrNotFound
	}
	return rec, nil
}

// collector accumulates delivered positions.
type collector struct {
	mu        sync.Mutex
	positions []int64
}

func (c *collector) handler() Handler {
	return func(rec eventlog.Record) {
		c.mu.Lock()
		c.positions = append(c.positions, rec.Position)
		c.mu.Unlock()
	}
}

func (c *collector) got() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.positions...)
}

func waitForPositions(t *testing.T, c *collector, want int) []int64 {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.got(); len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c.got()
}

// settle gives the loop time to process anything in flight.
func settle() { time.Sleep(4 * testPoll) }

func newTestWatcher(t *testing.T) (*Watcher, *notify.Broker, *fakeFetcher) {
	t.Helper()
	broker := notify.NewBroker(testPoll)
	fetcher := newFakeFetcher()
	w := New(broker, fetcher, Config{})
	t.Cleanup(func() { _ = w.Close() })
	return w, broker, fetcher
}

func publish(broker *notify.Broker, streamID string, position int64) {
	payload, _ := notify.EncodePayload(streamID, position)
	broker.Publish(notify.DefaultChannel, payload)
}

func TestWatchCursorFiltersAndOrders(t *testing.T) {
	w, broker, fetcher := newTestWatcher(t)
	for _, p := range []int64{3, 5, 7} {
		fetcher.put("run-1", p)
	}

	var c collector
	_, err := w.Watch("run-1", 5, c.handler())
	require.NoError(t, err)

	publish(broker, "run-1", 3)
	publish(broker, "run-1", 5)
	publish(broker, "run-1", 7)

	got := waitForPositions(t, &c, 2)
	assert.Equal(t, []int64{5, 7}, got)
}

func TestTwoSubscribersIndependentCursors(t *testing.T) {
	w, broker, fetcher := newTestWatcher(t)
	fetcher.put("run-1", 9)
	fetcher.put("run-1", 10)

	var low, high collector
	_, err := w.Watch("run-1", 0, low.handler())
	require.NoError(t, err)
	_, err = w.Watch("run-1", 10, high.handler())
	require.NoError(t, err)

	publish(broker, "run-1", 10)
	waitForPositions(t, &low, 1)
	assert.Equal(t, []int64{10}, low.got())
	assert.Equal(t, []int64{10}, waitForPositions(t, &high, 1))

	publish(broker, "run-1", 9)
	got := waitForPositions(t, &low, 2)
	assert.Equal(t, []int64{10, 9}, got)
	assert.Equal(t, []int64{10}, high.got(), "cursor-10 subscriber must not see position 9")
}

func TestMalformedPayloadDoesNotBreakDelivery(t *testing.T) {
	w, broker, fetcher := newTestWatcher(t)
	fetcher.put("run-1", 1)
	fetcher.put("run-1", 2)

	var c collector
	_, err := w.Watch("run-1", 0, c.handler())
	require.NoError(t, err)

	publish(broker, "run-1", 1)
	broker.Publish(notify.DefaultChannel, "bad_payload_xyz")
	broker.Publish(notify.DefaultChannel, "no-separator")
	publish(broker, "run-1", 2)

	got := waitForPositions(t, &c, 2)
	assert.Equal(t, []int64{1, 2}, got)
	assert.NoError(t, w.Err())
}

func TestFanOutSharesOneFetch(t *testing.T) {
	w, broker, fetcher := newTestWatcher(t)
	fetcher.put("run-1", 4)

	var a, b, c collector
	for _, col := range []*collector{&a, &b, &c} {
		_, err := w.Watch("run-1", 0, col.handler())
		require.NoError(t, err)
	}

	publish(broker, "run-1", 4)
	waitForPositions(t, &a, 1)
	waitForPositions(t, &b, 1)
	waitForPositions(t, &c, 1)

	assert.Equal(t, int64(1), fetcher.fetches.Load(), "fan-out must share one fetch")
}

func TestNotificationForOtherStreamIgnored(t *testing.T) {
	w, broker, fetcher := newTestWatcher(t)
	fetcher.put("run-2", 1)

	var c collector
	_, err := w.Watch("run-1", 0, c.handler())
	require.NoError(t, err)

	publish(broker, "run-2", 1)
	settle()

	assert.Empty(t, c.got())
	assert.Equal(t, int64(0), fetcher.fetches.Load(), "unsubscribed streams must not trigger fetches")
}

func TestUnwatchStopsDeliveryButNotLoop(t *testing.T) {
	w, broker, fetcher := newTestWatcher(t)
	fetcher.put("run-1", 1)
	fetcher.put("run-1", 2)

	var c collector
	sub, err := w.Watch("run-1", 0, c.handler())
	require.NoError(t, err)

	publish(broker, "run-1", 1)
	waitForPositions(t, &c, 1)

	w.Unwatch("run-1", sub)
	assert.False(t, w.Watching("run-1"))
	publish(broker, "run-1", 2)
	settle()
	assert.Equal(t, []int64{1}, c.got())

	// double unwatch is a no-op
	w.Unwatch("run-1", sub)

	// the loop persists: a new subscription on the same watcher still works
	var c2 collector
	_, err = w.Watch("run-1", 0, c2.handler())
	require.NoError(t, err)
	publish(broker, "run-1", 2)
	assert.Equal(t, []int64{2}, waitForPositions(t, &c2, 1))
}

func TestFetchRaceIsDropped(t *testing.T) {
	w, broker, fetcher := newTestWatcher(t)

	var c collector
	_, err := w.Watch("run-1", 0, c.handler())
	require.NoError(t, err)

	// notified position never becomes visible
	publish(broker, "run-1", 99)
	settle()
	assert.Empty(t, c.got())
	assert.NoError(t, w.Err())

	// later valid notifications still flow
	fetcher.put("run-1", 100)
	publish(broker, "run-1", 100)
	assert.Equal(t, []int64{100}, waitForPositions(t, &c, 1))
}

func TestCallbackPanicDoesNotAbortFanOut(t *testing.T) {
	w, broker, fetcher := newTestWatcher(t)
	fetcher.put("run-1", 1)

	var c collector
	_, err := w.Watch("run-1", 0, func(eventlog.Record) { panic("subscriber bug") })
	require.NoError(t, err)
	_, err = w.Watch("run-1", 0, c.handler())
	require.NoError(t, err)

	publish(broker, "run-1", 1)
	assert.Equal(t, []int64{1}, waitForPositions(t, &c, 1))
	assert.NoError(t, w.Err())
}

func TestCloseWithoutWatchIsNoop(t *testing.T) {
	broker := notify.NewBroker(testPoll)
	w := New(broker, newFakeFetcher(), Config{})

	start := time.Now()
	require.NoError(t, w.Close())
	assert.Less(t, time.Since(start), testPoll, "close with no loop must return immediately")
	require.NoError(t, w.Close())
}

func TestCloseStopsLoopWithinPollInterval(t *testing.T) {
	w, _, _ := newTestWatcher(t)
	var c collector
	_, err := w.Watch("run-1", 0, c.handler())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, w.Close())
	assert.Less(t, time.Since(start), 10*testPoll)

	// idempotent
	require.NoError(t, w.Close())

	_, err = w.Watch("run-1", 0, c.handler())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentFirstWatchStartsOneLoop(t *testing.T) {
	w, broker, fetcher := newTestWatcher(t)
	fetcher.put("run-1", 1)

	var c collector
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.Watch("run-1", 0, c.handler())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	publish(broker, "run-1", 1)
	got := waitForPositions(t, &c, 8)
	// one loop, one fetch, eight deliveries
	assert.Len(t, got, 8)
	assert.Equal(t, int64(1), fetcher.fetches.Load())
}

func TestTransportFailureIsTerminal(t *testing.T) {
	broker := notify.NewBroker(testPoll)
	fetcher := newFakeFetcher()
	w := New(broker, fetcher, Config{})

	var c collector
	_, err := w.Watch("run-1", 0, c.handler())
	require.NoError(t, err)

	// closing the broker ends the sequence like a lost connection
	broker.Close()

	deadline := time.Now().Add(2 * time.Second)
	for w.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Error(t, w.Err())
	assert.Error(t, w.Close())
}

type memorySink struct {
	mu         sync.Mutex
	deliveries []sink.Delivery
}

func (m *memorySink) Send(_ context.Context, d sink.Delivery) error {
	m.mu.Lock()
	m.deliveries = append(m.deliveries, d)
	m.mu.Unlock()
	return nil
}

func (m *memorySink) got() []sink.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sink.Delivery(nil), m.deliveries...)
}

func TestDeliveriesAreExportedToSinks(t *testing.T) {
	broker := notify.NewBroker(testPoll)
	fetcher := newFakeFetcher()
	ms := &memorySink{}
	w := New(broker, fetcher, Config{Sinks: []sink.Sink{ms}})
	t.Cleanup(func() { _ = w.Close() })

	fetcher.put("run-1", 1)
	var a, b collector
	_, err := w.Watch("run-1", 0, a.handler())
	require.NoError(t, err)
	_, err = w.Watch("run-1", 0, b.handler())
	require.NoError(t, err)

	publish(broker, "run-1", 1)
	waitForPositions(t, &a, 1)
	waitForPositions(t, &b, 1)

	deadline := time.Now().Add(2 * time.Second)
	for len(ms.got()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ds := ms.got()
	require.Len(t, ds, 1, "one fan-out, one delivery event")
	assert.Equal(t, "run-1", ds[0].StreamID)
	assert.Equal(t, int64(1), ds[0].Position)
	assert.Equal(t, 2, ds[0].Subscribers)
}
