package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPoll = 20 * time.Millisecond

func TestBrokerDeliversPublishedPayloads(t *testing.T) {
	b := NewBroker(testPoll)
	defer b.Close()

	seq, err := b.Subscribe(context.Background(), "run_events")
	require.NoError(t, err)
	defer func() { _ = seq.Close() }()

	b.Publish("run_events", "run-1_3")
	b.Publish("other_channel", "run-9_1")

	item, err := seq.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-1_3", item.Payload)

	// other channels must not leak in; next read times out
	item, err = seq.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, item.Timeout)
}

func TestBrokerTimeoutMarker(t *testing.T) {
	b := NewBroker(testPoll)
	defer b.Close()

	seq, err := b.Subscribe(context.Background(), "run_events")
	require.NoError(t, err)

	start := time.Now()
	item, err := seq.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, item.Timeout)
	assert.GreaterOrEqual(t, time.Since(start), testPoll)
}

func TestBrokerCancellationEndsSequence(t *testing.T) {
	b := NewBroker(testPoll)
	defer b.Close()

	seq, err := b.Subscribe(context.Background(), "run_events")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = seq.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBrokerCloseTerminatesSubscribers(t *testing.T) {
	b := NewBroker(testPoll)
	seq, err := b.Subscribe(context.Background(), "run_events")
	require.NoError(t, err)

	b.Close()
	_, err = seq.Next(context.Background())
	assert.Error(t, err)

	_, err = b.Subscribe(context.Background(), "run_events")
	assert.Error(t, err, "closed broker must reject new subscriptions")
}

func TestBrokerSequenceCloseUnsubscribes(t *testing.T) {
	b := NewBroker(testPoll)
	defer b.Close()

	seq, err := b.Subscribe(context.Background(), "run_events")
	require.NoError(t, err)
	require.NoError(t, seq.Close())
	require.NoError(t, seq.Close())

	// publish after unsubscribe must not panic or deliver
	b.Publish("run_events", "run-1_1")
}

func TestBrokerPublishDuringCloseDoesNotPanic(t *testing.T) {
	for i := 0; i < 200; i++ {
		b := NewBroker(testPoll)
		seq, err := b.Subscribe(context.Background(), "run_events")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					b.Publish("run_events", "run-1_1")
				}
			}()
		}
		b.Close()
		wg.Wait()

		_, err = seq.Next(context.Background())
		assert.Error(t, err, "closed broker must terminate the sequence")
	}
}

func TestBrokerFanOutToMultipleSequences(t *testing.T) {
	b := NewBroker(testPoll)
	defer b.Close()

	s1, err := b.Subscribe(context.Background(), "run_events")
	require.NoError(t, err)
	s2, err := b.Subscribe(context.Background(), "run_events")
	require.NoError(t, err)

	b.Publish("run_events", "run-1_5")

	for _, seq := range []Sequence{s1, s2} {
		item, err := seq.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "run-1_5", item.Payload)
	}
}
