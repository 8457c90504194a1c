package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Broker is an in-process Source. It backs the sqlite event log store,
// where no server-side pub/sub exists, and is the workhorse for tests.
// Publish fans the payload out to every sequence subscribed to the
// channel; a sequence whose buffer is full drops the payload (delivery is
// best effort, same as a missed LISTEN window).
type Broker struct {
	mu           sync.Mutex
	subs         map[string][]*brokerSequence
	pollInterval time.Duration
	closed       bool
}

var errBrokerClosed = errors.New("notify: broker closed")

// NewBroker creates a broker. pollInterval <= 0 selects DefaultPollInterval.
func NewBroker(pollInterval time.Duration) *Broker {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Broker{subs: make(map[string][]*brokerSequence), pollInterval: pollInterval}
}

func (b *Broker) Subscribe(_ context.Context, channel string) (Sequence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBrokerClosed
	}
	q := &brokerSequence{
		broker:       b,
		channel:      channel,
		ch:           make(chan string, 256),
		done:         make(chan struct{}),
		pollInterval: b.pollInterval,
	}
	b.subs[channel] = append(b.subs[channel], q)
	return q, nil
}

// Publish delivers payload to all current subscribers of channel. The sends
// stay under the broker lock so a concurrent Close cannot terminate a
// sequence mid-publish; the payload channels themselves are never closed.
func (b *Broker) Publish(channel, payload string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, q := range b.subs[channel] {
		select {
		case q.ch <- payload:
		default:
		}
	}
}

// Close terminates every subscribed sequence by signalling its done channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, seqs := range b.subs {
		for _, q := range seqs {
			close(q.done)
		}
	}
	b.subs = make(map[string][]*brokerSequence)
}

func (b *Broker) drop(channel string, q *brokerSequence) {
	b.mu.Lock()
	defer b.mu.Unlock()
	seqs := b.subs[channel]
	for i, s := range seqs {
		if s == q {
			b.subs[channel] = append(seqs[:i:i], seqs[i+1:]...)
			break
		}
	}
	if len(b.subs[channel]) == 0 {
		delete(b.subs, channel)
	}
}

type brokerSequence struct {
	broker       *Broker
	channel      string
	ch           chan string
	done         chan struct{}
	pollInterval time.Duration
	closeOnce    sync.Once
}

func (q *brokerSequence) Next(ctx context.Context) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	// Termination preempts buffered payloads; a payload lost to Close is
	// the same missed window as on a dropped LISTEN connection.
	select {
	case <-q.done:
		return Item{}, errBrokerClosed
	default:
	}
	t := time.NewTimer(q.pollInterval)
	defer t.Stop()
	select {
	case payload := <-q.ch:
		return Item{Payload: payload}, nil
	case <-q.done:
		return Item{}, errBrokerClosed
	case <-ctx.Done():
		return Item{}, ctx.Err()
	case <-t.C:
		return Item{Timeout: true}, nil
	}
}

func (q *brokerSequence) Close() error {
	q.closeOnce.Do(func() { q.broker.drop(q.channel, q) })
	return nil
}
