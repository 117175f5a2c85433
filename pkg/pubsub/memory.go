package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryBroker is an in-process bus shared by any number of MemoryPubSub
// clients. Each client behaves like a separate process connected to the
// same Redis: events go through JSON and every subscriber of a channel,
// the publisher included, receives them.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySubscription]struct{} // channel → subscriptions
}

type memorySubscription struct {
	ch     chan *Event
	once   sync.Once
	closed bool
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs: make(map[string]map[*memorySubscription]struct{}),
	}
}

// Client returns a new PubSub connected to the broker.
func (b *MemoryBroker) Client() *MemoryPubSub {
	return &MemoryPubSub{
		broker:        b,
		subscriptions: make(map[string]*memorySubscription),
	}
}

func (b *MemoryBroker) publish(channel string, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[channel] {
		if sub.closed {
			continue
		}
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		select {
		case sub.ch <- &event:
		default:
			// Channel full, skip message
		}
	}
}

func (b *MemoryBroker) add(channel string, sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[channel]; !ok {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
}

func (b *MemoryBroker) remove(channel string, sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs[channel], sub)
	if len(b.subs[channel]) == 0 {
		delete(b.subs, channel)
	}
	sub.closed = true
	sub.once.Do(func() { close(sub.ch) })
}

// MemoryPubSub implements PubSub on top of a MemoryBroker.
type MemoryPubSub struct {
	broker        *MemoryBroker
	subscriptions map[string]*memorySubscription
	mu            sync.Mutex
	closed        bool
}

// Publish publishes an event to the specified channel.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return fmt.Errorf("memory pubsub: client closed")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	m.broker.publish(channel, data)
	return nil
}

// Subscribe subscribes to a specific channel. The subscription is closed
// when ctx is done.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("memory pubsub: client closed")
	}
	if existing, ok := m.subscriptions[channel]; ok {
		m.broker.remove(channel, existing)
	}

	sub := &memorySubscription{ch: make(chan *Event, 1024)}
	m.broker.add(channel, sub)
	m.subscriptions[channel] = sub

	go func() {
		<-ctx.Done()
		m.broker.remove(channel, sub)
	}()

	return sub.ch, nil
}

// Unsubscribe unsubscribes from a channel.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.subscriptions[channel]; ok {
		m.broker.remove(channel, sub)
		delete(m.subscriptions, channel)
	}
	return nil
}

// Close closes all subscriptions of this client.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for channel, sub := range m.subscriptions {
		m.broker.remove(channel, sub)
	}
	m.subscriptions = make(map[string]*memorySubscription)
	m.closed = true
	return nil
}
