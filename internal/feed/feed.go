package feed

import (
	"context"
	"sync"
)

const defaultBufferSize = 16

// Bus fans change events out to every subscriber of a topic. Publishing never
// blocks: a subscriber whose buffer is full misses the event and is expected
// to recover through its own catch-up query, the same way a dropped snapshot
// listener re-reads the backing store.
type Bus[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber[T]
	nextID      int64
	bufferSize  int
}

type subscriber[T any] struct {
	id     int64
	stream chan T
}

// NewBus constructs an empty Bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{
		subscribers: make(map[string]map[int64]*subscriber[T]),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a listener for the topic. The returned cancel function
// releases the subscription; cancelling the context does the same.
func (b *Bus[T]) Subscribe(ctx context.Context, topic string) (<-chan T, func()) {
	if topic == "" {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber[T]{
		id:     b.nextSequence(),
		stream: make(chan T, b.bufferSize),
	}
	b.register(topic, sub)
	cancel := func() {
		b.unregister(topic, sub.id)
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return sub.stream, cancel
}

// Publish delivers the event to every current subscriber of the topic.
func (b *Bus[T]) Publish(topic string, event T) {
	if topic == "" {
		return
	}
	b.mu.RLock()
	subscribers := b.subscribers[topic]
	if len(subscribers) == 0 {
		b.mu.RUnlock()
		return
	}
	copies := make([]*subscriber[T], 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	b.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscriptions for a topic.
func (b *Bus[T]) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

func (b *Bus[T]) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *Bus[T]) register(topic string, sub *subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[int64]*subscriber[T])
	}
	b.subscribers[topic][sub.id] = sub
}

func (b *Bus[T]) unregister(topic string, subscriberID int64) {
	b.mu.Lock()
	subscribers := b.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(b.subscribers, topic)
		}
	}
	b.mu.Unlock()
}
