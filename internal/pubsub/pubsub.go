// Package pubsub fans out snapshots to channel subscribers without ever
// blocking the publisher.
package pubsub

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Broker delivers every published value to all current subscribers. A
// subscriber whose buffer is full misses that value.
type Broker[T any] struct {
	topic  string
	clone  func(T) T
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int]chan T
	nextID int
	closed bool

	dropped atomic.Uint64
}

// NewBroker creates a broker for topic. clone, when set, gives each
// subscriber its own copy of a published value.
func NewBroker[T any](topic string, clone func(T) T, logger *slog.Logger) *Broker[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker[T]{
		topic:  topic,
		clone:  clone,
		logger: logger,
		subs:   make(map[int]chan T),
	}
}

// Subscribe registers a subscriber with the given channel buffer. The
// returned func unsubscribes and closes the channel; calling it more than
// once is safe.
func (b *Broker[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

// Publish sends v to every subscriber that has room
func (b *Broker[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		out := v
		if b.clone != nil {
			out = b.clone(v)
		}
		select {
		case ch <- out:
		default:
			b.dropped.Add(1)
			b.logger.Warn("subscriber too slow, dropping update", "topic", b.topic, "subscriber", id)
		}
	}
}

// Subscribers returns the number of live subscribers
func (b *Broker[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers
func (b *Broker[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel; later Subscribe calls get a closed
// channel
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
