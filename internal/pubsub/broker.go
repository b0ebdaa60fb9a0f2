// Package pubsub provides a generic in-process publish/subscribe broker.
// It is the delivery primitive underneath the typed event bus: subscribers
// receive events over buffered channels scoped to a context, and slow
// subscribers drop rather than block the publisher.
package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// Event wraps a payload with its publication timestamp.
type Event[T any] struct {
	Payload   T
	Timestamp time.Time
}

// Broker is a generic pub/sub event broker. The zero value is not usable;
// construct with NewBroker.
type Broker[T any] struct {
	subs       map[chan Event[T]]struct{}
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int
}

// NewBroker creates a broker with the default per-subscriber buffer (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with a custom per-subscriber buffer.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Broker[T]{
		subs:       make(map[chan Event[T]]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe creates a new subscription channel. The channel is closed when
// ctx is cancelled or the broker is closed. Subscribing to a closed broker
// returns an already-closed channel.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Event[T], b.bufferSize)
	b.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return // Close() already closed the channel
		}
		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return
		default:
		}

		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish sends a payload to all subscribers. Non-blocking: events are
// dropped for subscribers whose channels are full.
func (b *Broker[T]) Publish(payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	event := Event[T]{Payload: payload, Timestamp: time.Now()}

	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			// Channel full - drop to prevent blocking the publisher.
		}
	}
}

// Close shuts down the broker and all subscriber channels.
// Safe to call multiple times.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
