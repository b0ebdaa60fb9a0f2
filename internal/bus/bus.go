package bus

import (
	"fmt"
	"sync"

	"github.com/zmcptools/zmcp/internal/log"
)

// DefaultHistorySize is the per-kind ring capacity.
const DefaultHistorySize = 1024

// Handler receives a delivered event. Handlers must not block; anything
// heavy posts to its own queue and returns.
type Handler func(Event)

// SubscriptionID identifies a live subscription for unsubscribe.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	kind    Kind
	filter  Filter
	handler Handler
}

// EventBus is the process-wide typed pub/sub. It is an explicit dependency
// of every component, never a package singleton; tests construct a fresh
// bus per case.
type EventBus struct {
	mu     sync.RWMutex
	nextID SubscriptionID
	// subs preserves subscription order per kind, the delivery order.
	subs    map[Kind][]*subscription
	history map[Kind]*ring
	histCap int
	closed  bool
}

// New creates an event bus with the default history capacity.
func New() *EventBus {
	return NewWithHistory(DefaultHistorySize)
}

// NewWithHistory creates an event bus keeping up to n events per kind.
func NewWithHistory(n int) *EventBus {
	if n <= 0 {
		n = DefaultHistorySize
	}
	return &EventBus{
		subs:    make(map[Kind][]*subscription),
		history: make(map[Kind]*ring),
		histCap: n,
	}
}

// Subscribe registers a handler for a kind. The returned id is used to
// unsubscribe. Subscribing on a closed bus returns an error.
func (b *EventBus) Subscribe(kind Kind, handler Handler) (SubscriptionID, error) {
	return b.SubscribeFiltered(kind, Filter{}, handler)
}

// SubscribeFiltered registers a handler receiving only events matching the
// filter. All set filter fields must match for delivery.
func (b *EventBus) SubscribeFiltered(kind Kind, filter Filter, handler Handler) (SubscriptionID, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("subscribe: unknown event kind %q", kind)
	}
	if handler == nil {
		return 0, fmt.Errorf("subscribe: nil handler for kind %q", kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, fmt.Errorf("subscribe: bus is closed")
	}

	b.nextID++
	sub := &subscription{id: b.nextID, kind: kind, filter: filter, handler: handler}
	b.subs[kind] = append(b.subs[kind], sub)
	return sub.id, nil
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *EventBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for kind, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit publishes an event to all matching subscribers, in subscription
// order, on the caller's goroutine. Fire and forget: a handler panic is
// logged and does not affect other handlers. Emitting on a closed bus or
// with an unknown kind is a silent no-op beyond a warning log.
func (b *EventBus) Emit(event Event) {
	if !event.Kind.Valid() {
		log.Warn(log.CatBus, "dropping event with unknown kind", "kind", event.Kind)
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	r, ok := b.history[event.Kind]
	if !ok {
		r = newRing(b.histCap)
		b.history[event.Kind] = r
	}
	r.push(event)

	// Snapshot under the lock so delivery order is stable even when a
	// handler subscribes or unsubscribes reentrantly.
	subs := make([]*subscription, len(b.subs[event.Kind]))
	copy(subs, b.subs[event.Kind])
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.filter.Matches(event) {
			continue
		}
		deliver(sub, event)
	}
}

func deliver(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBus, "recovered handler panic",
				"kind", event.Kind, "subscription", sub.id, "panic", fmt.Sprintf("%v", r))
		}
	}()
	sub.handler(event)
}

// History returns a copy of the retained events for a kind, oldest first.
// Debugging aid only; not part of the delivery contract.
func (b *EventBus) History(kind Kind) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.history[kind]
	if !ok {
		return nil
	}
	return r.snapshot()
}

// SubscriberCount returns the number of live subscriptions for a kind.
func (b *EventBus) SubscriberCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

// Close rejects new subscriptions and drops all existing ones. Emit after
// Close is a no-op. Safe to call multiple times.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.subs = make(map[Kind][]*subscription)
}

// ring is a fixed-capacity event buffer keeping the most recent entries.
type ring struct {
	buf   []Event
	head  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) push(e Event) {
	r.buf[(r.head+r.count)%len(r.buf)] = e
	if r.count < len(r.buf) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

func (r *ring) snapshot() []Event {
	out := make([]Event, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
