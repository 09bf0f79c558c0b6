// Package events provides the in-process notification fabric for asset
// lifecycle transitions.
//
// Delivery is synchronous: every handler subscribed at publish time runs on
// the publisher's goroutine before Publish returns, so for a single asset the
// observed event order matches the actual state transitions. The bus is an
// explicitly constructed dependency owned by the composition root, never a
// package-level singleton.
package events

import (
	"sync"
	"sync/atomic"
)

// Type names an asset lifecycle transition.
type Type string

const (
	// Queued fires when an asset is recorded in the spool.
	Queued Type = "queued"
	// Uploading fires when a drain reserves an asset for delivery.
	Uploading Type = "uploading"
	// Uploaded fires when delivery succeeds; the event carries the server id.
	Uploaded Type = "uploaded"
	// Failed fires when an asset exhausts its retries and is parked.
	Failed Type = "failed"
)

// Event is the payload delivered to subscribers.
type Event struct {
	Type     Type
	AssetID  int64
	ServerID string
	Retries  int
}

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine and must not block for long.
type Handler func(Event)

// Subscription identifies one registered handler. Unsubscribe may be called
// at any time, including from inside a handler during delivery, and is
// idempotent.
type Subscription struct {
	bus     *Bus
	typ     Type
	id      uint64
	handler Handler
	active  atomic.Bool
}

// Unsubscribe removes the handler. After it returns the handler will not be
// invoked again; a delivery in progress on another goroutine may still
// complete its current call.
func (s *Subscription) Unsubscribe() {
	if s == nil || !s.active.CompareAndSwap(true, false) {
		return
	}
	s.bus.remove(s)
}

// Bus is a synchronous in-process publish/subscribe hub.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[Type][]*Subscription
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Type][]*Subscription)}
}

// Subscribe registers handler for events of the given type and returns the
// handle used to unsubscribe.
func (b *Bus) Subscribe(typ Type, handler Handler) *Subscription {
	sub := &Subscription{bus: b, typ: typ, handler: handler}
	sub.active.Store(true)
	if handler == nil {
		sub.active.Store(false)
		return sub
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[typ] = append(b.subs[typ], sub)
	b.mu.Unlock()
	return sub
}

// Publish delivers the event to every handler subscribed for its type. The
// subscriber set is snapshotted under the lock and invoked outside it, so
// handlers can subscribe or unsubscribe freely during delivery.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	snapshot := append([]*Subscription(nil), b.subs[evt.Type]...)
	b.mu.Unlock()

	for _, sub := range snapshot {
		if sub.active.Load() {
			sub.handler(evt)
		}
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.typ]
	for i, candidate := range list {
		if candidate.id == sub.id {
			b.subs[sub.typ] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}
