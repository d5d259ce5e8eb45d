package ble

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler receives bus events.
type Handler func(Event)

type subscriber struct {
	id      uint64
	match   func(Origin) bool
	handler Handler
	box     *mailbox[Event]
	once    sync.Once
}

// Bus is an in-process, goroutine-safe event bus owned by one session.
// Each subscriber has its own delivery goroutine, so a subscriber sees
// events in publish order and a slow subscriber never stalls the session.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewBus creates an event bus. A nil logger uses slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Publish queues e for every matching subscriber.
func (b *Bus) Publish(e Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.match == nil || s.match(e.Origin()) {
			s.box.put(e)
		}
	}
}

// Subscribe registers a handler for events from one origin.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(origin Origin, handler Handler) func() {
	return b.subscribe(func(o Origin) bool { return o == origin }, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler Handler) func() {
	return b.subscribe(nil, handler)
}

func (b *Bus) subscribe(match func(Origin) bool, handler Handler) func() {
	s := &subscriber{
		id:      b.nextID.Add(1),
		match:   match,
		handler: handler,
		box:     newMailbox[Event](),
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(s)

	return func() {
		b.mu.Lock()
		for i, other := range b.subs {
			if other.id == s.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		s.once.Do(s.box.close)
	}
}

func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()
	for range s.box.ready {
		for _, e := range s.box.drain() {
			b.deliver(s, e)
		}
		if s.box.isClosed() {
			for _, e := range s.box.drain() {
				b.deliver(s, e)
			}
			return
		}
	}
}

func (b *Bus) deliver(s *subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("[BLE] event handler panicked",
				"origin", e.Origin().String(),
				"panic", r,
			)
		}
	}()
	s.handler(e)
}

// Close stops accepting events and waits for subscribers to finish what was
// already published. Close is idempotent. Do not call it from a handler.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		s.once.Do(s.box.close)
	}
	b.wg.Wait()
}
