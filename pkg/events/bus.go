package events

import (
	"sync"

	"go.uber.org/zap"
)

// Handler receives published events
type Handler func(Event)

// Publisher is the narrow interface producers depend on
type Publisher interface {
	Publish(ev Event)
}

// Bus is a synchronous observer list. Handlers run on the publisher's
// goroutine in subscription order; a panicking handler is logged and skipped.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]Handler
	order    []uint64
}

// NewBus creates an empty bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:   logger,
		handlers: make(map[uint64]Handler),
	}
}

// Subscribe registers h for every event and returns its unsubscribe func.
// Calling the returned func more than once is a no-op.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// SubscribeTo registers h for the named events only
func (b *Bus) SubscribeTo(h Handler, names ...Name) func() {
	set := make(map[Name]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return b.Subscribe(func(ev Event) {
		if _, ok := set[ev.EventName()]; ok {
			h(ev)
		}
	})
}

// Publish delivers ev to every handler registered at the time of the call
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		hs = append(hs, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range hs {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("event", string(ev.EventName())),
				zap.String("user_id", ev.EventMeta().UserID),
				zap.Any("panic", r))
		}
	}()
	h(ev)
}

// Len returns the number of subscribed handlers
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
