// Package events provides synchronous, panic-isolated event distribution
// from the pipeline loops to host-application subscribers.
//
// Handlers run on the publishing loop's goroutine at the moment the event is
// produced. A panicking handler is recovered and logged, never propagated
// back into the loop.
package events

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrBusClosed          = errors.New("events: bus is closed")
	ErrSubscriberExists   = errors.New("events: subscriber already exists")
	ErrSubscriberNotFound = errors.New("events: subscriber not found")
	ErrNilHandler         = errors.New("events: nil handler provided")
)

// Type identifies one of the four pipeline event streams.
type Type string

const (
	StabilityChanged   Type = "stability-changed"
	HypothesesUpdated  Type = "hypotheses-updated"
	CardIdentified     Type = "card-identified"
	CardCommitted      Type = "card-committed"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      Type
	Data      interface{}
	Timestamp time.Time
}

// Handler receives events. It must not block the producing loop for long.
type Handler func(Event)

// SubscriberStats tracks delivery metrics for one subscriber.
type SubscriberStats struct {
	Delivered uint64
	Panics    uint64
}

type subscriber struct {
	id        string
	eventType Type
	handler   Handler
	stats     *SubscriberStats
}

// Bus distributes pipeline events to registered handlers.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[Type]map[string]*subscriber
	totalPublished uint64
	closed         bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[Type]map[string]*subscriber),
	}
}

// Subscribe registers a handler for one event type under a caller-chosen id.
func (b *Bus) Subscribe(id string, t Type, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if h == nil {
		return ErrNilHandler
	}

	byID, ok := b.subscribers[t]
	if !ok {
		byID = make(map[string]*subscriber)
		b.subscribers[t] = byID
	}
	if _, exists := byID[id]; exists {
		return ErrSubscriberExists
	}

	byID[id] = &subscriber{
		id:        id,
		eventType: t,
		handler:   h,
		stats:     &SubscriberStats{},
	}
	return nil
}

// Unsubscribe removes a handler registered with Subscribe.
func (b *Bus) Unsubscribe(id string, t Type) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	byID, ok := b.subscribers[t]
	if !ok {
		return ErrSubscriberNotFound
	}
	if _, exists := byID[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(byID, id)
	return nil
}

// Publish delivers the event synchronously to all current subscribers of its
// type. Subscriber panics are recovered and logged.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	byID := b.subscribers[ev.Type]
	targets := make([]*subscriber, 0, len(byID))
	for _, sub := range byID {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	atomic.AddUint64(&b.totalPublished, 1)

	for _, sub := range targets {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&sub.stats.Panics, 1)
			slog.Error("event subscriber panicked",
				"subscriber_id", sub.id,
				"event_type", string(ev.Type),
				"panic", r,
			)
		}
	}()

	sub.handler(ev)
	atomic.AddUint64(&sub.stats.Delivered, 1)
}

// Stats returns delivery statistics for a subscriber.
func (b *Bus) Stats(id string, t Type) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	byID, ok := b.subscribers[t]
	if !ok {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	sub, exists := byID[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}

	return SubscriberStats{
		Delivered: atomic.LoadUint64(&sub.stats.Delivered),
		Panics:    atomic.LoadUint64(&sub.stats.Panics),
	}, nil
}

// TotalPublished returns the number of events published so far.
func (b *Bus) TotalPublished() uint64 {
	return atomic.LoadUint64(&b.totalPublished)
}

// Close shuts down the bus. Further publishes are dropped silently.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.subscribers = nil
}
