package event

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/conductor/internal/logging"
)

// Handler is a function that handles an event.
type Handler func(Event)

type subscription struct {
	id        string
	eventType string
	handler   Handler
}

const wildcard = "*"

// Bus is the synchronous publish/subscribe channel of one project.
//
// Publish runs every handler on the caller's goroutine before returning, so
// events published by one goroutine reach each subscriber in that order.
type Bus struct {
	projectID     string
	logger        *logging.Logger
	mu            sync.RWMutex
	subscriptions map[string][]subscription // eventType -> subscriptions
	nextID        atomic.Uint64
	closed        atomic.Bool
	published     atomic.Uint64
}

// NewBus creates a bus for projectID. A nil logger discards handler panics.
func NewBus(projectID string, logger *logging.Logger) *Bus {
	return &Bus{
		projectID:     projectID,
		logger:        logging.OrNop(logger).WithProject(projectID),
		subscriptions: make(map[string][]subscription),
	}
}

// ProjectID returns the project the bus belongs to.
func (b *Bus) ProjectID() string {
	return b.projectID
}

// Subscribe registers a handler for a specific topic.
// Returns a subscription ID that can be used to unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.generateID()
	b.subscriptions[eventType] = append(b.subscriptions[eventType], subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
	})
	return id
}

// SubscribeAll registers a handler for every topic.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(wildcard, handler)
}

// Unsubscribe removes a subscription by ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				next := make([]subscription, 0, len(subs)-1)
				next = append(next, subs[:i]...)
				b.subscriptions[eventType] = append(next, subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish dispatches an event to all registered handlers.
// Topic handlers are called first, then wildcard handlers, each group in
// registration order. A panicking handler is logged and skipped.
// Publishing on a closed bus is a no-op.
func (b *Bus) Publish(event Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	eventType := event.EventType()
	specific := make([]subscription, len(b.subscriptions[eventType]))
	copy(specific, b.subscriptions[eventType])
	all := make([]subscription, len(b.subscriptions[wildcard]))
	copy(all, b.subscriptions[wildcard])
	b.mu.RUnlock()

	b.published.Add(1)
	for _, sub := range specific {
		b.safeCall(sub.handler, event)
	}
	for _, sub := range all {
		b.safeCall(sub.handler, event)
	}
}

func (b *Bus) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", event.EventType(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	handler(event)
}

func (b *Bus) generateID() string {
	return fmt.Sprintf("sub-%d", b.nextID.Add(1))
}

// Close drops every subscription and makes later publishes no-ops.
func (b *Bus) Close() {
	b.closed.Store(true)
	b.Clear()
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	return b.closed.Load()
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = make(map[string][]subscription)
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}

// Published returns how many events have been dispatched.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}
