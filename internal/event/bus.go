// Package event implements the ordered inbound event bus. All wire events
// flow through a single dispatch goroutine, so handlers for the same room
// always observe events in receipt order and component state is never seen
// mid-mutation.
package event

import (
	"sync"

	"go.uber.org/zap"

	"chatsync/internal/protocol"
	"chatsync/pkg/logger"
	"chatsync/pkg/metrics"
)

// Handler processes a single wire event
type Handler func(env protocol.Envelope)

type subscription struct {
	id      int
	handler Handler
}

// Bus routes named wire events to ordered handler lists
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	nextID   int
	closed   bool

	queue chan protocol.Envelope
	done  chan struct{}
}

// NewBus creates a bus and starts its dispatch loop
func NewBus() *Bus {
	b := &Bus{
		handlers: make(map[string][]subscription),
		queue:    make(chan protocol.Envelope, 256),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// run is the single dispatch goroutine
func (b *Bus) run() {
	defer close(b.done)
	for env := range b.queue {
		b.dispatch(env)
	}
}

func (b *Bus) dispatch(env protocol.Envelope) {
	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[env.Event]))
	copy(subs, b.handlers[env.Event])
	b.mu.RUnlock()

	if len(subs) == 0 {
		logger.Debug("no handler for event", zap.String("event", env.Event))
		return
	}

	metrics.EventsDispatchedTotal.WithLabelValues(env.Event).Inc()
	for _, sub := range subs {
		sub.handler(env)
	}
}

// Subscribe registers a handler for a wire event and returns a disposer.
// Handlers for the same event run in subscription order.
func (b *Bus) Subscribe(eventName string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[eventName] = append(b.handlers[eventName], subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[eventName]
		for i, sub := range subs {
			if sub.id == id {
				b.handlers[eventName] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish enqueues an event for ordered dispatch
func (b *Bus) Publish(env protocol.Envelope) {
	// The read lock is held across the send so Close cannot close the
	// queue underneath an in-flight Publish.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.queue <- env
}

// Close stops the dispatch loop after draining queued events
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.queue)
	<-b.done
}
