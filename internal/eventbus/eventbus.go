// Package eventbus provides a pluggable publish/subscribe channel for
// worker-lifecycle events: a worker spawned or exited, a leaf certificate
// was minted for a host, a request body was offloaded to object storage.
// Nothing in the dispatch path depends on delivery — it exists purely for
// observability and cache-warming hooks across processes.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Topic classifies event categories.
type Topic string

const (
	TopicWorkerSpawned    Topic = "worker.spawned"
	TopicWorkerExited     Topic = "worker.exited"
	TopicCertMinted       Topic = "mitm.cert.minted"
	TopicBodyOffloaded    Topic = "objectstore.body.offloaded"
	TopicRequestDispatched Topic = "dispatch.request.completed"
)

// Event is one occurrence published on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Topic     Topic                  `json:"topic"`
	Source    string                 `json:"source"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler processes events of a subscribed topic.
type Handler func(ctx context.Context, event *Event) error

// Bus provides publish/subscribe for eventbus events.
type Bus interface {
	Publish(ctx context.Context, event *Event) error
	Subscribe(topic Topic, handler Handler) (unsubscribe func())
	Close() error
}

// =============================================================================
// Local bus (in-process)
// =============================================================================

// LocalEventBus is an in-memory pub/sub implementation. Use it when the
// proxy, dispatcher, and worker manager all run in the same process.
type LocalEventBus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]subscriberEntry
	nextID      int
	closed      bool
}

type subscriberEntry struct {
	id      int
	handler Handler
}

// NewLocalEventBus creates a new in-memory event bus.
func NewLocalEventBus() *LocalEventBus {
	return &LocalEventBus{subscribers: make(map[Topic][]subscriberEntry)}
}

// Publish fans an event out to all matching subscribers asynchronously.
func (b *LocalEventBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	for _, entry := range b.subscribers[event.Topic] {
		h := entry.handler
		go func() {
			if err := h(ctx, event); err != nil {
				slog.Warn("eventbus: local handler error", "topic", event.Topic, "error", err)
			}
		}()
	}
	return nil
}

// Subscribe registers a handler for a specific topic.
func (b *LocalEventBus) Subscribe(topic Topic, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscribers[topic] = append(b.subscribers[topic], subscriberEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[topic]
		for i, entry := range subs {
			if entry.id == id {
				b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close shuts down the bus. Publish becomes a no-op afterward.
func (b *LocalEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = nil
	return nil
}
