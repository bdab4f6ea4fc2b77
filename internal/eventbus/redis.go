package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// PubSubClient is a minimal interface for Redis Pub/Sub operations, kept
// separate from a general key-value client since pub/sub has its own
// connection and delivery model.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisEventBus distributes events across processes over Redis Pub/Sub,
// so a cert minted by one MITM interceptor or a worker spawned by one
// manager is observable from every other proxy process sharing the same
// Redis instance. In-process subscribers receive events through their Redis
// subscription; they are delivered directly only when a publish to Redis
// fails.
type RedisEventBus struct {
	mu         sync.RWMutex
	client     PubSubClient
	prefix     string
	localSubs  map[Topic][]subscriberEntry
	nextID     int
	unsubFuncs []func()
	closed     bool
}

// NewRedisEventBus creates a new Redis-backed event bus. channelPrefix
// defaults to "proxyfabric:events:".
func NewRedisEventBus(client PubSubClient, channelPrefix string) *RedisEventBus {
	if channelPrefix == "" {
		channelPrefix = "proxyfabric:events:"
	}
	return &RedisEventBus{
		client:    client,
		prefix:    channelPrefix,
		localSubs: make(map[Topic][]subscriberEntry),
	}
}

// Publish sends an event to Redis so all processes receive it, falling
// back to local-only delivery if the publish itself fails.
func (b *RedisEventBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("eventbus: bus is closed")
	}
	b.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}

	channel := b.prefix + string(event.Topic)
	if err := b.client.Publish(ctx, channel, data); err != nil {
		slog.Warn("eventbus: redis publish failed, delivering locally only", "topic", event.Topic, "error", err)
		b.deliverLocal(ctx, event)
		return nil
	}
	return nil
}

// Subscribe registers a handler for a topic. The handler receives events
// published by every process sharing this Redis instance, plus any
// published locally.
func (b *RedisEventBus) Subscribe(topic Topic, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.localSubs[topic] = append(b.localSubs[topic], subscriberEntry{id: id, handler: handler})

	channel := b.prefix + string(topic)
	unsub, err := b.client.Subscribe(context.Background(), channel, func(data []byte) {
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			slog.Warn("eventbus: failed to unmarshal event", "error", err)
			return
		}
		b.deliverLocal(context.Background(), &event)
	})
	if err != nil {
		slog.Warn("eventbus: redis subscribe failed, local-only mode", "topic", topic, "error", err)
	} else {
		b.unsubFuncs = append(b.unsubFuncs, unsub)
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.localSubs[topic]
		for i, entry := range subs {
			if entry.id == id {
				b.localSubs[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close shuts down the bus and all Redis subscriptions.
func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, unsub := range b.unsubFuncs {
		unsub()
	}
	b.unsubFuncs = nil
	b.localSubs = nil
	return nil
}

func (b *RedisEventBus) deliverLocal(ctx context.Context, event *Event) {
	b.mu.RLock()
	handlers := b.localSubs[event.Topic]
	b.mu.RUnlock()

	for _, entry := range handlers {
		h := entry.handler
		go func() {
			if err := h(ctx, event); err != nil {
				slog.Warn("eventbus: redis handler error", "topic", event.Topic, "error", err)
			}
		}()
	}
}
