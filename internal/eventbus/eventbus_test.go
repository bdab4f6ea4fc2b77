package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLocalEventBusDeliversToSubscriber(t *testing.T) {
	bus := NewLocalEventBus()
	defer bus.Close()

	var mu sync.Mutex
	var got *Event
	done := make(chan struct{})

	unsub := bus.Subscribe(TopicWorkerSpawned, func(_ context.Context, e *Event) error {
		mu.Lock()
		got = e
		mu.Unlock()
		close(done)
		return nil
	})
	defer unsub()

	if err := bus.Publish(context.Background(), &Event{Topic: TopicWorkerSpawned, Source: "test"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil || got.Source != "test" {
		t.Fatalf("unexpected delivered event: %+v", got)
	}
}

func TestLocalEventBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewLocalEventBus()
	defer bus.Close()

	calls := 0
	var mu sync.Mutex
	unsub := bus.Subscribe(TopicCertMinted, func(_ context.Context, _ *Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	unsub()

	bus.Publish(context.Background(), &Event{Topic: TopicCertMinted})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d calls", calls)
	}
}

func TestLocalEventBusPublishAfterCloseIsNoop(t *testing.T) {
	bus := NewLocalEventBus()
	bus.Close()
	if err := bus.Publish(context.Background(), &Event{Topic: TopicWorkerExited}); err != nil {
		t.Fatalf("expected nil error after close, got %v", err)
	}
}

type fakePubSub struct {
	mu       sync.Mutex
	handlers map[string][]func([]byte)
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{handlers: make(map[string][]func([]byte))}
}

func (f *fakePubSub) Publish(_ context.Context, channel string, message []byte) error {
	f.mu.Lock()
	hs := append([]func([]byte){}, f.handlers[channel]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(message)
	}
	return nil
}

func (f *fakePubSub) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	f.mu.Lock()
	f.handlers[channel] = append(f.handlers[channel], handler)
	f.mu.Unlock()
	return func() {}, nil
}

func TestRedisEventBusRoundTrip(t *testing.T) {
	client := newFakePubSub()
	bus := NewRedisEventBus(client, "")
	defer bus.Close()

	done := make(chan *Event, 1)
	bus.Subscribe(TopicBodyOffloaded, func(_ context.Context, e *Event) error {
		done <- e
		return nil
	})

	if err := bus.Publish(context.Background(), &Event{Topic: TopicBodyOffloaded, Source: "mitm"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case e := <-done:
		if e.Source != "mitm" {
			t.Fatalf("unexpected event: %+v", e)
		}
		if e.ID == "" {
			t.Fatal("expected Publish to assign an ID")
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}
