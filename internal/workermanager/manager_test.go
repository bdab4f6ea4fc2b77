package workermanager

import (
	"context"
	"testing"
	"time"

	"github.com/ocx/proxyfabric/internal/invoker"
	"github.com/ocx/proxyfabric/internal/queue"
)

// fakeInvoker drains one task off the manager's queue and replies with a
// single whole result, simulating one short invocation of a long-lived
// worker that happens to finish after a single task.
type fakeInvoker struct {
	q queue.QueuePair
}

func (f *fakeInvoker) Invoke(ctx context.Context, function string, payload []byte) (*invoker.Reply, error) {
	msgs, err := f.q.ReceiveTasks(ctx, 5)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if err := f.q.SendResult(ctx, append([]byte("echo:"), msg.Body...), map[string]string{
			attrTaskID: msg.ID,
		}); err != nil {
			return nil, err
		}
		f.q.Delete(ctx, []queue.Message{msg})
	}
	return &invoker.Reply{}, nil
}

func TestManagerSubmitRoundTrip(t *testing.T) {
	q := queue.NewMemoryQueuePair(16)
	mgr := NewManager(q, &fakeInvoker{q: q}, Config{
		Function:           "test-worker",
		Payload:            func() []byte { return nil },
		MaxWorkers:         2,
		LoadFactor:         2,
		HandlerConcurrency: 4,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go mgr.Start(ctx)

	result, err := mgr.Submit(ctx, []byte("hello"), nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if string(result) != "echo:hello" {
		t.Fatalf("unexpected result: %q", result)
	}
}

func TestFutureFragmentReassembly(t *testing.T) {
	fut := NewFuture()
	if complete := fut.AddFragment(1, 3, []byte("b")); complete {
		t.Fatal("expected incomplete after first of three fragments")
	}
	if complete := fut.AddFragment(1, 3, []byte("b-dup")); complete {
		t.Fatal("duplicate fragment id must not advance completion")
	}
	if complete := fut.AddFragment(0, 3, []byte("a")); complete {
		t.Fatal("expected incomplete after two of three fragments")
	}
	if complete := fut.AddFragment(2, 3, []byte("c")); !complete {
		t.Fatal("expected completion after third fragment")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := fut.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("unexpected reassembled result: %q", got)
	}
}

func TestFutureSetIsSingleShot(t *testing.T) {
	fut := NewFuture()
	fut.Set([]byte("first"), nil)
	fut.Set([]byte("second"), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := fut.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "first" {
		t.Fatalf("expected first Set to win, got %q", got)
	}
}

func TestShouldSpawnLocked(t *testing.T) {
	m := &Manager{maxWorkers: 3, loadFactor: 2}

	m.workers, m.pending = 0, 1
	if !m.shouldSpawnLocked() {
		t.Fatal("expected spawn when no workers exist yet")
	}

	m.workers, m.pending = 1, 1
	if m.shouldSpawnLocked() {
		t.Fatal("expected no spawn when load is under threshold")
	}

	m.workers, m.pending = 1, 3
	if !m.shouldSpawnLocked() {
		t.Fatal("expected spawn when pending exceeds workers*loadFactor")
	}

	m.workers, m.pending = 3, 100
	if m.shouldSpawnLocked() {
		t.Fatal("expected no spawn once at max workers")
	}
}
