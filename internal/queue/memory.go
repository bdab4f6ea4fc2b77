package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueuePair is a channel-backed QueuePair for tests and the
// standalone dev deployment, where no Pub/Sub project is configured.
// Visibility timeout is approximated: a received-but-undeleted message
// reappears on the channel after VisibilityTimeout if never deleted.
type MemoryQueuePair struct {
	VisibilityTimeout time.Duration

	tasks   chan Message
	results chan Message

	mu      sync.Mutex
	pending map[string]Message // receiptHandle -> message, awaiting delete
	closed  bool
}

// NewMemoryQueuePair creates an in-process queue pair with the given
// buffer depth.
func NewMemoryQueuePair(buffer int) *MemoryQueuePair {
	return &MemoryQueuePair{
		VisibilityTimeout: 30 * time.Second,
		tasks:             make(chan Message, buffer),
		results:           make(chan Message, buffer),
		pending:           make(map[string]Message),
	}
}

func (q *MemoryQueuePair) SendTask(_ context.Context, body []byte, attrs map[string]string) (string, error) {
	id := uuid.NewString()
	q.tasks <- Message{ID: id, Body: body, Attributes: attrs}
	return id, nil
}

func (q *MemoryQueuePair) ReceiveTasks(ctx context.Context, waitSeconds int) ([]Message, error) {
	return receiveN(ctx, q.tasks, waitSeconds, q.redeliverTo(q.tasks))
}

func (q *MemoryQueuePair) SendResult(_ context.Context, body []byte, attrs map[string]string) error {
	q.results <- Message{ID: uuid.NewString(), Body: body, Attributes: attrs}
	return nil
}

func (q *MemoryQueuePair) ReceiveResults(ctx context.Context, waitSeconds int) ([]Message, error) {
	return receiveN(ctx, q.results, waitSeconds, q.redeliverTo(q.results))
}

// redeliverTo returns an onReceive callback that requeues a message onto ch
// if it is still undeleted once VisibilityTimeout elapses.
func (q *MemoryQueuePair) redeliverTo(ch chan Message) func(Message) {
	return func(msg Message) {
		q.mu.Lock()
		q.pending[msg.receiptHandle] = msg
		q.mu.Unlock()

		time.AfterFunc(q.VisibilityTimeout, func() {
			q.mu.Lock()
			_, stillPending := q.pending[msg.receiptHandle]
			q.mu.Unlock()
			if stillPending {
				ch <- msg
			}
		})
	}
}

func receiveN(ctx context.Context, ch chan Message, waitSeconds int, onReceive func(Message)) ([]Message, error) {
	timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
	defer timer.Stop()

	var out []Message
	for len(out) < MaxReceiveBatch {
		select {
		case msg := <-ch:
			msg = msg.WithReceiptHandle(uuid.NewString())
			out = append(out, msg)
			onReceive(msg)
			// Drain any further messages already queued, but never block
			// once the first one has arrived — mirrors a long-poll receive
			// that returns as soon as it has something.
			for len(out) < MaxReceiveBatch {
				select {
				case msg := <-ch:
					msg = msg.WithReceiptHandle(uuid.NewString())
					out = append(out, msg)
					onReceive(msg)
				default:
					return out, nil
				}
			}
			return out, nil
		case <-timer.C:
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

func (q *MemoryQueuePair) Delete(_ context.Context, messages []Message) error {
	q.mu.Lock()
	for _, m := range messages {
		delete(q.pending, m.receiptHandle)
	}
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueuePair) Close(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.tasks)
	close(q.results)
	return nil
}
