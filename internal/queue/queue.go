// Package queue models the ephemeral task/result queue pair a long-lived
// worker invocation uses to exchange messages with the dispatcher, after
// the AWS SQS semantics the original design was built against: long-poll
// receive, attributes carried alongside an opaque body, batched delete as
// the only acknowledgment, and visibility-timeout redelivery as the sole
// retry mechanism.
package queue

import "context"

// MaxReceiveBatch caps how many messages a single Receive call returns,
// mirroring SQS's own per-request ceiling.
const MaxReceiveBatch = 10

// MaxMessageSize is the largest a message's body and attributes may be
// together, mirroring SQS's 256 KiB per-message ceiling. A producer whose
// marshaled payload exceeds this splits it across multiple messages tied
// together by a fragment-ID/fragment-count attribute pair rather than
// sending one oversized message.
const MaxMessageSize = 256 * 1024

// Message is one unit of work or one result fragment moving through a
// queue. Attributes carry small typed metadata (task/fragment identity);
// Body carries the opaque payload.
type Message struct {
	ID         string
	Body       []byte
	Attributes map[string]string

	// receiptHandle identifies this specific delivery for Delete/visibility
	// purposes; it is set by the queue implementation and is opaque to
	// callers, matching SQS's receipt-handle-vs-message-id distinction.
	receiptHandle string
}

// ReceiptHandle exposes the implementation-assigned delivery handle so
// QueuePair.Delete can acknowledge the exact delivery received.
func (m Message) ReceiptHandle() string { return m.receiptHandle }

// WithReceiptHandle returns a copy of m carrying the given receipt handle.
// Queue implementations use this to stamp messages they hand back from
// Receive.
func (m Message) WithReceiptHandle(h string) Message {
	m.receiptHandle = h
	return m
}

// QueuePair is one task queue and one result queue, created together for
// the lifetime of a single long-lived worker invocation.
type QueuePair interface {
	// SendTask enqueues a task message and returns the ID the worker will
	// later attach to its result messages.
	SendTask(ctx context.Context, body []byte, attrs map[string]string) (taskID string, err error)

	// ReceiveTasks long-polls the task queue for up to MaxReceiveBatch
	// messages, blocking up to waitSeconds when the queue is empty.
	ReceiveTasks(ctx context.Context, waitSeconds int) ([]Message, error)

	// SendResult enqueues a result message carrying the given attributes
	// (at minimum the originating task ID).
	SendResult(ctx context.Context, body []byte, attrs map[string]string) error

	// ReceiveResults long-polls the result queue.
	ReceiveResults(ctx context.Context, waitSeconds int) ([]Message, error)

	// Delete acknowledges messages so they are not redelivered after their
	// visibility timeout expires.
	Delete(ctx context.Context, messages []Message) error

	// Close tears down both queues.
	Close(ctx context.Context) error
}
