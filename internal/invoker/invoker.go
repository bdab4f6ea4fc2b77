// Package invoker dispatches a single self-contained payload to a remote
// worker function and returns its reply, the building block both the
// short-lived and long-lived dispatch paths use to actually run a worker.
package invoker

import "context"

// Reply is what a worker invocation returns: its raw output payload plus
// the tail of its execution log, which callers may use for lightweight
// cost/duration accounting without a dedicated metrics round trip.
type Reply struct {
	Payload []byte
	LogTail []byte
}

// Invoker runs one worker invocation against a named function target.
type Invoker interface {
	Invoke(ctx context.Context, function string, payload []byte) (*Reply, error)
}
