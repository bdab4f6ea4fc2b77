package workermanager

import (
	"bytes"
	"context"
	"sync"
)

// Future is a single-shot completion slot for one outstanding task. A
// result either arrives whole (Set) or in numbered fragments (AddFragment),
// the latter completing only once every fragment in [0, fragCount) has been
// seen; duplicate fragments and any delivery after completion are dropped.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	closed    bool
	result    []byte
	err       error
	fragments map[int][]byte
	fragCount int
}

// NewFuture returns an unresolved Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Set resolves the future with a whole result. A second call is a no-op,
// matching at-least-once redelivery of an already-completed result.
func (f *Future) Set(result []byte, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.result = result
	f.err = err
	close(f.done)
}

// AddFragment records one numbered fragment of a split result and reports
// whether the future is now complete. fragCount is taken from the first
// fragment seen; later fragments disagreeing with it are accepted as-is
// since the originating worker is the sole source of truth for its own
// cardinality.
func (f *Future) AddFragment(fragID, fragCount int, body []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return true
	}
	if f.fragments == nil {
		f.fragments = make(map[int][]byte, fragCount)
		f.fragCount = fragCount
	}
	if _, seen := f.fragments[fragID]; seen {
		return false
	}
	f.fragments[fragID] = body
	if len(f.fragments) < f.fragCount {
		return false
	}

	var buf bytes.Buffer
	for i := 0; i < f.fragCount; i++ {
		buf.Write(f.fragments[i])
	}
	f.closed = true
	f.result = buf.Bytes()
	close(f.done)
	return true
}

// Get blocks until the future resolves or ctx is done.
func (f *Future) Get(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
