// Package workermanager runs the pool of long-lived remote workers behind
// the queue-based dispatch path: it spawns workers on demand as task
// backlog grows, matches incoming result messages back to the caller
// waiting on them, and reassembles results a worker had to split into
// fragments.
package workermanager

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/ocx/proxyfabric/internal/invoker"
	"github.com/ocx/proxyfabric/internal/queue"
)

// resultPollerCount is the number of goroutines continuously long-polling
// the result queue, held fixed regardless of worker count since the queue
// itself fans results in, not the poller count.
const resultPollerCount = 4

const (
	attrTaskID    = "TASK_ID"
	attrFragID    = "FRAG_ID"
	attrFragCount = "FRAG_CT"
)

// Manager owns one task/result QueuePair and the population of remote
// workers draining it.
type Manager struct {
	queue   queue.QueuePair
	invoke  invoker.Invoker
	function string
	payload func() []byte

	maxWorkers int
	loadFactor float64

	handlers *semaphore.Weighted
	logger   *slog.Logger

	mu      sync.Mutex
	workers int
	pending int
	futures map[string]*Future
}

// Config controls spawn policy and handler concurrency.
type Config struct {
	// Function is the worker invocation target (passed through to the
	// Invoker as-is, e.g. a region-qualified target string).
	Function string
	// Payload builds the invocation payload for a freshly spawned worker
	// (queue endpoint/credentials, wait limits, etc).
	Payload func() []byte
	// MaxWorkers caps concurrently outstanding worker invocations.
	MaxWorkers int
	// LoadFactor is the pending-tasks-per-worker threshold past which a
	// new worker is spawned even though existing workers haven't drained.
	LoadFactor float64
	// HandlerConcurrency bounds how many result messages are processed
	// concurrently across all four pollers.
	HandlerConcurrency int64
}

// NewManager constructs a Manager. Call Start to begin polling for results.
func NewManager(q queue.QueuePair, inv invoker.Invoker, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		queue:      q,
		invoke:     inv,
		function:   cfg.Function,
		payload:    cfg.Payload,
		maxWorkers: cfg.MaxWorkers,
		loadFactor: cfg.LoadFactor,
		handlers:   semaphore.NewWeighted(cfg.HandlerConcurrency),
		logger:     logger,
		futures:    make(map[string]*Future),
	}
}

// Start launches the fixed pool of result pollers. It returns once all
// pollers have exited, which happens only when ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(resultPollerCount)
	for i := 0; i < resultPollerCount; i++ {
		go func() {
			defer wg.Done()
			m.resultPoller(ctx)
		}()
	}
	wg.Wait()
}

// Submit enqueues one task and blocks until its result (or ctx expiry)
// arrives, spawning a new worker first if the load policy calls for one.
func (m *Manager) Submit(ctx context.Context, body []byte, attrs map[string]string) ([]byte, error) {
	taskID, err := m.queue.SendTask(ctx, body, attrs)
	if err != nil {
		return nil, fmt.Errorf("workermanager: send task: %w", err)
	}

	fut := NewFuture()
	m.mu.Lock()
	m.futures[taskID] = fut
	m.pending++
	spawn := m.shouldSpawnLocked()
	if spawn {
		m.workers++
	}
	m.mu.Unlock()

	if spawn {
		go m.spawnWorker(ctx)
	}

	defer func() {
		m.mu.Lock()
		delete(m.futures, taskID)
		m.pending--
		m.mu.Unlock()
	}()

	return fut.Get(ctx)
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Workers int `json:"workers"`
	Pending int `json:"pending"`
}

// Stats returns the current worker count and pending-task backlog.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Workers: m.workers, Pending: m.pending}
}

// shouldSpawnLocked implements the spawn policy: always spawn the first
// worker, and spawn another whenever the pool hasn't hit its cap and the
// backlog-per-worker ratio exceeds loadFactor.
func (m *Manager) shouldSpawnLocked() bool {
	if m.workers == 0 {
		return true
	}
	if m.workers >= m.maxWorkers {
		return false
	}
	return float64(m.pending) > float64(m.workers)*m.loadFactor
}

func (m *Manager) spawnWorker(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.workers--
		m.mu.Unlock()
	}()

	_, err := m.invoke.Invoke(ctx, m.function, m.payload())
	if err != nil {
		m.logger.Error("worker invocation exited with error", "function", m.function, "error", err)
	}
}

func (m *Manager) resultPoller(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := m.queue.ReceiveResults(ctx, 20)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("result queue receive failed", "error", err)
			continue
		}
		for _, msg := range msgs {
			if err := m.handlers.Acquire(ctx, 1); err != nil {
				return
			}
			go func(msg queue.Message) {
				defer m.handlers.Release(1)
				m.handleResult(ctx, msg)
			}(msg)
		}
	}
}

func (m *Manager) handleResult(ctx context.Context, msg queue.Message) {
	taskID := msg.Attributes[attrTaskID]

	m.mu.Lock()
	fut, ok := m.futures[taskID]
	m.mu.Unlock()

	if !ok {
		// No caller is waiting on this task anymore: it already completed
		// via an earlier delivery, or the caller gave up. Either way the
		// result is dropped and the message acknowledged so it stops being
		// redelivered.
		if err := m.queue.Delete(ctx, []queue.Message{msg}); err != nil {
			m.logger.Warn("failed to delete orphaned result", "task_id", taskID, "error", err)
		}
		return
	}

	if fragIDStr, split := msg.Attributes[attrFragID]; split {
		fragID, err := strconv.Atoi(fragIDStr)
		if err != nil {
			m.logger.Error("malformed fragment id", "task_id", taskID, "value", fragIDStr)
			return
		}
		fragCount, err := strconv.Atoi(msg.Attributes[attrFragCount])
		if err != nil {
			m.logger.Error("malformed fragment count", "task_id", taskID, "value", msg.Attributes[attrFragCount])
			return
		}
		fut.AddFragment(fragID, fragCount, msg.Body)
	} else {
		fut.Set(msg.Body, nil)
	}

	if err := m.queue.Delete(ctx, []queue.Message{msg}); err != nil {
		m.logger.Warn("failed to delete processed result", "task_id", taskID, "error", err)
	}
}
