package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocx/proxyfabric/internal/objectstore"
	"github.com/ocx/proxyfabric/internal/workermanager"
)

// LongLivedConfig configures a LongLivedPath.
type LongLivedConfig struct {
	// Store, when set, receives every non-empty request body, and the task
	// message carries only its key; when nil, bodies travel inline in the
	// task message. Optional.
	Store objectstore.Store
	// SubmitTimeout bounds how long Dispatch waits for a result once a
	// task has been enqueued, independent of ctx — a worker pool that
	// never drains its queue should fail requests rather than hang them
	// forever.
	SubmitTimeout time.Duration
}

// LongLivedPath proxies requests through a pool of long-lived workers that
// poll a shared task queue, amortizing cold-start cost across many
// requests at the expense of per-request latency variance.
type LongLivedPath struct {
	manager *workermanager.Manager
	store   objectstore.Store
	timeout time.Duration
}

// NewLongLivedPath builds a LongLivedPath over an already-started Manager.
func NewLongLivedPath(manager *workermanager.Manager, cfg LongLivedConfig) *LongLivedPath {
	timeout := cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LongLivedPath{manager: manager, store: cfg.Store, timeout: timeout}
}

func (p *LongLivedPath) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	payload, err := p.buildTaskPayload(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: build task payload: %w", err)
	}

	result, err := p.manager.Submit(ctx, payload, nil)
	if err != nil {
		return &Response{StatusCode: 500, Headers: map[string]string{}}, nil
	}

	var wire plainResponse
	if err := json.Unmarshal(result, &wire); err != nil {
		return nil, fmt.Errorf("dispatcher: unmarshal worker result: %w", err)
	}

	body := wire.Body
	if wire.ObjectKey != "" {
		if p.store == nil {
			return nil, fmt.Errorf("dispatcher: worker result references an object key but no object store is configured")
		}
		body, err = p.store.Get(ctx, wire.ObjectKey)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: load offloaded response body: %w", err)
		}
	}

	return &Response{StatusCode: wire.StatusCode, Headers: wire.Headers, Body: body}, nil
}

func (p *LongLivedPath) buildTaskPayload(ctx context.Context, req *Request) ([]byte, error) {
	wire := plainRequest{Method: req.Method, URL: req.URL, Headers: req.Headers}

	switch {
	case len(req.Body) == 0:
	case p.store == nil:
		wire.Body = req.Body
	default:
		key, err := p.store.Put(ctx, req.Body)
		if err != nil {
			return nil, fmt.Errorf("offload request body: %w", err)
		}
		wire.ObjectKey = key
	}

	return json.Marshal(wire)
}
