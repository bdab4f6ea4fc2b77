package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ocx/proxyfabric/internal/invoker"
)

type echoInvoker struct{}

func (echoInvoker) Invoke(_ context.Context, _ string, payload []byte) (*invoker.Reply, error) {
	var req plainRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	resp := plainResponse{StatusCode: 200, Headers: map[string]string{"x-echo": req.Method}, Body: req.Body}
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return &invoker.Reply{Payload: out}, nil
}

func TestShortLivedPathPlainRoundTrip(t *testing.T) {
	path := NewShortLivedPath(echoInvoker{}, ShortLivedConfig{
		Functions:   []string{"worker-a"},
		MaxParallel: 4,
	}, nil)

	resp, err := path.Dispatch(context.Background(), &Request{
		Method: "GET",
		URL:    "https://example.com/",
		Body:   []byte("hi"),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != "hi" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

type recordingDispatcher struct {
	name string
	hits *[]string
}

func (r recordingDispatcher) Dispatch(_ context.Context, _ *Request) (*Response, error) {
	*r.hits = append(*r.hits, r.name)
	return &Response{StatusCode: 200}, nil
}

func TestHybridDispatcherFirstRequestGoesShort(t *testing.T) {
	var hits []string
	h := NewHybridDispatcher(
		recordingDispatcher{name: "short", hits: &hits},
		recordingDispatcher{name: "long", hits: &hits},
	)

	// First request always takes the short path (no prior timestamp).
	if _, err := h.Dispatch(context.Background(), &Request{Method: "GET", URL: "https://example.com/a/b/c?x=1234567890123"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if hits[0] != "short" {
		t.Fatalf("expected first request to use short path, got %q", hits[0])
	}
}

func TestHybridDispatcherStaticAssetGoesShort(t *testing.T) {
	var hits []string
	h := NewHybridDispatcher(
		recordingDispatcher{name: "short", hits: &hits},
		recordingDispatcher{name: "long", hits: &hits},
	)
	h.lastRequestTime = time.Now()

	if _, err := h.Dispatch(context.Background(), &Request{Method: "GET", URL: "https://example.com/assets/app.js"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if hits[0] != "short" {
		t.Fatalf("expected static asset request to use short path, got %q", hits[0])
	}
}

func TestHybridDispatcherDeepPostGoesLong(t *testing.T) {
	var hits []string
	h := NewHybridDispatcher(
		recordingDispatcher{name: "short", hits: &hits},
		recordingDispatcher{name: "long", hits: &hits},
	)
	h.lastRequestTime = time.Now()

	if _, err := h.Dispatch(context.Background(), &Request{Method: "POST", URL: "https://example.com/api/v1/widgets/create"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if hits[0] != "long" {
		t.Fatalf("expected non-GET request to use long path, got %q", hits[0])
	}
}
