package dispatcher

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"
)

// shortLivedExtensions lists path suffixes assumed to be small, static,
// cacheable assets well suited to a cold invocation per request rather than
// a warm queue-backed worker.
var shortLivedExtensions = []string{".html", ".js", ".css", ".png", ".jpg", ".json"}

// HybridDispatcher routes each request to either the short-lived or the
// long-lived path using a cheap heuristic rather than a configured fixed
// choice: the first request, any request arriving more than 500ms after the
// previous one, and small static-looking GETs take the short-lived path;
// everything else takes the long-lived one. Selected by dispatcher mode
// "hybrid", which is also the mode used when none is configured.
type HybridDispatcher struct {
	short Dispatcher
	long  Dispatcher

	mu              sync.Mutex
	lastRequestTime time.Time
}

// NewHybridDispatcher builds a HybridDispatcher over an already-constructed
// short-lived and long-lived path.
func NewHybridDispatcher(short, long Dispatcher) *HybridDispatcher {
	return &HybridDispatcher{short: short, long: long}
}

func (h *HybridDispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	if h.shouldUseShortLived(req) {
		return h.short.Dispatch(ctx, req)
	}
	return h.long.Dispatch(ctx, req)
}

func (h *HybridDispatcher) shouldUseShortLived(req *Request) bool {
	now := time.Now()
	h.mu.Lock()
	wasFirst := h.lastRequestTime.IsZero()
	gap := now.Sub(h.lastRequestTime)
	h.lastRequestTime = now
	h.mu.Unlock()

	if wasFirst || gap > 500*time.Millisecond {
		return true
	}

	if !strings.EqualFold(req.Method, "GET") {
		return false
	}

	parsed, err := url.Parse(req.URL)
	if err != nil {
		return false
	}
	if len(parsed.RawQuery) > 10 {
		return false
	}
	if len(strings.Split(parsed.Path, "/")) < 3 {
		return true
	}
	for _, ext := range shortLivedExtensions {
		if strings.Contains(parsed.Path, ext) {
			return true
		}
	}
	return false
}
