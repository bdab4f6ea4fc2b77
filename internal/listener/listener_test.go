package listener

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ocx/proxyfabric/internal/dispatcher"
)

type stubDispatcher struct {
	resp *dispatcher.Response
	err  error
	got  *dispatcher.Request
}

func (s *stubDispatcher) Dispatch(_ context.Context, req *dispatcher.Request) (*dispatcher.Response, error) {
	s.got = req
	return s.resp, s.err
}

func TestHandleProxyRequestForwardsAndFilters(t *testing.T) {
	stub := &stubDispatcher{resp: &dispatcher.Response{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "text/plain", "Connection": "keep-alive"},
		Body:       []byte("ok"),
	}}
	l := New(stub, nil, nil, Config{}, nil)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/widgets", nil)
	req.Header.Set("Proxy-Connection", "keep-alive")
	rec := httptest.NewRecorder()

	l.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
	if rec.Header().Get("Connection") != "close" {
		t.Fatalf("expected forced Connection: close, got %q", rec.Header().Get("Connection"))
	}
	if _, filtered := stub.got.Headers["Proxy-Connection"]; filtered {
		t.Fatal("expected Proxy-Connection header to be filtered from the forwarded request")
	}
	if stub.got.URL != "http://example.com/widgets" {
		t.Fatalf("unexpected forwarded URL: %q", stub.got.URL)
	}
}
