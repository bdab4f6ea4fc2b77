package sdk

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPutMessageSendsBodyAndExpectsNoContent(t *testing.T) {
	var gotPath string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	if err := client.PutMessage(context.Background(), "task-1", []byte("payload")); err != nil {
		t.Fatalf("PutMessage: %v", err)
	}
	if gotPath != "/task-1" {
		t.Fatalf("unexpected path: %q", gotPath)
	}
	if string(gotBody) != "payload" {
		t.Fatalf("unexpected body: %q", gotBody)
	}
}

func TestPutMessageUnexpectedStatusIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	if err := client.PutMessage(context.Background(), "task-1", nil); err == nil {
		t.Fatal("expected error on unexpected status")
	}
}

func TestPingSucceedsOn200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
