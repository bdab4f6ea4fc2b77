package rendezvous

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLivenessEndpoint(t *testing.T) {
	s := NewServer(Config{}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestPostThenGetMessage(t *testing.T) {
	s := NewServer(Config{}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/msg-1", "application/octet-stream", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	msg := s.GetMessage("msg-1")
	if msg == nil {
		t.Fatal("expected message to be retrievable")
	}
	if string(msg.Body) != "payload" {
		t.Fatalf("unexpected body: %q", msg.Body)
	}

	if s.GetMessage("msg-1") != nil {
		t.Fatal("expected message to be consumed on first read")
	}
}

func TestGetSocketTimesOutWhenNeverClaimed(t *testing.T) {
	s := NewServer(Config{ConnWaitTimeout: 100 * time.Millisecond}, nil)
	start := time.Now()
	sock := s.getSocket("never-registered")
	if sock != nil {
		t.Fatal("expected nil socket on timeout")
	}
	if time.Since(start) < 80*time.Millisecond {
		t.Fatal("returned before the configured wait timeout")
	}
}
