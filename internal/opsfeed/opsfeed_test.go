package opsfeed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeSource struct{}

func (fakeSource) WorkerStats() WorkerStats         { return WorkerStats{Workers: 3, Pending: 7} }
func (fakeSource) RendezvousStats() RendezvousStats { return RendezvousStats{OpenSockets: 2, Messages: 1} }

func TestFeedBroadcastsSnapshotToClient(t *testing.T) {
	feed := NewFeed(fakeSource{}, 20*time.Millisecond, nil)
	stop := make(chan struct{})
	defer close(stop)
	go feed.Run(stop)

	server := httptest.NewServer(http.HandlerFunc(feed.ServeHTTP))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var snap Snapshot
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Worker.Workers != 3 || snap.Worker.Pending != 7 {
		t.Fatalf("unexpected worker stats: %+v", snap.Worker)
	}
	if snap.Rendezvous.OpenSockets != 2 || snap.Rendezvous.Messages != 1 {
		t.Fatalf("unexpected rendezvous stats: %+v", snap.Rendezvous)
	}
}
