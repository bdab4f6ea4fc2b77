// Package opsfeed streams periodic worker-pool and rendezvous occupancy
// snapshots to connected operator clients over a websocket, for ambient
// "what is this proxy doing right now" visibility rather than a billing
// or historical-analytics dashboard.
package opsfeed

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Snapshot is one broadcast tick's worth of pool state.
type Snapshot struct {
	Timestamp   time.Time      `json:"timestamp"`
	Worker      WorkerStats    `json:"worker"`
	Rendezvous  RendezvousStats `json:"rendezvous"`
}

// WorkerStats mirrors workermanager.Stats without importing that package,
// so opsfeed stays usable by a process that only runs one of the two
// subsystems.
type WorkerStats struct {
	Workers int `json:"workers"`
	Pending int `json:"pending"`
}

// RendezvousStats mirrors rendezvous.Stats.
type RendezvousStats struct {
	OpenSockets int `json:"open_sockets"`
	Messages    int `json:"messages"`
}

// Source produces the stats a Feed broadcasts on each tick. Callers
// adapt *workermanager.Manager and *rendezvous.Server to this shape so
// opsfeed has no import-time dependency on either.
type Source interface {
	WorkerStats() WorkerStats
	RendezvousStats() RendezvousStats
}

// Feed manages websocket connections and broadcasts a Snapshot on a fixed
// interval to every connected client.
type Feed struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger

	clients    map[*websocket.Conn]bool
	broadcast  chan Snapshot
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewFeed builds a Feed. Call Run to start the broadcast loop.
func NewFeed(source Source, interval time.Duration, logger *slog.Logger) *Feed {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		source:     source,
		interval:   interval,
		logger:     logger,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Snapshot, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run drives both the periodic snapshot ticker and the client
// register/unregister/broadcast hub. It blocks until stop is closed.
func (f *Feed) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			f.mu.Lock()
			for client := range f.clients {
				client.Close()
			}
			f.clients = nil
			f.mu.Unlock()
			return

		case <-ticker.C:
			f.broadcast <- Snapshot{
				Timestamp:  time.Now(),
				Worker:     f.source.WorkerStats(),
				Rendezvous: f.source.RendezvousStats(),
			}

		case client := <-f.register:
			f.mu.Lock()
			f.clients[client] = true
			f.mu.Unlock()

		case client := <-f.unregister:
			f.mu.Lock()
			if _, ok := f.clients[client]; ok {
				delete(f.clients, client)
				client.Close()
			}
			f.mu.Unlock()

		case snap := <-f.broadcast:
			f.mu.RLock()
			for client := range f.clients {
				if err := client.WriteJSON(snap); err != nil {
					f.logger.Warn("opsfeed: write failed, dropping client", "error", err)
					go func(c *websocket.Conn) { f.unregister <- c }(client)
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ServeHTTP upgrades the connection and holds it open until the client
// disconnects, draining (and discarding) any messages it sends.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("opsfeed: upgrade failed", "error", err)
		return
	}

	f.register <- conn
	go func() {
		defer func() { f.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
