// Package rendezvous implements the public-facing half of a reverse
// connection: the local proxy registers a client socket under an ID, and a
// worker that cannot accept inbound connections dials out to this server
// with a CONNECT for that ID, which splices the worker's connection to the
// registered socket. It also serves as a plain message mailbox: a POST
// stores a payload under an ID, retrieved in-process with GetMessage
// rather than over HTTP.
package rendezvous

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/proxyfabric/internal/stream"
)

const livenessBody = "Server is live!\n"

// Message is one POSTed payload awaiting pickup by ID.
type Message struct {
	Body       []byte
	ReceivedAt time.Time
}

type openSocket struct {
	conn        net.Conn
	idleTimeout time.Duration
	openedAt    time.Time
}

// Config controls reaping behavior and the default idle timeout applied to
// sockets that don't specify their own.
type Config struct {
	MessageTimeout     time.Duration
	ConnWaitTimeout    time.Duration
	ReapInterval       time.Duration
	DefaultIdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = 5 * time.Second
	}
	if c.ConnWaitTimeout <= 0 {
		c.ConnWaitTimeout = 5 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Second
	}
	if c.DefaultIdleTimeout <= 0 {
		c.DefaultIdleTimeout = 30 * time.Second
	}
	return c
}

// Server owns the socket and message registries and the HTTP surface that
// fronts them.
type Server struct {
	cfg Config

	mu      sync.Mutex
	cond    *sync.Cond
	sockets map[string]*openSocket

	msgMu    sync.Mutex
	messages map[string]*Message

	logger *slog.Logger
	router *mux.Router
}

// NewServer builds a Server and its HTTP routes. Call Run to start the
// background reaper and serve.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg.withDefaults(),
		sockets:  make(map[string]*openSocket),
		messages: make(map[string]*Message),
		logger:   logger,
	}
	s.cond = sync.NewCond(&s.mu)

	s.router = mux.NewRouter()
	s.router.HandleFunc("/", s.handleLiveness).Methods(http.MethodGet)
	s.router.HandleFunc("/{id}", s.handlePostMessage).Methods(http.MethodPost)
	s.router.HandleFunc("/{id}", s.handleConnect).Methods(http.MethodConnect)
	return s
}

// Handler returns the server's HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run starts the idle reaper and serves HTTP until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.reapLoop(ctx)

	httpServer := &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// TakeOwnershipOfSocket registers a connection under socketID for a future
// CONNECT to claim, waking any caller already waiting on GetSocket.
func (s *Server) TakeOwnershipOfSocket(socketID string, conn net.Conn, idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		idleTimeout = s.cfg.DefaultIdleTimeout
	}
	s.mu.Lock()
	s.sockets[socketID] = &openSocket{conn: conn, idleTimeout: idleTimeout, openedAt: time.Now()}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// getSocket consumes and returns the socket registered under socketID,
// blocking up to ConnWaitTimeout for one to appear. Returns nil on timeout.
func (s *Server) getSocket(socketID string) *openSocket {
	deadline := time.Now().Add(s.cfg.ConnWaitTimeout)
	timer := time.AfterFunc(s.cfg.ConnWaitTimeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if sock, ok := s.sockets[socketID]; ok {
			delete(s.sockets, socketID)
			return sock
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		s.cond.Wait()
	}
}

// putMessage stores a POSTed payload under messageID.
func (s *Server) putMessage(messageID string, body []byte) {
	s.msgMu.Lock()
	s.messages[messageID] = &Message{Body: body, ReceivedAt: time.Now()}
	s.msgMu.Unlock()
}

// GetMessage consumes and returns the message stored under messageID, or
// nil if none is present.
func (s *Server) GetMessage(messageID string) *Message {
	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil
	}
	delete(s.messages, messageID)
	return msg
}

// Stats is a point-in-time snapshot of registry occupancy.
type Stats struct {
	OpenSockets int `json:"open_sockets"`
	Messages    int `json:"messages"`
}

// Stats returns the current number of unclaimed sockets and unread
// messages held by the server.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	sockets := len(s.sockets)
	s.mu.Unlock()

	s.msgMu.Lock()
	messages := len(s.messages)
	s.msgMu.Unlock()

	return Stats{OpenSockets: sockets, Messages: messages}
}

func (s *Server) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.reapSockets(now)
			s.reapMessages(now)
		}
	}
}

func (s *Server) reapSockets(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sock := range s.sockets {
		if now.Sub(sock.openedAt) > sock.idleTimeout {
			sock.conn.Close()
			delete(s.sockets, id)
		}
	}
}

func (s *Server) reapMessages(now time.Time) {
	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	for id, msg := range s.messages {
		if now.Sub(msg.ReceivedAt) > s.cfg.MessageTimeout {
			delete(s.messages, id)
		}
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(livenessBody)))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(livenessBody))
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["id"]
	body := make([]byte, r.ContentLength)
	if r.ContentLength > 0 {
		if _, err := io.ReadFull(r.Body, body); err != nil {
			http.Error(w, "failed to read message body", http.StatusBadRequest)
			return
		}
	}
	s.logger.Info("message received", "message_id", messageID, "bytes", len(body))
	s.putMessage(messageID, body)
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	socketID := mux.Vars(r)["id"]
	s.logger.Info("connect requested", "socket_id", socketID)

	sock := s.getSocket(socketID)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		s.logger.Error("hijack failed", "error", err)
		return
	}
	defer conn.Close()

	if sock == nil {
		conn.Write([]byte("HTTP/1.1 404 Resource not found\r\n\r\n"))
		return
	}
	defer sock.conn.Close()

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		s.logger.Error("failed to write CONNECT response", "error", err)
		return
	}

	result := stream.Splice(r.Context(), sock.conn, conn, sock.idleTimeout)
	if result.Err != nil {
		s.logger.Error("splice ended with error", "socket_id", socketID, "error", result.Err)
	}
}
