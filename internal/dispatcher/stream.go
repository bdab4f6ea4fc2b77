package dispatcher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ocx/proxyfabric/internal/invoker"
	"github.com/ocx/proxyfabric/internal/rendezvous"
)

// streamDirective is the invocation payload for a stream-mode worker: it
// carries everything the worker needs to dial the origin itself and hand
// the resulting connection back to the rendezvous server, so the TCP
// connection to the origin is opened from the worker's egress IP rather
// than the local listener's.
type streamDirective struct {
	Stream         bool   `json:"stream"`
	SocketID       string `json:"socketId"`
	StreamServer   string `json:"streamServer"`
	Host           string `json:"host"`
	Port           string `json:"port"`
	IdleTimeoutSec int    `json:"idleTimeout"`
}

// StreamConfig configures a StreamPath.
type StreamConfig struct {
	// Functions is the pool of stream-capable worker targets, picked
	// uniformly at random per tunnel.
	Functions []string
	// MaxParallel bounds concurrently open tunnels.
	MaxParallel int64
	// RendezvousAddr is the publicly reachable host:port a worker dials to
	// claim the client socket registered under the tunnel's socket ID.
	RendezvousAddr string
	// IdleTimeoutSec is the idle timeout (seconds) applied to both the
	// registered client socket and the worker's own splice loop.
	IdleTimeoutSec int
}

// StreamPath hands a hijacked CONNECT socket off to a remote worker instead
// of dialing the origin from the local listener, so the rendezvous-claimed
// worker's egress IP — not the listener's — is what the origin sees. It
// works together with internal/rendezvous (socket registry) and, on the
// worker side, internal/stream (splice).
type StreamPath struct {
	inv         invoker.Invoker
	functions   []string
	sem         *semaphore.Weighted
	rendezvous  *rendezvous.Server
	streamAddr  string
	idleTimeout int
	logger      *slog.Logger
}

// NewStreamPath builds a StreamPath. rdv must be the same Server instance
// whose HTTP handler is reachable at cfg.RendezvousAddr, since
// TakeOwnershipOfSocket registers the connection in-process before the
// worker's CONNECT back to that address can claim it.
func NewStreamPath(inv invoker.Invoker, rdv *rendezvous.Server, cfg StreamConfig, logger *slog.Logger) *StreamPath {
	if logger == nil {
		logger = slog.Default()
	}
	idleTimeout := cfg.IdleTimeoutSec
	if idleTimeout <= 0 {
		idleTimeout = 30
	}
	return &StreamPath{
		inv:         inv,
		functions:   cfg.Functions,
		sem:         semaphore.NewWeighted(cfg.MaxParallel),
		rendezvous:  rdv,
		streamAddr:  cfg.RendezvousAddr,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// DispatchStream registers conn under a fresh socket ID, invokes a stream
// worker with that ID plus the origin host/port, and blocks until the
// worker invocation returns — which happens only once the worker's splice
// between the origin and the rendezvous-claimed conn has ended.
func (p *StreamPath) DispatchStream(ctx context.Context, conn net.Conn, host, port string) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("dispatcher: acquire stream slot: %w", err)
	}
	defer p.sem.Release(1)

	socketID, err := newSocketID()
	if err != nil {
		return fmt.Errorf("dispatcher: generate socket id: %w", err)
	}

	function := invoker.PickFunction(p.functions)

	directive := streamDirective{
		Stream:         true,
		SocketID:       socketID,
		StreamServer:   p.streamAddr,
		Host:           host,
		Port:           port,
		IdleTimeoutSec: p.idleTimeout,
	}
	payload, err := json.Marshal(directive)
	if err != nil {
		return fmt.Errorf("dispatcher: marshal stream directive: %w", err)
	}

	// Registering the socket before invoking guarantees it's present by the
	// time the worker's CONNECT back to the rendezvous server looks it up,
	// whether that invocation is a fast local call or a slower cold start.
	p.rendezvous.TakeOwnershipOfSocket(socketID, conn, secondsToDuration(p.idleTimeout))

	if _, err := p.inv.Invoke(ctx, function, payload); err != nil {
		return fmt.Errorf("dispatcher: stream worker invocation: %w", err)
	}
	return nil
}

func newSocketID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func secondsToDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
