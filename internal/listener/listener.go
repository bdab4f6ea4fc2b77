// Package listener runs the local forward-proxy HTTP server: plain
// requests are parsed, filtered, and handed to a dispatcher; CONNECT
// requests hand off either to a MITM interceptor or to a stream
// dispatcher that tunnels them through a remote worker.
package listener

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ocx/proxyfabric/internal/dispatcher"
	"github.com/ocx/proxyfabric/internal/httpheaders"
	"github.com/ocx/proxyfabric/internal/mitm"
)

// Config controls listener behavior. A non-MITM CONNECT tunnel's idle
// timeout lives on the stream dispatcher instead of here, since the
// splice itself now runs inside the worker, not this listener.
type Config struct {
	Addr              string
	OverrideUserAgent bool
}

func (c Config) withDefaults() Config {
	return c
}

// Listener is the local forward-proxy HTTP server.
type Listener struct {
	cfg         Config
	dispatch    dispatcher.Dispatcher
	interceptor *mitm.Interceptor          // nil disables MITM; CONNECT tunnels via streamDispatch instead
	streamDispatch dispatcher.StreamDispatcher // nil MITM's non-MITM fallback: a rendezvous-backed stream worker dials the origin
	logger      *slog.Logger
}

// New builds a Listener. interceptor may be nil to disable MITM, in which
// case a CONNECT request is handed to streamDispatch instead, which routes
// it through a remote worker dialing the origin rather than dialing it
// locally. streamDispatch may only be nil if MITM is always enabled for
// this listener (every CONNECT then takes the MITM branch).
func New(disp dispatcher.Dispatcher, interceptor *mitm.Interceptor, streamDispatch dispatcher.StreamDispatcher, cfg Config, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{cfg: cfg.withDefaults(), dispatch: disp, interceptor: interceptor, streamDispatch: streamDispatch, logger: logger}
}

// Run serves until ctx is canceled.
func (l *Listener) Run(ctx context.Context) error {
	server := &http.Server{Addr: l.cfg.Addr, Handler: l}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		l.handleConnect(w, r)
		return
	}
	l.handleProxyRequest(w, r)
}

func (l *Listener) handleProxyRequest(w http.ResponseWriter, r *http.Request) {
	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		if httpheaders.IsFilteredRequest(name) {
			continue
		}
		headers[name] = r.Header.Get(name)
	}
	headers["Connection"] = "keep-alive"
	if l.cfg.OverrideUserAgent {
		headers["User-Agent"] = httpheaders.DefaultUserAgent
	}

	var body []byte
	if r.ContentLength != 0 {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
	}

	targetURL := r.URL.String()
	if !r.URL.IsAbs() {
		targetURL = "http://" + r.Host + r.URL.RequestURI()
	}

	resp, err := l.dispatch.Dispatch(r.Context(), &dispatcher.Request{
		Method:  r.Method,
		URL:     targetURL,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		l.logger.Error("dispatch failed", "url", targetURL, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	for name, value := range resp.Headers {
		if httpheaders.IsFilteredResponse(name) {
			continue
		}
		w.Header().Set(name, value)
	}
	w.Header().Set("Connection", "close")
	w.Header().Set("Proxy-Connection", "close")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (l *Listener) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host, port = r.Host, "443"
	}

	if l.interceptor != nil {
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "hijacking not supported", http.StatusInternalServerError)
			return
		}
		conn, _, err := hijacker.Hijack()
		if err != nil {
			l.logger.Error("hijack failed", "error", err)
			return
		}
		defer conn.Close()

		if _, err := conn.Write([]byte("HTTP/1.1 200 Connection established\r\nProxy-Connection: close\r\n\r\n")); err != nil {
			l.logger.Error("failed to write CONNECT response", "error", err)
			return
		}
		if err := l.interceptor.Stream(r.Context(), conn, host, port); err != nil {
			l.logger.Error("mitm stream ended with error", "host", host, "error", err)
		}
		return
	}

	if l.streamDispatch == nil {
		l.logger.Error("connect received but no stream dispatcher is configured", "host", host)
		w.WriteHeader(520)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		l.logger.Error("hijack failed", "error", err)
		return
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection established\r\nProxy-Connection: close\r\n\r\n")); err != nil {
		l.logger.Error("failed to write CONNECT response", "error", err)
		return
	}

	// The stream dispatcher registers clientConn with the rendezvous server
	// and invokes a worker that dials host:port itself, so the connection
	// to the origin comes from the worker's egress IP rather than this
	// listener's. DispatchStream blocks for the tunnel's whole lifetime.
	if err := l.streamDispatch.DispatchStream(r.Context(), clientConn, host, port); err != nil {
		l.logger.Error("stream dispatch failed", "host", host, "port", port, "error", err)
	}
}
