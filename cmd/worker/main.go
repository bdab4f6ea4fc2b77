// Command worker runs the reference remote-worker binary: it is what
// internal/invoker.GRPCInvoker dials over gRPC for both dispatch paths.
//
// A short-lived invocation carries one proxied request (plain JSON or a
// sealed envelope) and the worker executes it and returns immediately. A
// long-lived invocation carries a poll directive instead: the worker drains
// the shared task queue directly, executing one request per task and
// pushing results back, until it sits idle past its deadline and the
// invocation returns so workermanager.Manager can spawn a replacement.
package main

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"

	"cloud.google.com/go/pubsub"

	"github.com/ocx/proxyfabric/internal/config"
	"github.com/ocx/proxyfabric/internal/envelope"
	"github.com/ocx/proxyfabric/internal/objectstore"
	"github.com/ocx/proxyfabric/internal/queue"
	"github.com/ocx/proxyfabric/internal/stream"
	"github.com/ocx/proxyfabric/pb"
)

// pollDirective is the control payload workermanager.Manager sends when it
// spawns a new long-lived worker. Its presence (a non-empty Mode) is what
// distinguishes a spawn invocation from a single proxied request.
type pollDirective struct {
	Mode           string `json:"mode,omitempty"`
	IdleTimeoutSec int    `json:"idleTimeoutSec,omitempty"`
}

// streamDirective mirrors internal/dispatcher's unexported stream-mode
// invocation payload: a non-MITM CONNECT tunnel the worker services by
// dialing the origin itself and handing the connection to the rendezvous
// server, rather than having the local listener dial it.
type streamDirective struct {
	Stream         bool   `json:"stream"`
	SocketID       string `json:"socketId"`
	StreamServer   string `json:"streamServer"`
	Host           string `json:"host"`
	Port           string `json:"port"`
	IdleTimeoutSec int    `json:"idleTimeout"`
}

const (
	attrTaskID    = "TASK_ID"
	attrFragID    = "FRAG_ID"
	attrFragCount = "FRAG_CT"
)

// requestMeta/responseMeta mirror internal/dispatcher's unexported wire
// shapes for the plaintext (or envelope-decrypted) request/response
// metadata. Field names and tags must match exactly since the two sides
// never share the type.
type requestMeta struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

type responseMeta struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
}

type plainRequest struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Body      []byte            `json:"body,omitempty"`
	ObjectKey string            `json:"objectKey,omitempty"`
}

type plainResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body,omitempty"`
	ObjectKey  string            `json:"objectKey,omitempty"`
}

type encryptedResponse struct {
	MetaCT    []byte `json:"metaCt"`
	MetaTag   []byte `json:"metaTag"`
	BodyCT    []byte `json:"bodyCt,omitempty"`
	BodyTag   []byte `json:"bodyTag,omitempty"`
	ObjectKey string `json:"objectKey,omitempty"`
	ObjectTag []byte `json:"objectTag,omitempty"`
}

func main() {
	configPath := flag.String("config", "proxyfabric.yaml", "path to the proxyfabric config file")
	grpcAddr := flag.String("listen", ":9090", "address the worker's gRPC server binds")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, continuing with process environment")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opener, err := buildOpener(cfg.Envelope)
	if err != nil {
		log.Fatalf("build opener: %v", err)
	}

	store := buildObjectStore(cfg.ObjectStore)

	w := &worker{
		opener:             opener,
		store:              store,
		httpClient:         &http.Client{Timeout: 60 * time.Second},
		logger:             logger,
		minMillisRemaining: time.Duration(cfg.Worker.MinMillisRemaining) * time.Millisecond,
		maxLifetime:        time.Duration(cfg.Worker.MaxLifetimeSec) * time.Second,
		maxIdlePolls:       cfg.Worker.MaxIdlePolls,
		maxQueuedRequests:  cfg.Worker.MaxQueuedRequests,
		maxNumFragments:    cfg.Worker.MaxNumFragments,
		queueFor: func(ctx context.Context) (queue.QueuePair, error) {
			return buildQueuePair(ctx, cfg.Queue)
		},
	}

	lis, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	server := grpc.NewServer()
	pb.RegisterWorkerServiceServer(server, w)

	go func() {
		<-ctx.Done()
		slog.Info("worker shutting down")
		server.GracefulStop()
	}()

	slog.Info("worker listening", "addr", *grpcAddr)
	if err := server.Serve(lis); err != nil {
		log.Fatalf("worker server exited: %v", err)
	}
	slog.Info("worker shut down cleanly")
}

// buildOpener constructs the worker's decrypt key. RSA_PRIVATE_KEY, when
// set, carries the key directly as hex-encoded PKCS#1 DER and takes
// precedence over the config file's path-based private_key_path, matching
// the one-shot-deploy environments this binary also targets where writing a
// key file alongside the binary isn't an option.
func buildOpener(cfg config.EnvelopeConfig) (*envelope.Opener, error) {
	if hexKey := os.Getenv("RSA_PRIVATE_KEY"); hexKey != "" {
		der, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("decode RSA_PRIVATE_KEY: %w", err)
		}
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
		return envelope.NewOpener(pemBytes)
	}
	if cfg.PrivateKeyPath == "" {
		return nil, nil
	}
	privPEM, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read envelope private key: %w", err)
	}
	return envelope.NewOpener(privPEM)
}

// worker implements pb.WorkerServiceServer. One instance serves both
// dispatch paths: a short-lived call executes a single proxied request and
// returns; a long-lived call runs a queue poll loop until it idles out.
type worker struct {
	pb.UnimplementedWorkerServiceServer

	opener     *envelope.Opener
	store      objectstore.Store
	httpClient *http.Client
	logger     *slog.Logger
	queueFor   func(ctx context.Context) (queue.QueuePair, error)

	// minMillisRemaining, maxLifetime, and maxIdlePolls bound how long a
	// long-lived poll-loop invocation runs before voluntarily exiting.
	minMillisRemaining time.Duration
	maxLifetime        time.Duration
	maxIdlePolls       int
	// maxQueuedRequests bounds how many tasks from one receive batch the
	// poll loop processes concurrently.
	maxQueuedRequests int
	// maxNumFragments caps how many pieces a result is split into before
	// the worker falls back to offloading it to object storage instead.
	maxNumFragments int
}

func (w *worker) Invoke(ctx context.Context, req *pb.InvokeRequest) (*pb.InvokeReply, error) {
	var directive pollDirective
	if err := json.Unmarshal(req.Payload, &directive); err == nil && directive.Mode == "poll" {
		return w.runPollLoop(ctx, directive)
	}
	var streamDir streamDirective
	if err := json.Unmarshal(req.Payload, &streamDir); err == nil && streamDir.Stream {
		return w.runStream(ctx, streamDir)
	}
	return w.handleSingleRequest(ctx, req.Payload)
}

// runStream services a non-MITM CONNECT tunnel: it dials the origin itself
// so the origin sees this worker's egress IP, dials back into the
// rendezvous server to claim the client socket registered under
// directive.SocketID, and splices the two connections until either side
// closes or the tunnel goes idle.
func (w *worker) runStream(ctx context.Context, directive streamDirective) (*pb.InvokeReply, error) {
	idleTimeout := time.Duration(directive.IdleTimeoutSec) * time.Second
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	originAddr := net.JoinHostPort(directive.Host, directive.Port)
	originConn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", originAddr)
	if err != nil {
		return nil, fmt.Errorf("worker: dial origin %s: %w", originAddr, err)
	}
	defer originConn.Close()

	rdvConn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", directive.StreamServer)
	if err != nil {
		return nil, fmt.Errorf("worker: dial rendezvous server %s: %w", directive.StreamServer, err)
	}
	defer rdvConn.Close()

	connectLine := fmt.Sprintf("CONNECT /%s HTTP/1.1\r\nHost: %s\r\n\r\n", directive.SocketID, directive.StreamServer)
	if _, err := rdvConn.Write([]byte(connectLine)); err != nil {
		return nil, fmt.Errorf("worker: send rendezvous CONNECT: %w", err)
	}
	reader := bufio.NewReader(rdvConn)
	if err := readConnectStatus(reader); err != nil {
		return nil, fmt.Errorf("worker: rendezvous CONNECT failed: %w", err)
	}

	// Splice reads directly off the net.Conn; wrap it so any client-side
	// bytes already buffered into reader (coalesced with the rendezvous
	// server's CONNECT reply) aren't silently dropped.
	result := stream.Splice(ctx, originConn, &bufferedConn{Conn: rdvConn, r: reader}, idleTimeout)
	if result.Err != nil {
		w.logger.Warn("stream splice ended with error", "socket_id", directive.SocketID, "error", result.Err)
	}

	summary := map[string]any{
		"socketId":  directive.SocketID,
		"bytesUp":   result.BytesAToB,
		"bytesDown": result.BytesBToA,
	}
	payload, _ := json.Marshal(summary)
	return &pb.InvokeReply{Payload: payload, LogTail: []byte(fmt.Sprintf("streamed %s", directive.SocketID))}, nil
}

// bufferedConn satisfies net.Conn while draining any bytes already pulled
// into r ahead of reads from the underlying connection.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// readConnectStatus reads and validates the status line and header block of
// a CONNECT response, leaving r positioned at the start of whatever follows
// (there is nothing else: a rendezvous CONNECT carries no body).
func readConnectStatus(r *bufio.Reader) error {
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read status line: %w", err)
	}
	if !strings.Contains(statusLine, "200") {
		return fmt.Errorf("unexpected status line: %q", strings.TrimSpace(statusLine))
	}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read headers: %w", err)
		}
		if strings.TrimRight(line, "\r\n") == "" {
			return nil
		}
	}
}

// handleSingleRequest executes exactly one proxied request — the
// short-lived dispatch path — and returns the response as the RPC reply.
func (w *worker) handleSingleRequest(ctx context.Context, payload []byte) (*pb.InvokeReply, error) {
	var probe struct {
		Key []byte `json:"Key"`
	}
	_ = json.Unmarshal(payload, &probe)

	if len(probe.Key) > 0 {
		reply, err := w.handleSealedRequest(ctx, payload)
		return reply, err
	}
	reply, err := w.handlePlainRequest(ctx, payload)
	return reply, err
}

func (w *worker) handleSealedRequest(ctx context.Context, payload []byte) (*pb.InvokeReply, error) {
	if w.opener == nil {
		return nil, fmt.Errorf("worker: received sealed request but no private key is configured")
	}

	var sealed envelope.Sealed
	if err := json.Unmarshal(payload, &sealed); err != nil {
		return nil, fmt.Errorf("worker: unmarshal sealed request: %w", err)
	}

	sessionKey, err := w.opener.SessionKey(&sealed)
	if err != nil {
		return nil, fmt.Errorf("worker: unwrap session key: %w", err)
	}

	var meta requestMeta
	if err := w.opener.OpenRequestMeta(&sealed, sessionKey, &meta); err != nil {
		return nil, fmt.Errorf("worker: open request meta: %w", err)
	}

	body, err := w.loadSealedBody(ctx, &sealed, sessionKey)
	if err != nil {
		return nil, err
	}

	status, headers, respBody, err := w.proxyRequest(ctx, meta.Method, meta.URL, meta.Headers, body)
	if err != nil {
		w.logger.Error("proxy request failed", "url", meta.URL, "error", err)
		status, headers, respBody = http.StatusBadGateway, map[string]string{}, nil
	}

	metaCT, metaTag, err := envelope.SealResponseMeta(sessionKey, responseMeta{StatusCode: status, Headers: headers})
	if err != nil {
		return nil, fmt.Errorf("worker: seal response meta: %w", err)
	}
	enc := encryptedResponse{MetaCT: metaCT, MetaTag: metaTag}

	if len(respBody) > 0 {
		if len(respBody) <= envelope.MaxInlineBodySize || w.store == nil {
			enc.BodyCT, enc.BodyTag, err = envelope.SealResponseBody(sessionKey, respBody)
			if err != nil {
				return nil, fmt.Errorf("worker: seal response body: %w", err)
			}
		} else {
			ct, tag, err := envelope.SealResponseBody(sessionKey, respBody)
			if err != nil {
				return nil, fmt.Errorf("worker: seal offloaded response body: %w", err)
			}
			key, err := w.store.Put(ctx, ct)
			if err != nil {
				return nil, fmt.Errorf("worker: offload response body: %w", err)
			}
			enc.ObjectKey, enc.ObjectTag = key, tag
		}
	}

	payloadOut, err := json.Marshal(enc)
	if err != nil {
		return nil, fmt.Errorf("worker: marshal sealed response: %w", err)
	}
	return &pb.InvokeReply{Payload: payloadOut, LogTail: []byte(fmt.Sprintf("%s %s -> %d", meta.Method, meta.URL, status))}, nil
}

func (w *worker) loadSealedBody(ctx context.Context, sealed *envelope.Sealed, sessionKey []byte) ([]byte, error) {
	switch {
	case sealed.ObjectKey != "":
		if w.store == nil {
			return nil, fmt.Errorf("worker: sealed request references an object key but no object store is configured")
		}
		ct, err := w.store.Get(ctx, sealed.ObjectKey)
		if err != nil {
			return nil, fmt.Errorf("worker: load offloaded request body: %w", err)
		}
		body, err := envelope.OpenObjectBody(sessionKey, ct, sealed.ObjectTag)
		if err != nil {
			return nil, fmt.Errorf("worker: open offloaded request body: %w", err)
		}
		return body, nil
	case sealed.Body != nil:
		body, err := envelope.OpenRequestBody(sessionKey, sealed)
		if err != nil {
			return nil, fmt.Errorf("worker: open request body: %w", err)
		}
		return body, nil
	default:
		return nil, nil
	}
}

func (w *worker) handlePlainRequest(ctx context.Context, payload []byte) (*pb.InvokeReply, error) {
	var wire plainRequest
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("worker: unmarshal plain request: %w", err)
	}

	body := wire.Body
	if wire.ObjectKey != "" {
		if w.store == nil {
			return nil, fmt.Errorf("worker: plain request references an object key but no object store is configured")
		}
		b, err := w.store.Get(ctx, wire.ObjectKey)
		if err != nil {
			return nil, fmt.Errorf("worker: load offloaded request body: %w", err)
		}
		body = b
	}

	status, headers, respBody, err := w.proxyRequest(ctx, wire.Method, wire.URL, wire.Headers, body)
	if err != nil {
		w.logger.Error("proxy request failed", "url", wire.URL, "error", err)
		status, headers, respBody = http.StatusBadGateway, map[string]string{}, nil
	}

	out := plainResponse{StatusCode: status, Headers: headers}
	if len(respBody) > 0 {
		if len(respBody) <= envelope.MaxInlineBodySize || w.store == nil {
			out.Body = respBody
		} else {
			key, err := w.store.Put(ctx, respBody)
			if err != nil {
				return nil, fmt.Errorf("worker: offload response body: %w", err)
			}
			out.ObjectKey = key
		}
	}

	payloadOut, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("worker: marshal plain response: %w", err)
	}
	return &pb.InvokeReply{Payload: payloadOut, LogTail: []byte(fmt.Sprintf("%s %s -> %d", wire.Method, wire.URL, status))}, nil
}

// proxyRequest executes the proxied HTTP call itself: the worker's one
// piece of real network work. Redirects are left for the original caller
// to follow, matching a forward proxy's semantics, and a gzip-encoded
// response is transparently inflated since Go's transport only does that
// automatically when it set the Accept-Encoding header itself.
func (w *worker) proxyRequest(ctx context.Context, method, url string, headers map[string]string, body []byte) (int, map[string]string, []byte, error) {
	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpReq.Close = false
	noRedirectClient := &http.Client{
		Timeout: w.httpClient.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := noRedirectClient.Do(httpReq)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respHeaders := map[string]string{}
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	if strings.EqualFold(respHeaders["Transfer-Encoding"], "chunked") {
		delete(respHeaders, "Transfer-Encoding")
	}

	reader := io.Reader(resp.Body)
	if strings.EqualFold(respHeaders["Content-Encoding"], "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err == nil {
			reader = gz
			delete(respHeaders, "Content-Encoding")
			defer gz.Close()
		}
	}

	content, err := io.ReadAll(reader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read response body: %w", err)
	}
	respHeaders["Content-Length"] = fmt.Sprintf("%d", len(content))

	return resp.StatusCode, respHeaders, content, nil
}

// runPollLoop is the long-lived dispatch path's worker side: it drains the
// shared task queue directly, processing up to maxQueuedRequests tasks from
// each batch concurrently, until one of three conditions ends the
// invocation: idleTimeout of wall-clock idleness, maxIdlePolls consecutive
// empty receives, or the remaining-lifetime budget dropping below
// minMillisRemaining. Whichever fires first, the invocation returns so the
// invoking Manager can spawn a replacement.
func (w *worker) runPollLoop(ctx context.Context, directive pollDirective) (*pb.InvokeReply, error) {
	idleTimeout := time.Duration(directive.IdleTimeoutSec) * time.Second
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	maxIdlePolls := w.maxIdlePolls
	if maxIdlePolls <= 0 {
		maxIdlePolls = 10
	}
	maxQueued := w.maxQueuedRequests
	if maxQueued <= 0 {
		maxQueued = 1
	}
	maxLifetime := w.maxLifetime
	if maxLifetime <= 0 {
		maxLifetime = 15 * time.Minute
	}
	minMillisRemaining := w.minMillisRemaining
	if minMillisRemaining <= 0 {
		minMillisRemaining = 10 * time.Second
	}

	q, err := w.queueFor(ctx)
	if err != nil {
		return nil, fmt.Errorf("worker: build queue pair: %w", err)
	}
	defer q.Close(ctx)

	// Poll in slices no longer than the idle deadline itself, so a short
	// idleTimeout (tests, a lightly loaded function) doesn't sit blocked in
	// a single long-poll call past the moment it should have given up.
	waitSeconds := int(idleTimeout.Seconds())
	if waitSeconds > 10 {
		waitSeconds = 10
	}
	if waitSeconds < 1 {
		waitSeconds = 1
	}

	start := time.Now()
	deadline := start.Add(maxLifetime)
	lastTask := time.Now()
	processed := 0
	idlePolls := 0
	exitReason := "idle"

	sem := semaphore.NewWeighted(int64(maxQueued))

	for {
		if ctx.Err() != nil {
			exitReason = "context canceled"
			break
		}
		if time.Since(lastTask) > idleTimeout {
			exitReason = "idle"
			break
		}
		if time.Until(deadline) < minMillisRemaining {
			exitReason = "remaining time budget exhausted"
			break
		}

		msgs, err := q.ReceiveTasks(ctx, waitSeconds)
		if err != nil {
			if ctx.Err() != nil {
				exitReason = "context canceled"
				break
			}
			w.logger.Error("task queue receive failed", "error", err)
			continue
		}
		if len(msgs) == 0 {
			idlePolls++
			if idlePolls >= maxIdlePolls {
				exitReason = "max idle polls reached"
				break
			}
			continue
		}

		idlePolls = 0
		lastTask = time.Now()

		var wg sync.WaitGroup
		for _, msg := range msgs {
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			wg.Add(1)
			go func(msg queue.Message) {
				defer wg.Done()
				defer sem.Release(1)
				w.processTask(ctx, q, msg)
			}(msg)
			processed++
		}
		wg.Wait()
	}

	summary := map[string]any{
		"workerLifetime":     time.Since(start).Milliseconds(),
		"numRequestsProxied": processed,
		"exitReason":         exitReason,
	}
	payload, _ := json.Marshal(summary)
	return &pb.InvokeReply{Payload: payload, LogTail: []byte(fmt.Sprintf("processed %d tasks", processed))}, nil
}

// fragmentOverhead is a conservative allowance for the TASK_ID/FRAG_ID/
// FRAG_CT attributes carried alongside each fragment's body, kept well under
// queue.MaxMessageSize so attributes never push a fragment over budget.
const fragmentOverhead = 512

func (w *worker) processTask(ctx context.Context, q queue.QueuePair, msg queue.Message) {
	var wire plainRequest
	if err := json.Unmarshal(msg.Body, &wire); err != nil {
		w.logger.Error("malformed task body", "error", err)
		_ = q.Delete(ctx, []queue.Message{msg})
		return
	}

	body := wire.Body
	if wire.ObjectKey != "" && w.store != nil {
		if b, err := w.store.Get(ctx, wire.ObjectKey); err == nil {
			body = b
		}
	}

	status, headers, respBody, err := w.proxyRequest(ctx, wire.Method, wire.URL, wire.Headers, body)
	if err != nil {
		w.logger.Error("proxy request failed", "url", wire.URL, "error", err)
		status, headers, respBody = http.StatusBadGateway, map[string]string{}, nil
	}

	taskID := msg.ID
	if err := w.sendTaskResult(ctx, q, taskID, status, headers, respBody); err != nil {
		w.logger.Error("send task result", "task_id", taskID, "error", err)
	}
	if err := q.Delete(ctx, []queue.Message{msg}); err != nil {
		w.logger.Warn("failed to delete processed task", "task_id", taskID, "error", err)
	}
}

// sendTaskResult marshals a task's result and gets it onto the result
// queue, splitting it into ordered fragments when it doesn't fit in one
// queue.MaxMessageSize message, and offloading the body to object storage
// only when it's too large to fragment within maxNumFragments pieces.
func (w *worker) sendTaskResult(ctx context.Context, q queue.QueuePair, taskID string, status int, headers map[string]string, respBody []byte) error {
	out := plainResponse{StatusCode: status, Headers: headers, Body: respBody}
	marshaled, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}

	if len(marshaled) <= queue.MaxMessageSize {
		return q.SendResult(ctx, marshaled, map[string]string{attrTaskID: taskID})
	}

	maxFragments := w.maxNumFragments
	if maxFragments <= 0 {
		maxFragments = 32
	}
	fragSize := queue.MaxMessageSize - fragmentOverhead
	fragCount := (len(marshaled) + fragSize - 1) / fragSize

	if fragCount > maxFragments {
		// Even fragmented, the result wouldn't fit under maxFragments
		// pieces: fall back to offloading the body and sending a single
		// small metadata-only result message.
		if w.store == nil {
			return fmt.Errorf("result too large to fragment (%d bytes, max %d fragments) and no object store configured", len(marshaled), maxFragments)
		}
		key, err := w.store.Put(ctx, respBody)
		if err != nil {
			return fmt.Errorf("offload oversized result: %w", err)
		}
		offloaded := plainResponse{StatusCode: status, Headers: headers, ObjectKey: key}
		small, err := json.Marshal(offloaded)
		if err != nil {
			return fmt.Errorf("marshal offloaded result: %w", err)
		}
		return q.SendResult(ctx, small, map[string]string{attrTaskID: taskID})
	}

	for i, frag := range splitIntoFragments(marshaled, fragSize) {
		attrs := map[string]string{
			attrTaskID:    taskID,
			attrFragID:    fmt.Sprintf("%d", i),
			attrFragCount: fmt.Sprintf("%d", fragCount),
		}
		if err := q.SendResult(ctx, frag, attrs); err != nil {
			return fmt.Errorf("send fragment %d/%d: %w", i, fragCount, err)
		}
	}
	return nil
}

// splitIntoFragments slices data into ordered, contiguous chunks of at most
// size bytes each, for workermanager.Future.AddFragment to concatenate back
// in order on the receiving side.
func splitIntoFragments(data []byte, size int) [][]byte {
	var frags [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		frags = append(frags, data[:n])
		data = data[n:]
	}
	return frags
}

func buildObjectStore(cfg config.ObjectStoreConfig) objectstore.Store {
	if cfg.Backend == "supabase" {
		return objectstore.NewSupabaseStore(cfg.URL, cfg.ServiceKey, cfg.Bucket)
	}
	return objectstore.NewMemoryStore()
}

func buildQueuePair(ctx context.Context, cfg config.QueueConfig) (queue.QueuePair, error) {
	if cfg.Backend != "pubsub" {
		return queue.NewMemoryQueuePair(256), nil
	}

	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("connect pubsub: %w", err)
	}
	return queue.NewPubSubQueuePair(ctx, client, "proxyfabric", 24*time.Hour, cfg.VisibilityTimeout())
}
