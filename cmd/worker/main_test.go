package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ocx/proxyfabric/internal/config"
	"github.com/ocx/proxyfabric/internal/envelope"
	"github.com/ocx/proxyfabric/internal/objectstore"
	"github.com/ocx/proxyfabric/internal/queue"
	"github.com/ocx/proxyfabric/pb"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// generateTestKeypair returns PEM-encoded PKCS#1 private / PKIX public RSA
// keys in the shapes envelope.NewOpener/NewSealer expect.
func generateTestKeypair(t *testing.T) (privPEM, pubPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return privPEM, pubPEM
}

func TestProxyRequestStripsChunkedAndInflatesGzip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Echo", r.Header.Get("X-Echo"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello from upstream"))
	}))
	defer upstream.Close()

	w := &worker{httpClient: &http.Client{}, logger: discardLogger()}
	status, headers, body, err := w.proxyRequest(context.Background(), "GET", upstream.URL, map[string]string{"X-Echo": "ping"}, nil)
	if err != nil {
		t.Fatalf("proxyRequest: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if headers["X-Echo"] != "ping" {
		t.Fatalf("expected echoed header, got %q", headers["X-Echo"])
	}
	if string(body) != "hello from upstream" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestHandlePlainRequestRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	}))
	defer upstream.Close()

	w := &worker{httpClient: &http.Client{}, logger: discardLogger()}
	req := plainRequest{Method: "POST", URL: upstream.URL, Headers: map[string]string{}, Body: []byte("payload")}
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	reply, err := w.Invoke(context.Background(), &pb.InvokeRequest{Payload: payload})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	var out plainResponse
	if err := json.Unmarshal(reply.Payload, &out); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if out.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", out.StatusCode)
	}
	if string(out.Body) != "payload" {
		t.Fatalf("unexpected echoed body: %q", out.Body)
	}
}

func TestHandleSealedRequestRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer upstream.Close()

	priv, pub := generateTestKeypair(t)
	sealer, err := envelope.NewSealer(pub)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	opener, err := envelope.NewOpener(priv)
	if err != nil {
		t.Fatalf("NewOpener: %v", err)
	}

	meta := struct {
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	}{Method: "POST", URL: upstream.URL, Headers: map[string]string{}}

	sealed, _, err := sealer.SealRequest(meta, []byte("secret"))
	if err != nil {
		t.Fatalf("SealRequest: %v", err)
	}
	payload, err := json.Marshal(sealed)
	if err != nil {
		t.Fatalf("marshal sealed: %v", err)
	}

	w := &worker{opener: opener, httpClient: &http.Client{}, logger: discardLogger()}
	reply, err := w.Invoke(context.Background(), &pb.InvokeRequest{Payload: payload})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	var enc encryptedResponse
	if err := json.Unmarshal(reply.Payload, &enc); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}

	sessionKey, err := opener.SessionKey(sealed)
	if err != nil {
		t.Fatalf("SessionKey: %v", err)
	}
	var respMeta responseMeta
	if err := envelope.OpenResponseMeta(sessionKey, enc.MetaCT, enc.MetaTag, &respMeta); err != nil {
		t.Fatalf("OpenResponseMeta: %v", err)
	}
	if respMeta.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", respMeta.StatusCode)
	}
	body, err := envelope.OpenResponseBody(sessionKey, enc.BodyCT, enc.BodyTag)
	if err != nil {
		t.Fatalf("OpenResponseBody: %v", err)
	}
	if string(body) != "secret" {
		t.Fatalf("unexpected echoed body: %q", body)
	}
}

func TestInvokeRoutesPollDirectiveToPollLoop(t *testing.T) {
	q := queue.NewMemoryQueuePair(4)
	w := &worker{
		httpClient: &http.Client{},
		logger:     discardLogger(),
		store:      objectstore.NewMemoryStore(),
		queueFor: func(context.Context) (queue.QueuePair, error) {
			return q, nil
		},
	}

	payload, _ := json.Marshal(pollDirective{Mode: "poll", IdleTimeoutSec: 1})
	reply, err := w.Invoke(context.Background(), &pb.InvokeRequest{Payload: payload})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	var summary struct {
		ExitReason string `json:"exitReason"`
	}
	if err := json.Unmarshal(reply.Payload, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.ExitReason != "idle" {
		t.Fatalf("expected idle exit, got %q", summary.ExitReason)
	}
}

func TestSendTaskResultFragmentsOversizedBody(t *testing.T) {
	q := queue.NewMemoryQueuePair(16)
	w := &worker{logger: discardLogger(), maxNumFragments: 32}

	// 1 MiB body comfortably exceeds queue.MaxMessageSize and must split.
	body := bytes.Repeat([]byte{'x'}, 1024*1024)
	if err := w.sendTaskResult(context.Background(), q, "task-1", http.StatusOK, map[string]string{}, body); err != nil {
		t.Fatalf("sendTaskResult: %v", err)
	}

	var frags []queue.Message
	for {
		msgs, err := q.ReceiveResults(context.Background(), 1)
		if err != nil {
			t.Fatalf("ReceiveResults: %v", err)
		}
		if len(msgs) == 0 {
			break
		}
		frags = append(frags, msgs...)
	}

	if len(frags) < 2 {
		t.Fatalf("expected the result to be split across multiple fragments, got %d", len(frags))
	}

	fragCount, err := strconv.Atoi(frags[0].Attributes[attrFragCount])
	if err != nil {
		t.Fatalf("parse FRAG_CT: %v", err)
	}
	if fragCount != len(frags) {
		t.Fatalf("FRAG_CT %d doesn't match fragment count %d", fragCount, len(frags))
	}

	reassembled := make([][]byte, fragCount)
	for _, frag := range frags {
		if frag.Attributes[attrTaskID] != "task-1" {
			t.Fatalf("unexpected task id on fragment: %q", frag.Attributes[attrTaskID])
		}
		idx, err := strconv.Atoi(frag.Attributes[attrFragID])
		if err != nil {
			t.Fatalf("parse FRAG_ID: %v", err)
		}
		reassembled[idx] = frag.Body
	}
	var joined bytes.Buffer
	for _, part := range reassembled {
		joined.Write(part)
	}

	var out plainResponse
	if err := json.Unmarshal(joined.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal reassembled result: %v", err)
	}
	if len(out.Body) != len(body) {
		t.Fatalf("expected reassembled body of length %d, got %d", len(body), len(out.Body))
	}
}

func TestSendTaskResultOffloadsWhenFragmentCapExceeded(t *testing.T) {
	q := queue.NewMemoryQueuePair(4)
	store := objectstore.NewMemoryStore()
	w := &worker{logger: discardLogger(), store: store, maxNumFragments: 1}

	body := bytes.Repeat([]byte{'y'}, 1024*1024)
	if err := w.sendTaskResult(context.Background(), q, "task-2", http.StatusOK, map[string]string{}, body); err != nil {
		t.Fatalf("sendTaskResult: %v", err)
	}

	msgs, err := q.ReceiveResults(context.Background(), 1)
	if err != nil {
		t.Fatalf("ReceiveResults: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one offloaded result message, got %d", len(msgs))
	}

	var out plainResponse
	if err := json.Unmarshal(msgs[0].Body, &out); err != nil {
		t.Fatalf("unmarshal offloaded result: %v", err)
	}
	if out.ObjectKey == "" {
		t.Fatal("expected offloaded result to carry an object key")
	}
	stored, err := store.Get(context.Background(), out.ObjectKey)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if len(stored) != len(body) {
		t.Fatalf("expected stored body of length %d, got %d", len(body), len(stored))
	}
}

func TestBuildOpenerPrefersHexEnvKeyOverPath(t *testing.T) {
	priv, _ := generateTestKeypair(t)
	block, _ := pem.Decode(priv)
	if block == nil {
		t.Fatal("decode generated private key PEM")
	}

	t.Setenv("RSA_PRIVATE_KEY", hex.EncodeToString(block.Bytes))

	opener, err := buildOpener(config.EnvelopeConfig{PrivateKeyPath: "/nonexistent/path/should/be/ignored"})
	if err != nil {
		t.Fatalf("buildOpener: %v", err)
	}
	if opener == nil {
		t.Fatal("expected an opener to be built from RSA_PRIVATE_KEY")
	}
}

func TestRunStreamSplicesOriginAndRendezvous(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen origin: %v", err)
	}
	defer origin.Close()
	go func() {
		conn, err := origin.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		io.ReadFull(conn, buf)
		conn.Write([]byte("world"))
	}()

	rdv, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen rendezvous: %v", err)
	}
	defer rdv.Close()
	clientSide := make(chan net.Conn, 1)
	go func() {
		conn, err := rdv.Accept()
		if err != nil {
			return
		}
		reader := bufio.NewReader(conn)
		if _, err := reader.ReadString('\n'); err != nil {
			return
		}
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
		clientSide <- conn
	}()

	w := &worker{logger: discardLogger()}
	host, port, _ := net.SplitHostPort(origin.Addr().String())
	directive := streamDirective{
		Stream:         true,
		SocketID:       "sock-1",
		StreamServer:   rdv.Addr().String(),
		Host:           host,
		Port:           port,
		IdleTimeoutSec: 1,
	}

	done := make(chan error, 1)
	go func() {
		_, err := w.runStream(context.Background(), directive)
		done <- err
	}()

	select {
	case conn := <-clientSide:
		conn.Write([]byte("hello"))
		reply := make([]byte, 5)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := io.ReadFull(conn, reply); err != nil {
			t.Fatalf("read spliced reply: %v", err)
		}
		if string(reply) != "world" {
			t.Fatalf("unexpected spliced reply: %q", reply)
		}
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rendezvous client side")
	}

	if err := <-done; err != nil {
		t.Fatalf("runStream: %v", err)
	}
}
