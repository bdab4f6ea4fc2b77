// Package mitm terminates TLS for a CONNECT tunnel using an on-demand leaf
// certificate signed by a local CA, parses the single decrypted HTTP
// request inside, proxies it through a dispatcher, and writes the response
// back over the same TLS connection.
package mitm

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ocx/proxyfabric/internal/dispatcher"
	"github.com/ocx/proxyfabric/internal/httpheaders"
)

// leafValidity is the NotAfter offset of each minted leaf certificate. A
// leaf is cached per host and reused for every later tunnel to that host.
const leafValidity = 24 * time.Hour

// Interceptor terminates TLS for CONNECT tunnels, minting one leaf
// certificate per host (cached for the process lifetime) signed by a
// locally held CA key.
type Interceptor struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	dispatch          dispatcher.Dispatcher
	overrideUserAgent bool
	logger            *slog.Logger

	mu        sync.Mutex
	certCache map[string]*tls.Certificate
}

// New builds an Interceptor from a PEM-encoded CA certificate and matching
// PKCS#1 RSA private key.
func New(caCertPEM, caKeyPEM []byte, disp dispatcher.Dispatcher, overrideUserAgent bool, logger *slog.Logger) (*Interceptor, error) {
	caCert, caKey, err := parseCA(caCertPEM, caKeyPEM)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		caCert:            caCert,
		caKey:              caKey,
		dispatch:          disp,
		overrideUserAgent: overrideUserAgent,
		logger:            logger,
		certCache:         make(map[string]*tls.Certificate),
	}, nil
}

// Stream wraps clientConn in a TLS server using a certificate minted for
// host, reads and proxies the single request it carries, then returns.
func (m *Interceptor) Stream(ctx context.Context, clientConn net.Conn, host, port string) error {
	cert, err := m.certFor(host)
	if err != nil {
		return fmt.Errorf("mitm: certificate for %s: %w", host, err)
	}

	tlsConn := tls.Server(clientConn, &tls.Config{Certificates: []tls.Certificate{*cert}})
	defer tlsConn.Close()

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("mitm: TLS handshake with client: %w", err)
	}

	return m.streamOneRequest(ctx, tlsConn, host, port)
}

func (m *Interceptor) certFor(host string) (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cert, ok := m.certCache[host]; ok {
		return cert, nil
	}
	cert, err := m.signCertForHost(host)
	if err != nil {
		return nil, err
	}
	m.certCache[host] = cert
	return cert, nil
}

func (m *Interceptor) signCertForHost(host string) (*tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 32))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Country:            []string{"US"},
			Province:           []string{"California"},
			Locality:           []string{"Palo Alto"},
			Organization:       []string{"ocx proxyfabric"},
			OrganizationalUnit: []string{"MITM Proxy"},
			CommonName:         host,
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{host},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, m.caCert, &priv.PublicKey, m.caKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, m.caCert.Raw},
		PrivateKey:  priv,
	}, nil
}

// streamOneRequest reads exactly one HTTP request off conn, proxies it, and
// writes the response, matching the single-request-per-tunnel protocol a
// browser uses for one CONNECT-ed HTTPS origin.
func (m *Interceptor) streamOneRequest(ctx context.Context, conn net.Conn, host, port string) error {
	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		return fmt.Errorf("parse intercepted request: %w", err)
	}
	defer req.Body.Close()

	headers := make(map[string]string, len(req.Header))
	for name := range req.Header {
		if httpheaders.IsFilteredRequest(name) {
			continue
		}
		headers[name] = req.Header.Get(name)
	}
	headers["Connection"] = "close"
	if m.overrideUserAgent {
		headers["User-Agent"] = httpheaders.DefaultUserAgent
	}

	var body []byte
	if req.ContentLength > 0 {
		body = make([]byte, req.ContentLength)
		if _, err := readFull(reader, body); err != nil {
			return fmt.Errorf("read intercepted body: %w", err)
		}
	}

	url := fmt.Sprintf("https://%s:%s%s", host, port, req.URL.RequestURI())
	resp, err := m.dispatch.Dispatch(ctx, &dispatcher.Request{
		Method:  req.Method,
		URL:     url,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return fmt.Errorf("dispatch intercepted request: %w", err)
	}

	return writeResponse(conn, resp)
}

func writeResponse(conn net.Conn, resp *dispatcher.Response) error {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	for name, value := range resp.Headers {
		if httpheaders.IsFilteredResponse(name) {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", name, value)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(resp.Body))
	b.WriteString("Connection: close\r\n\r\n")

	if _, err := conn.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("write response headers: %w", err)
	}
	if len(resp.Body) > 0 {
		if _, err := conn.Write(resp.Body); err != nil {
			return fmt.Errorf("write response body: %w", err)
		}
	}
	return nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func parseCA(certPEM, keyPEM []byte) (*x509.Certificate, *rsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("mitm: no PEM block in CA certificate")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("mitm: parse CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("mitm: no PEM block in CA key")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("mitm: parse CA key: %w", err)
	}

	return cert, key, nil
}
