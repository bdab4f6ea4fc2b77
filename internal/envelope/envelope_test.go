package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
)

func genKeyPair(t *testing.T) (pub, priv []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pub = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	priv = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return pub, priv
}

func TestSealOpenRoundTrip(t *testing.T) {
	pubPEM, privPEM := genKeyPair(t)

	sealer, err := NewSealer(pubPEM)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	opener, err := NewOpener(privPEM)
	if err != nil {
		t.Fatalf("NewOpener: %v", err)
	}

	meta := map[string]string{"method": "GET", "url": "https://example.com/"}
	body := []byte("hello world")

	sealed, clientSessionKey, err := sealer.SealRequest(meta, body)
	if err != nil {
		t.Fatalf("SealRequest: %v", err)
	}
	if len(clientSessionKey) != SessionKeyLength {
		t.Fatalf("unexpected client-side session key length: %d", len(clientSessionKey))
	}

	sessionKey, err := opener.SessionKey(sealed)
	if err != nil {
		t.Fatalf("SessionKey: %v", err)
	}
	if len(sessionKey) != SessionKeyLength {
		t.Fatalf("unexpected session key length: %d", len(sessionKey))
	}
	if string(sessionKey) != string(clientSessionKey) {
		t.Fatalf("opener recovered a different session key than the sealer generated")
	}

	var gotMeta map[string]string
	if err := opener.OpenRequestMeta(sealed, sessionKey, &gotMeta); err != nil {
		t.Fatalf("OpenRequestMeta: %v", err)
	}
	if gotMeta["method"] != "GET" {
		t.Fatalf("unexpected metadata: %+v", gotMeta)
	}

	gotBody, err := OpenRequestBody(sessionKey, sealed)
	if err != nil {
		t.Fatalf("OpenRequestBody: %v", err)
	}
	if string(gotBody) != "hello world" {
		t.Fatalf("unexpected body: %q", gotBody)
	}
}

func TestOpenRequestMetaTamperedFails(t *testing.T) {
	pubPEM, privPEM := genKeyPair(t)
	sealer, _ := NewSealer(pubPEM)
	opener, _ := NewOpener(privPEM)

	sealed, _, err := sealer.SealRequest(map[string]string{"a": "b"}, nil)
	if err != nil {
		t.Fatalf("SealRequest: %v", err)
	}
	sealed.Meta[0] ^= 0xFF

	sessionKey, err := opener.SessionKey(sealed)
	if err != nil {
		t.Fatalf("SessionKey: %v", err)
	}
	var dst map[string]string
	if err := opener.OpenRequestMeta(sealed, sessionKey, &dst); err == nil {
		t.Fatal("expected tamper detection to fail decryption")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	sessionKey, err := newSessionKey()
	if err != nil {
		t.Fatalf("newSessionKey: %v", err)
	}

	metaCT, metaTag, err := SealResponseMeta(sessionKey, map[string]int{"status": 200})
	if err != nil {
		t.Fatalf("SealResponseMeta: %v", err)
	}
	var meta map[string]int
	if err := OpenResponseMeta(sessionKey, metaCT, metaTag, &meta); err != nil {
		t.Fatalf("OpenResponseMeta: %v", err)
	}
	if meta["status"] != 200 {
		t.Fatalf("unexpected meta: %+v", meta)
	}

	bodyCT, bodyTag, err := SealResponseBody(sessionKey, []byte("ok"))
	if err != nil {
		t.Fatalf("SealResponseBody: %v", err)
	}
	body, err := OpenResponseBody(sessionKey, bodyCT, bodyTag)
	if err != nil {
		t.Fatalf("OpenResponseBody: %v", err)
	}
	if string(body) != "ok" {
		t.Fatalf("unexpected body: %q", body)
	}
}
