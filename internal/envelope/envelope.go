// Package envelope implements the hybrid RSA-OAEP + AES-GCM scheme used by
// the short-lived dispatch path to carry request/response metadata and
// bodies to and from an untrusted remote worker.
//
// A fresh AES-128 session key is generated per request and never used
// directly: each of the four directions (request meta, request body,
// response meta, response body) derives its own AES key from it via
// HKDF-SHA256, keyed on a direction label. That keeps the per-direction
// nonces below safe to hard-code even though they're fixed strings —
// GCM's nonce-reuse hazard only bites when the same key encrypts twice,
// and no two directions, or two requests, ever share a derived key.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeyLength is the size, in bytes, of the per-request AES-128 key.
const SessionKeyLength = 16

// MaxInlineBodySize is the largest request/response body carried inline in
// the envelope before the caller should offload it to object storage
// instead. Mirrors the conservative budget a size-capped invocation
// transport (Lambda's 6MB payload ceiling) leaves after base64 overhead:
// floor(5.8 MiB * 3/4), with 5.8 written as 29/5 so the arithmetic stays
// integral.
const MaxInlineBodySize = int(29 * 1024 * 1024 * 3 / 20)

var (
	requestMetaNonce  = nonceFor("request-meta")
	requestBodyNonce  = nonceFor("request-body")
	responseMetaNonce = nonceFor("response-meta")
	responseBodyNonce = nonceFor("response-body")
)

// nonceFor derives a fixed 12-byte nonce from a direction label. The label
// itself carries no secrecy — only the session key does — so a simple
// truncated hash is sufficient to produce a stable, collision-free value
// per direction.
func nonceFor(label string) []byte {
	sum := sha256.Sum256([]byte(label))
	return sum[:12]
}

// directionKey derives the AES key actually used to seal/open one of the
// envelope's four directions from the raw session key, via HKDF-SHA256
// keyed on the direction label. Two directions sharing a session key never
// share ciphertext under the same AES key.
func directionKey(sessionKey []byte, label string) ([]byte, error) {
	key := make([]byte, SessionKeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sessionKey, nil, []byte(label)), key); err != nil {
		return nil, fmt.Errorf("envelope: derive %s key: %w", label, err)
	}
	return key, nil
}

var (
	ErrEnvelopeTooLarge = errors.New("envelope: payload exceeds inline size limit")
	ErrMalformed        = errors.New("envelope: malformed envelope")
)

// Sealed carries the encrypted metadata, the optional encrypted body, and
// the RSA-wrapped session key. Either Body or ObjectKey (with ObjectTag) is
// set when a body is present, never both.
type Sealed struct {
	Meta      []byte // AES-GCM ciphertext of the JSON-encoded metadata
	MetaTag   []byte
	Key       []byte // RSA-OAEP wrapped session key
	Body      []byte // AES-GCM ciphertext of an inline body, or nil
	BodyTag   []byte
	ObjectKey string // object-store key for an offloaded body, or ""
	ObjectTag []byte // AES-GCM tag for an offloaded body
}

// Sealer seals outbound metadata/body pairs for the request direction.
type Sealer struct {
	pub *rsa.PublicKey
}

// Opener decrypts sealed envelopes using the matching private key.
type Opener struct {
	priv *rsa.PrivateKey
}

// NewSealer builds a Sealer from a PEM-encoded RSA public key.
func NewSealer(pemBytes []byte) (*Sealer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("envelope: no PEM block found in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("envelope: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("envelope: public key is not RSA")
	}
	return &Sealer{pub: rsaPub}, nil
}

// NewOpener builds an Opener from a PEM-encoded PKCS#1 RSA private key.
func NewOpener(pemBytes []byte) (*Opener, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("envelope: no PEM block found in private key")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("envelope: parse private key: %w", err)
	}
	return &Opener{priv: priv}, nil
}

func newSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("envelope: generate session key: %w", err)
	}
	return key, nil
}

func gcmSeal(key, nonce, plaintext []byte) (ciphertext, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-gcm.Overhead()]
	return ct, sealed[len(sealed)-gcm.Overhead():], nil
}

func gcmOpen(key, nonce, ciphertext, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, append(append([]byte{}, ciphertext...), tag...), nil)
}

// SealRequest encrypts request metadata and an optional inline body under a
// fresh session key, and wraps that key with RSA-OAEP for the worker. It
// returns the plaintext session key alongside the envelope so the caller —
// which generated it and holds no private key of its own — can later
// decrypt the matching response without an RSA round trip.
func (s *Sealer) SealRequest(meta any, body []byte) (*Sealed, []byte, error) {
	sessionKey, err := newSessionKey()
	if err != nil {
		return nil, nil, err
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, nil, fmt.Errorf("envelope: marshal metadata: %w", err)
	}
	metaKey, err := directionKey(sessionKey, "request-meta")
	if err != nil {
		return nil, nil, err
	}
	metaCT, metaTag, err := gcmSeal(metaKey, requestMetaNonce, metaJSON)
	if err != nil {
		return nil, nil, fmt.Errorf("envelope: seal metadata: %w", err)
	}

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, s.pub, sessionKey, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("envelope: wrap session key: %w", err)
	}

	out := &Sealed{Meta: metaCT, MetaTag: metaTag, Key: wrappedKey}
	if len(body) > 0 {
		bodyKey, err := directionKey(sessionKey, "request-body")
		if err != nil {
			return nil, nil, err
		}
		bodyCT, bodyTag, err := gcmSeal(bodyKey, requestBodyNonce, body)
		if err != nil {
			return nil, nil, fmt.Errorf("envelope: seal body: %w", err)
		}
		out.Body = bodyCT
		out.BodyTag = bodyTag
	}
	return out, sessionKey, nil
}

// SessionKey recovers the session key from a sealed envelope's wrapped key.
// Callers that need to encrypt an object-store body separately (large
// bodies that bypass the inline Body field) call this once and reuse the
// returned key for SealObjectBody / OpenObjectBody.
func (o *Opener) SessionKey(sealed *Sealed) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, o.priv, sealed.Key, nil)
}

// OpenRequestMeta decrypts the request metadata into dst.
func (o *Opener) OpenRequestMeta(sealed *Sealed, sessionKey []byte, dst any) error {
	metaKey, err := directionKey(sessionKey, "request-meta")
	if err != nil {
		return err
	}
	plain, err := gcmOpen(metaKey, requestMetaNonce, sealed.Meta, sealed.MetaTag)
	if err != nil {
		return fmt.Errorf("envelope: open metadata: %w", err)
	}
	if err := json.Unmarshal(plain, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// OpenRequestBody decrypts an inline request body.
func OpenRequestBody(sessionKey []byte, sealed *Sealed) ([]byte, error) {
	if sealed.Body == nil {
		return nil, nil
	}
	bodyKey, err := directionKey(sessionKey, "request-body")
	if err != nil {
		return nil, err
	}
	return gcmOpen(bodyKey, requestBodyNonce, sealed.Body, sealed.BodyTag)
}

// SealObjectBody encrypts a body destined for object storage under the
// request-body direction key — the same derived key used for inline
// bodies, since only one of the two paths is ever taken for a given
// request.
func SealObjectBody(sessionKey, body []byte) (ciphertext, tag []byte, err error) {
	bodyKey, err := directionKey(sessionKey, "request-body")
	if err != nil {
		return nil, nil, err
	}
	return gcmSeal(bodyKey, requestBodyNonce, body)
}

// OpenObjectBody decrypts a body retrieved from object storage.
func OpenObjectBody(sessionKey, ciphertext, tag []byte) ([]byte, error) {
	bodyKey, err := directionKey(sessionKey, "request-body")
	if err != nil {
		return nil, err
	}
	return gcmOpen(bodyKey, requestBodyNonce, ciphertext, tag)
}

// SealResponseMeta encrypts response metadata under the response-meta
// direction key, derived from the session key established for the
// request.
func SealResponseMeta(sessionKey []byte, meta any) (ciphertext, tag []byte, err error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, nil, fmt.Errorf("envelope: marshal response metadata: %w", err)
	}
	metaKey, err := directionKey(sessionKey, "response-meta")
	if err != nil {
		return nil, nil, err
	}
	return gcmSeal(metaKey, responseMetaNonce, metaJSON)
}

// OpenResponseMeta decrypts response metadata into dst.
func OpenResponseMeta(sessionKey, ciphertext, tag []byte, dst any) error {
	metaKey, err := directionKey(sessionKey, "response-meta")
	if err != nil {
		return err
	}
	plain, err := gcmOpen(metaKey, responseMetaNonce, ciphertext, tag)
	if err != nil {
		return fmt.Errorf("envelope: open response metadata: %w", err)
	}
	if err := json.Unmarshal(plain, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// SealResponseBody encrypts a response body (inline or object-store bound)
// under the response-body direction key.
func SealResponseBody(sessionKey, body []byte) (ciphertext, tag []byte, err error) {
	bodyKey, err := directionKey(sessionKey, "response-body")
	if err != nil {
		return nil, nil, err
	}
	return gcmSeal(bodyKey, responseBodyNonce, body)
}

// OpenResponseBody decrypts a response body.
func OpenResponseBody(sessionKey, ciphertext, tag []byte) ([]byte, error) {
	bodyKey, err := directionKey(sessionKey, "response-body")
	if err != nil {
		return nil, err
	}
	return gcmOpen(bodyKey, responseBodyNonce, ciphertext, tag)
}
