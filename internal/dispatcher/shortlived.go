package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/ocx/proxyfabric/internal/envelope"
	"github.com/ocx/proxyfabric/internal/invoker"
	"github.com/ocx/proxyfabric/internal/objectstore"
)

// encryptedResponse is the wire shape a worker returns on the short-lived
// path when encryption is enabled: response metadata under its own AEAD
// tag, and a body that is either carried inline or offloaded to object
// storage — never both.
type encryptedResponse struct {
	MetaCT    []byte `json:"metaCt"`
	MetaTag   []byte `json:"metaTag"`
	BodyCT    []byte `json:"bodyCt,omitempty"`
	BodyTag   []byte `json:"bodyTag,omitempty"`
	ObjectKey string `json:"objectKey,omitempty"`
	ObjectTag []byte `json:"objectTag,omitempty"`
}

// plainRequest/plainResponse are the unencrypted wire shapes used when no
// Sealer is configured — the same field layout, just without the envelope.
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

// ShortLivedConfig configures a ShortLivedPath.
type ShortLivedConfig struct {
	// Functions is the pool of equivalent worker targets one request is
	// invoked against, picked uniformly at random per request.
	Functions []string
	// MaxParallel bounds concurrently in-flight invocations.
	MaxParallel int64
	// Sealer enables envelope encryption when non-nil; requests are sent
	// as plain JSON otherwise.
	Sealer *envelope.Sealer
	// Store offloads bodies over envelope.MaxInlineBodySize; nil disables
	// offload and such requests fail outright.
	Store objectstore.Store
}

// ShortLivedPath invokes a worker function once per request: the simplest
// and lowest-latency dispatch path, best suited to small, independent
// requests that don't benefit from a warm worker.
type ShortLivedPath struct {
	inv       invoker.Invoker
	functions []string
	sem       *semaphore.Weighted
	sealer    *envelope.Sealer
	store     objectstore.Store
	logger    *slog.Logger
}

// NewShortLivedPath builds a ShortLivedPath.
func NewShortLivedPath(inv invoker.Invoker, cfg ShortLivedConfig, logger *slog.Logger) *ShortLivedPath {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShortLivedPath{
		inv:       inv,
		functions: cfg.Functions,
		sem:       semaphore.NewWeighted(cfg.MaxParallel),
		sealer:    cfg.Sealer,
		store:     cfg.Store,
		logger:    logger,
	}
}

func (p *ShortLivedPath) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("dispatcher: acquire invocation slot: %w", err)
	}
	defer p.sem.Release(1)

	function := invoker.PickFunction(p.functions)

	var (
		payload    []byte
		sessionKey []byte
		err        error
	)
	if p.sealer != nil {
		payload, sessionKey, err = p.buildEncryptedPayload(ctx, req)
	} else {
		payload, err = p.buildPlainPayload(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("dispatcher: build payload: %w", err)
	}

	reply, err := p.inv.Invoke(ctx, function, payload)
	if err != nil {
		p.logger.Error("worker invocation failed", "function", function, "error", err)
		return &Response{StatusCode: 500, Headers: map[string]string{}}, nil
	}

	if p.sealer != nil {
		return p.parseEncryptedResponse(ctx, reply.Payload, sessionKey)
	}
	return p.parsePlainResponse(ctx, reply.Payload)
}

func (p *ShortLivedPath) buildEncryptedPayload(ctx context.Context, req *Request) ([]byte, []byte, error) {
	meta := requestMeta{Method: req.Method, URL: req.URL, Headers: req.Headers}

	var inlineBody []byte
	if len(req.Body) > 0 && len(req.Body) <= envelope.MaxInlineBodySize {
		inlineBody = req.Body
	}

	sealed, sessionKey, err := p.sealer.SealRequest(meta, inlineBody)
	if err != nil {
		return nil, nil, err
	}

	if len(req.Body) > 0 && inlineBody == nil {
		if p.store == nil {
			return nil, nil, fmt.Errorf("body of %d bytes exceeds inline limit and no object store is configured", len(req.Body))
		}
		ct, tag, err := envelope.SealObjectBody(sessionKey, req.Body)
		if err != nil {
			return nil, nil, err
		}
		key, err := p.store.Put(ctx, ct)
		if err != nil {
			return nil, nil, fmt.Errorf("offload request body: %w", err)
		}
		sealed.ObjectKey = key
		sealed.ObjectTag = tag
	}

	payload, err := json.Marshal(sealed)
	if err != nil {
		return nil, nil, err
	}
	return payload, sessionKey, nil
}

func (p *ShortLivedPath) buildPlainPayload(ctx context.Context, req *Request) ([]byte, error) {
	wire := plainRequest{Method: req.Method, URL: req.URL, Headers: req.Headers}

	switch {
	case len(req.Body) == 0:
	case len(req.Body) <= envelope.MaxInlineBodySize:
		wire.Body = req.Body
	case p.store == nil:
		return nil, fmt.Errorf("%w: body of %d bytes and no object store is configured", envelope.ErrEnvelopeTooLarge, len(req.Body))
	default:
		key, err := p.store.Put(ctx, req.Body)
		if err != nil {
			return nil, fmt.Errorf("offload request body: %w", err)
		}
		wire.ObjectKey = key
	}

	return json.Marshal(wire)
}

func (p *ShortLivedPath) parseEncryptedResponse(ctx context.Context, payload, sessionKey []byte) (*Response, error) {
	var enc encryptedResponse
	if err := json.Unmarshal(payload, &enc); err != nil {
		return nil, fmt.Errorf("dispatcher: unmarshal worker response: %w", err)
	}

	var meta responseMeta
	if err := envelope.OpenResponseMeta(sessionKey, enc.MetaCT, enc.MetaTag, &meta); err != nil {
		return nil, fmt.Errorf("dispatcher: open response metadata: %w", err)
	}

	var body []byte
	var err error
	switch {
	case enc.ObjectKey != "":
		var ct []byte
		ct, err = p.store.Get(ctx, enc.ObjectKey)
		if err == nil {
			body, err = envelope.OpenResponseBody(sessionKey, ct, enc.ObjectTag)
		}
	case enc.BodyCT != nil:
		body, err = envelope.OpenResponseBody(sessionKey, enc.BodyCT, enc.BodyTag)
	}
	if err != nil {
		return nil, fmt.Errorf("dispatcher: open response body: %w", err)
	}

	return &Response{StatusCode: meta.StatusCode, Headers: meta.Headers, Body: body}, nil
}

func (p *ShortLivedPath) parsePlainResponse(ctx context.Context, payload []byte) (*Response, error) {
	var wire plainResponse
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("dispatcher: unmarshal worker response: %w", err)
	}

	body := wire.Body
	if wire.ObjectKey != "" {
		b, err := p.store.Get(ctx, wire.ObjectKey)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: load offloaded response body: %w", err)
		}
		body = b
	}

	return &Response{StatusCode: wire.StatusCode, Headers: wire.Headers, Body: body}, nil
}
