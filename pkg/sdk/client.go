// Package sdk is a minimal Go client for the rendezvous server's legacy
// bulk endpoint. A worker or test harness that only needs to push one
// payload and poll liveness — rather than hold open a reverse-connection
// tunnel — can use this instead of dialing the rendezvous server's raw
// HTTP surface directly.
//
//	client := sdk.NewClient(sdk.Config{BaseURL: "https://rendezvous.example.com"})
//	err := client.PutMessage(ctx, "task-123", payload)
package sdk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds the SDK client configuration.
type Config struct {
	// BaseURL is the rendezvous server's base address (required).
	BaseURL string

	// Timeout bounds each HTTP call (default 10s).
	Timeout time.Duration
}

// Client is a thin HTTP client over the rendezvous server's mailbox and
// liveness endpoints.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a new rendezvous SDK client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// PutMessage POSTs a payload to the rendezvous server's mailbox under
// messageID, for later pickup by whatever process is watching that ID.
func (c *Client) PutMessage(ctx context.Context, messageID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/"+messageID, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sdk: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sdk: put message: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("sdk: unexpected status %d putting message %s", resp.StatusCode, messageID)
	}
	return nil
}

// Ping checks the rendezvous server's liveness endpoint, returning nil
// only if it responds 200 OK.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("sdk: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sdk: ping: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sdk: unexpected status %d from liveness check", resp.StatusCode)
	}
	return nil
}
