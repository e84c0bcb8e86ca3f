// Package supervisor is a thin client for the process supervisor that runs
// inside every machine image. It is consumed only to decide readiness; the
// supervisor's own protocol is out of scope here.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/iterate-ops/machines/internal/model"
)

// Port is the in-machine port the process supervisor listens on.
const Port = 9000

const healthPath = "/status/healthz"

// ClientConfig is the configuration for a supervisor client.
type ClientConfig struct {
	// BaseURL is the reachable URL of the supervisor port for one machine.
	BaseURL string
	// HTTPClient defaults to a client with a short per-request timeout,
	// suitable for polling.
	HTTPClient *http.Client
}

func (c *ClientConfig) defaults() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required: %w", model.ErrNotValid)
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 2 * time.Second}
	}
	return nil
}

// Client queries one machine's process supervisor.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new supervisor client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		baseURL: cfg.BaseURL,
		client:  cfg.HTTPClient,
	}, nil
}

// Healthy reports whether the supervisor answers its health check.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// WaitHealthy polls the health check at a fixed interval until it passes or
// the timeout expires.
func (c *Client) WaitHealthy(ctx context.Context, interval, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if c.Healthy(ctx) {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("supervisor did not become healthy within %s: %w", timeout, model.ErrTimeout)
		case <-ticker.C:
		}
	}
}
