package daytona

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iterate-ops/machines/internal/model"
)

// apiSandbox is the sandbox resource as the managed API returns it. Only
// the fields we consume are mapped.
type apiSandbox struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	State        string            `json:"state"`
	ErrorReason  string            `json:"errorReason,omitempty"`
	Snapshot     string            `json:"snapshot,omitempty"`
	Target       string            `json:"target,omitempty"`
	RunnerDomain string            `json:"runnerDomain,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	CreatedAt    time.Time         `json:"createdAt,omitempty"`
}

type createSandboxRequest struct {
	Name               string            `json:"name"`
	Snapshot           string            `json:"snapshot"`
	Target             string            `json:"target,omitempty"`
	Env                map[string]string `json:"env,omitempty"`
	Labels             map[string]string `json:"labels,omitempty"`
	AutoStopInterval   *int              `json:"autoStopInterval,omitempty"`
	AutoDeleteInterval *int              `json:"autoDeleteInterval,omitempty"`
}

type execRequest struct {
	Command string `json:"command"`
}

type execResponse struct {
	ExitCode int    `json:"exitCode"`
	Result   string `json:"result"`
}

type apiError struct {
	Message string `json:"message"`
}

// ClientConfig is the configuration for the managed sandbox API client.
type ClientConfig struct {
	// APIURL is the base URL of the API, e.g. https://app.daytona.io/api.
	APIURL string
	// APIKey authenticates every request as a bearer token.
	APIKey string
	// HTTPClient defaults to a client with a generous per-request timeout;
	// long waits are done by polling, not by long-held requests.
	HTTPClient *http.Client
}

func (c *ClientConfig) defaults() error {
	if c.APIURL == "" {
		return fmt.Errorf("API URL is required: %w", model.ErrNotValid)
	}
	if c.APIKey == "" {
		return fmt.Errorf("API key is required: %w", model.ErrNotValid)
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return nil
}

// Client is a minimal JSON client for the managed sandbox API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a new managed sandbox API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		apiKey:  cfg.APIKey,
		client:  cfg.HTTPClient,
	}, nil
}

func (c *Client) CreateSandbox(ctx context.Context, req createSandboxRequest) (*apiSandbox, error) {
	sb := &apiSandbox{}
	if err := c.do(ctx, http.MethodPost, "/sandbox", req, sb); err != nil {
		return nil, fmt.Errorf("could not create sandbox: %w", err)
	}
	return sb, nil
}

func (c *Client) GetSandbox(ctx context.Context, sandboxID string) (*apiSandbox, error) {
	sb := &apiSandbox{}
	if err := c.do(ctx, http.MethodGet, "/sandbox/"+url.PathEscape(sandboxID), nil, sb); err != nil {
		return nil, fmt.Errorf("could not get sandbox %s: %w", sandboxID, err)
	}
	return sb, nil
}

func (c *Client) ListSandboxes(ctx context.Context) ([]apiSandbox, error) {
	sandboxes := []apiSandbox{}
	if err := c.do(ctx, http.MethodGet, "/sandbox", nil, &sandboxes); err != nil {
		return nil, fmt.Errorf("could not list sandboxes: %w", err)
	}
	return sandboxes, nil
}

func (c *Client) StartSandbox(ctx context.Context, sandboxID string) error {
	if err := c.do(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(sandboxID)+"/start", nil, nil); err != nil {
		return fmt.Errorf("could not start sandbox %s: %w", sandboxID, err)
	}
	return nil
}

func (c *Client) StopSandbox(ctx context.Context, sandboxID string) error {
	if err := c.do(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(sandboxID)+"/stop", nil, nil); err != nil {
		return fmt.Errorf("could not stop sandbox %s: %w", sandboxID, err)
	}
	return nil
}

func (c *Client) ArchiveSandbox(ctx context.Context, sandboxID string) error {
	if err := c.do(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(sandboxID)+"/archive", nil, nil); err != nil {
		return fmt.Errorf("could not archive sandbox %s: %w", sandboxID, err)
	}
	return nil
}

func (c *Client) DeleteSandbox(ctx context.Context, sandboxID string) error {
	if err := c.do(ctx, http.MethodDelete, "/sandbox/"+url.PathEscape(sandboxID)+"?force=true", nil, nil); err != nil {
		return fmt.Errorf("could not delete sandbox %s: %w", sandboxID, err)
	}
	return nil
}

// ExecCommand runs a shell command inside a sandbox through the in-machine
// toolbox and returns its captured output.
func (c *Client) ExecCommand(ctx context.Context, sandboxID, command string) (*execResponse, error) {
	resp := &execResponse{}
	path := "/toolbox/" + url.PathEscape(sandboxID) + "/process/execute"
	if err := c.do(ctx, http.MethodPost, path, execRequest{Command: command}, resp); err != nil {
		return nil, fmt.Errorf("could not execute command in sandbox %s: %w", sandboxID, err)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("could not decode response: %w", err)
	}

	return nil
}

// statusError maps an API error response to the common sentinel errors.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	message := strings.TrimSpace(string(raw))
	apiErr := apiError{}
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Message != "" {
		message = apiErr.Message
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", message, model.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", message, model.ErrAlreadyExists)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", message, model.ErrRateLimited)
	}

	return fmt.Errorf("API returned status %d: %s", resp.StatusCode, message)
}
