package fly

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

// flyMachine is the machine resource as the fleet API returns it. Only the
// fields we consume are mapped.
type flyMachine struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	State      string        `json:"state"`
	Region     string        `json:"region"`
	InstanceID string        `json:"instance_id"`
	Config     machineConfig `json:"config"`
	CreatedAt  string        `json:"created_at,omitempty"`
}

type machineConfig struct {
	Image    string            `json:"image"`
	Guest    *machineGuest     `json:"guest,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Init     *machineInit      `json:"init,omitempty"`
	Services []machineService  `json:"services,omitempty"`
	Restart  *machineRestart   `json:"restart,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type machineGuest struct {
	CPUKind  string `json:"cpu_kind"`
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memory_mb"`
}

type machineInit struct {
	Cmd []string `json:"cmd,omitempty"`
}

type machineRestart struct {
	Policy string `json:"policy"`
}

type machineService struct {
	Protocol     string        `json:"protocol"`
	InternalPort int           `json:"internal_port"`
	Ports        []servicePort `json:"ports"`
}

type servicePort struct {
	Port     int      `json:"port"`
	Handlers []string `json:"handlers"`
}

type createMachineRequest struct {
	Name   string        `json:"name"`
	Region string        `json:"region,omitempty"`
	Config machineConfig `json:"config"`
}

type createAppRequest struct {
	AppName string `json:"app_name"`
	OrgSlug string `json:"org_slug"`
	Network string `json:"network,omitempty"`
}

type execMachineRequest struct {
	Command []string `json:"command"`
	Timeout int      `json:"timeout,omitempty"`
}

type execMachineResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type flyAPIError struct {
	Error string `json:"error"`
}

// ClientConfig is the configuration for the fleet REST API client.
type ClientConfig struct {
	// APIURL is the base URL of the machines REST API.
	APIURL string
	// Token authenticates every request as a bearer token.
	Token string
	// HTTPClient defaults to a client whose per-request timeout leaves room
	// for the API's server-side wait calls.
	HTTPClient *http.Client
}

func (c *ClientConfig) defaults() error {
	if c.APIURL == "" {
		c.APIURL = "https://api.machines.dev/v1"
	}
	if c.Token == "" {
		return fmt.Errorf("API token is required: %w", model.ErrNotValid)
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return nil
}

// Client is a minimal JSON client for the micro-VM fleet REST API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a new fleet REST API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		token:   cfg.Token,
		client:  cfg.HTTPClient,
	}, nil
}

// CreateApp creates the app that will hold a machine. Apps are the DNS and
// IP boundary: one app per machine.
func (c *Client) CreateApp(ctx context.Context, appName, orgSlug, network string) error {
	req := createAppRequest{AppName: appName, OrgSlug: orgSlug, Network: network}
	if err := c.do(ctx, http.MethodPost, "/apps", req, nil); err != nil {
		return fmt.Errorf("could not create app %s: %w", appName, err)
	}
	return nil
}

func (c *Client) DeleteApp(ctx context.Context, appName string) error {
	if err := c.do(ctx, http.MethodDelete, "/apps/"+url.PathEscape(appName), nil, nil); err != nil {
		return fmt.Errorf("could not delete app %s: %w", appName, err)
	}
	return nil
}

func (c *Client) CreateMachine(ctx context.Context, appName string, req createMachineRequest) (*flyMachine, error) {
	m := &flyMachine{}
	if err := c.do(ctx, http.MethodPost, c.machinesPath(appName), req, m); err != nil {
		return nil, fmt.Errorf("could not create machine in app %s: %w", appName, err)
	}
	return m, nil
}

func (c *Client) GetMachine(ctx context.Context, appName, machineID string) (*flyMachine, error) {
	m := &flyMachine{}
	if err := c.do(ctx, http.MethodGet, c.machinePath(appName, machineID), nil, m); err != nil {
		return nil, fmt.Errorf("could not get machine %s: %w", machineID, err)
	}
	return m, nil
}

func (c *Client) ListMachines(ctx context.Context, appName string) ([]flyMachine, error) {
	machines := []flyMachine{}
	if err := c.do(ctx, http.MethodGet, c.machinesPath(appName), nil, &machines); err != nil {
		return nil, fmt.Errorf("could not list machines in app %s: %w", appName, err)
	}
	return machines, nil
}

func (c *Client) StartMachine(ctx context.Context, appName, machineID string) error {
	if err := c.do(ctx, http.MethodPost, c.machinePath(appName, machineID)+"/start", nil, nil); err != nil {
		return fmt.Errorf("could not start machine %s: %w", machineID, err)
	}
	return nil
}

func (c *Client) StopMachine(ctx context.Context, appName, machineID string) error {
	if err := c.do(ctx, http.MethodPost, c.machinePath(appName, machineID)+"/stop", nil, nil); err != nil {
		return fmt.Errorf("could not stop machine %s: %w", machineID, err)
	}
	return nil
}

func (c *Client) RestartMachine(ctx context.Context, appName, machineID string) error {
	if err := c.do(ctx, http.MethodPost, c.machinePath(appName, machineID)+"/restart", nil, nil); err != nil {
		return fmt.Errorf("could not restart machine %s: %w", machineID, err)
	}
	return nil
}

func (c *Client) DeleteMachine(ctx context.Context, appName, machineID string) error {
	if err := c.do(ctx, http.MethodDelete, c.machinePath(appName, machineID)+"?force=true", nil, nil); err != nil {
		return fmt.Errorf("could not delete machine %s: %w", machineID, err)
	}
	return nil
}

// WaitMachine asks the API to block until the machine reaches the given
// state, bounded by the API's own server-side timeout. Callers decompose
// long waits into repeated short calls of this.
func (c *Client) WaitMachine(ctx context.Context, appName, machineID, instanceID, state string, timeout time.Duration) error {
	query := url.Values{}
	query.Set("state", state)
	query.Set("timeout", fmt.Sprintf("%d", int(timeout.Seconds())))
	if instanceID != "" {
		query.Set("instance_id", instanceID)
	}

	path := c.machinePath(appName, machineID) + "/wait?" + query.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, nil); err != nil {
		return fmt.Errorf("wait for machine %s state %q: %w", machineID, state, err)
	}
	return nil
}

// ExecMachine runs a command inside a machine and returns captured output.
func (c *Client) ExecMachine(ctx context.Context, appName, machineID string, command []string) (*execMachineResponse, error) {
	resp := &execMachineResponse{}
	req := execMachineRequest{Command: command, Timeout: 60}
	if err := c.do(ctx, http.MethodPost, c.machinePath(appName, machineID)+"/exec", req, resp); err != nil {
		return nil, fmt.Errorf("could not execute command in machine %s: %w", machineID, err)
	}
	return resp, nil
}

func (c *Client) machinesPath(appName string) string {
	return "/apps/" + url.PathEscape(appName) + "/machines"
}

func (c *Client) machinePath(appName, machineID string) string {
	return c.machinesPath(appName) + "/" + url.PathEscape(machineID)
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
	req.Header.Set("Authorization", "Bearer "+c.token)
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
	apiErr := flyAPIError{}
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error != "" {
		message = apiErr.Error
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", message, model.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", message, model.ErrAlreadyExists)
	case http.StatusRequestTimeout:
		return fmt.Errorf("%s: %w", message, model.ErrTimeout)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", message, model.ErrRateLimited)
	}

	return fmt.Errorf("API returned status %d: %s", resp.StatusCode, message)
}
