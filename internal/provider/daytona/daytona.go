// Package daytona implements the machine provider on a managed
// development-sandbox API. The backend owns scheduling and networking; this
// provider only drives its HTTP API.
package daytona

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iterate-ops/machines/internal/log"
	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/provider"
)

// Environment keys understood by the Daytona provider.
const (
	EnvAPIKey   = "DAYTONA_API_KEY"
	EnvAPIURL   = "DAYTONA_API_URL"
	EnvSnapshot = "DAYTONA_SNAPSHOT"
	// EnvTarget optionally pins sandboxes to a backend region/target.
	EnvTarget = "DAYTONA_TARGET"
	// EnvAutoStopInterval / EnvAutoDeleteInterval are minutes; the 0 and -1
	// semantics are backend-defined (0 disables auto-stop, -1 disables
	// auto-delete). Unset means the backend default applies.
	EnvAutoStopInterval   = "DAYTONA_AUTO_STOP_INTERVAL"
	EnvAutoDeleteInterval = "DAYTONA_AUTO_DELETE_INTERVAL"
	// EnvProxyDomain overrides the preview-proxy domain used to build base
	// URLs when the backend does not report a runner domain.
	EnvProxyDomain = "DAYTONA_PROXY_DOMAIN"
)

// entrypointEnvVar carries entrypoint arguments into the machine. This
// backend cannot accept container-start arguments at creation time, so the
// arguments are tab-joined into a reserved environment variable that the
// image's entry script splits and execs.
const entrypointEnvVar = "ITERATE_ENTRYPOINT_ARGS"

const defaultProxyDomain = "proxy.daytona.work"

// Backend-native sandbox states we act on.
const (
	stateStarted = "started"
	stateStopped = "stopped"
	stateError   = "error"
)

const (
	statePollInterval = time.Second
	statePollTimeout  = 180 * time.Second

	sentinelPollInterval = 500 * time.Millisecond
	sentinelPollTimeout  = 120 * time.Second
)

// ProviderConfig is the configuration for the Daytona provider.
type ProviderConfig struct {
	// Env is the raw string-keyed environment the provider is built from.
	Env map[string]string
	// Client overrides the API client (used in tests).
	Client *Client
	// HTTPClient overrides the transport of the default API client.
	HTTPClient *http.Client
	// SnapshotOverride forces a specific snapshot, taking precedence over
	// Env. Set by the runtime adapter when rehydrating from metadata.
	SnapshotOverride string
	Logger           log.Logger
}

func (c *ProviderConfig) defaults() error {
	if c.Client == nil {
		cli, err := NewClient(ClientConfig{
			APIURL:     c.Env[EnvAPIURL],
			APIKey:     c.Env[EnvAPIKey],
			HTTPClient: c.HTTPClient,
		})
		if err != nil {
			return err
		}
		c.Client = cli
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "provider.Daytona"})
	return nil
}

// Provider is the Daytona implementation of provider.Provider.
type Provider struct {
	client      *Client
	logger      log.Logger
	snapshot    string
	target      string
	proxyDomain string
	autoStop    *int
	autoDelete  *int
}

var _ provider.Provider = (*Provider)(nil)

// NewProvider creates a new Daytona provider from a raw environment.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	snapshot := cfg.Env[EnvSnapshot]
	if cfg.SnapshotOverride != "" {
		snapshot = cfg.SnapshotOverride
	}
	if snapshot == "" {
		return nil, fmt.Errorf("%s is required: %w", EnvSnapshot, model.ErrNotValid)
	}

	proxyDomain := cfg.Env[EnvProxyDomain]
	if proxyDomain == "" {
		proxyDomain = defaultProxyDomain
	}

	autoStop, err := optionalMinutes(cfg.Env, EnvAutoStopInterval)
	if err != nil {
		return nil, err
	}
	autoDelete, err := optionalMinutes(cfg.Env, EnvAutoDeleteInterval)
	if err != nil {
		return nil, err
	}

	return &Provider{
		client:      cfg.Client,
		logger:      cfg.Logger,
		snapshot:    snapshot,
		target:      cfg.Env[EnvTarget],
		proxyDomain: proxyDomain,
		autoStop:    autoStop,
		autoDelete:  autoDelete,
	}, nil
}

// Type returns the provider type.
func (p *Provider) Type() model.ProviderType { return model.ProviderTypeDaytona }

// Create creates a new sandbox and blocks until the backend reports it
// started (plus the entrypoint sentinel when the supervisor is bypassed).
func (p *Provider) Create(ctx context.Context, opts model.CreateSandboxOptions) (provider.Sandbox, error) {
	if err := opts.Validate(model.ProviderTypeDaytona); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	snapshot := opts.ProviderSnapshotID
	if snapshot == "" {
		snapshot = p.snapshot
	}

	envVars := map[string]string{}
	for k, v := range opts.EnvVars {
		envVars[k] = v
	}
	if len(opts.EntrypointArguments) > 0 {
		envVars[entrypointEnvVar] = strings.Join(opts.EntrypointArguments, "\t")
	}

	p.logger.Infof("Creating sandbox %s from snapshot %s", opts.ExternalID, snapshot)
	created, err := p.client.CreateSandbox(ctx, createSandboxRequest{
		Name:               opts.ExternalID,
		Snapshot:           snapshot,
		Target:             p.target,
		Env:                envVars,
		Labels:             map[string]string{"display-name": opts.Name},
		AutoStopInterval:   p.autoStop,
		AutoDeleteInterval: p.autoDelete,
	})
	if err != nil {
		return nil, err
	}

	sb := p.newSandbox(opts.ExternalID, created.ID, snapshot)

	if err := sb.waitForState(ctx, stateStarted); err != nil {
		return nil, err
	}

	// With entrypoint arguments the entry script execs the caller's command
	// instead of the supervisor: the sentinel file is the only readiness
	// signal beyond the backend's own "started".
	if len(opts.EntrypointArguments) > 0 {
		if err := sb.waitForEntrypointSentinel(ctx); err != nil {
			return nil, err
		}
	}

	p.logger.Infof("Created machine %s (sandbox %s)", opts.ExternalID, created.ID)

	return sb, nil
}

// Sandbox reconstructs a handle for an existing sandbox. The backend's
// opaque sandbox ID may be missing from metadata; it is then resolved
// lazily by name on first use.
func (p *Provider) Sandbox(ctx context.Context, externalID string, metadata *model.Metadata) (provider.Sandbox, error) {
	if err := model.ValidateExternalID(model.ProviderTypeDaytona, externalID); err != nil {
		return nil, err
	}

	sandboxID := ""
	snapshot := p.snapshot
	if metadata != nil && metadata.Daytona != nil {
		sandboxID = metadata.Daytona.SandboxID
		if metadata.Daytona.Snapshot != "" {
			snapshot = metadata.Daytona.Snapshot
		}
	}

	return p.newSandbox(externalID, sandboxID, snapshot), nil
}

// ListSandboxes lists the sandboxes the backend currently knows about.
func (p *Provider) ListSandboxes(ctx context.Context) ([]model.SandboxInfo, error) {
	sandboxes, err := p.client.ListSandboxes(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]model.SandboxInfo, 0, len(sandboxes))
	for _, sb := range sandboxes {
		infos = append(infos, model.SandboxInfo{
			ProviderID: sb.ID,
			ExternalID: sb.Name,
			Name:       sb.Labels["display-name"],
			State:      sb.State,
			CreatedAt:  sb.CreatedAt,
		})
	}

	return infos, nil
}

// ListSnapshots returns only the configured default snapshot: the backend
// has no queryable snapshot catalog.
func (p *Provider) ListSnapshots(ctx context.Context) ([]model.SnapshotInfo, error) {
	return []model.SnapshotInfo{{
		ID:    p.snapshot,
		Name:  p.snapshot,
		State: "available",
	}}, nil
}

func (p *Provider) newSandbox(externalID, sandboxID, snapshot string) *Sandbox {
	return &Sandbox{
		client:      p.client,
		logger:      p.logger.WithValues(log.Kv{"machine": externalID}),
		externalID:  externalID,
		snapshot:    snapshot,
		proxyDomain: p.proxyDomain,
		sandboxID:   sandboxID,
	}
}

func optionalMinutes(envMap map[string]string, key string) (*int, error) {
	raw, ok := envMap[key]
	if !ok || raw == "" {
		return nil, nil
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an integer number of minutes: %w", key, model.ErrNotValid)
	}
	return &minutes, nil
}
