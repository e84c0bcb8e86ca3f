// Package fly implements the machine provider on a micro-VM fleet API.
// Machine management goes through the fleet's REST API; IP allocation and
// org-wide listing go through its GraphQL API.
package fly

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/iterate-ops/machines/internal/log"
	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/provider"
	"github.com/iterate-ops/machines/internal/provider/ingress"
)

// Environment keys understood by the Fly provider.
const (
	EnvAPIToken = "FLY_API_TOKEN"
	EnvOrg      = "FLY_ORG"
	// EnvImage is the image machines are created from when the caller does
	// not pass a snapshot override.
	EnvImage = "FLY_IMAGE"
	// EnvBaseDomain is the public DNS suffix machines are reachable under.
	EnvBaseDomain = "FLY_BASE_DOMAIN"
	// EnvRegion pins machines to a region; unset lets the fleet choose.
	EnvRegion = "FLY_REGION"
	// EnvNetwork places apps on a private network (shared with the egress
	// VM when shared egress is used).
	EnvNetwork = "FLY_NETWORK"

	// Guest sizing.
	EnvCPUs     = "FLY_CPUS"
	EnvCPUKind  = "FLY_CPU_KIND"
	EnvMemoryMB = "FLY_MEMORY_MB"
)

const (
	defaultBaseDomain = "fly.dev"
	defaultCPUs       = 2
	defaultCPUKind    = "shared"
	defaultMemoryMB   = 2048

	restartPolicy = "on-failure"
)

// Machine states the fleet reports.
const (
	stateStarted = "started"
	stateStopped = "stopped"
)

const (
	// The API's server-side wait tops out below a minute; long waits are
	// decomposed into repeated short sub-waits so we never trip it.
	waitSubTimeout   = 10 * time.Second
	waitTotalTimeout = 120 * time.Second

	startRetryAttempts = 3
	startRetryBackoff  = time.Second
)

// ProviderConfig is the configuration for the Fly provider.
type ProviderConfig struct {
	// Env is the raw string-keyed environment the provider is built from.
	Env map[string]string
	// Client overrides the REST client (used in tests).
	Client *Client
	// GraphQL overrides the GraphQL client (used in tests).
	GraphQL *GraphQLClient
	// HTTPClient overrides the transport of the default clients.
	HTTPClient *http.Client
	// APIURL / GraphQLURL override the endpoints (used in tests).
	APIURL     string
	GraphQLURL string
	// SnapshotOverride forces a specific image, taking precedence over Env.
	// Set by the runtime adapter when rehydrating from metadata.
	SnapshotOverride string
	// CPUsOverride forces the guest CPU count, taking precedence over Env.
	CPUsOverride int
	Logger       log.Logger
}

func (c *ProviderConfig) defaults() error {
	token := c.Env[EnvAPIToken]
	if c.Client == nil {
		cli, err := NewClient(ClientConfig{APIURL: c.APIURL, Token: token, HTTPClient: c.HTTPClient})
		if err != nil {
			return err
		}
		c.Client = cli
	}
	if c.GraphQL == nil {
		gql, err := NewGraphQLClient(GraphQLConfig{APIURL: c.GraphQLURL, Token: token, HTTPClient: c.HTTPClient})
		if err != nil {
			return err
		}
		c.GraphQL = gql
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "provider.Fly"})
	return nil
}

// Provider is the Fly implementation of provider.Provider.
type Provider struct {
	client      *Client
	gql         *GraphQLClient
	logger      log.Logger
	org         string
	image       string
	egressImage string
	baseDomain  string
	region      string
	network     string
	cpus        int
	cpuKind     string
	memoryMB    int
}

var _ provider.Provider = (*Provider)(nil)

// NewProvider creates a new Fly provider from a raw environment.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.Env[EnvOrg] == "" {
		return nil, fmt.Errorf("%s is required: %w", EnvOrg, model.ErrNotValid)
	}
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	image := cfg.Env[EnvImage]
	if cfg.SnapshotOverride != "" {
		image = cfg.SnapshotOverride
	}

	baseDomain := cfg.Env[EnvBaseDomain]
	if baseDomain == "" {
		baseDomain = defaultBaseDomain
	}

	cpus, err := intEnv(cfg.Env, EnvCPUs, defaultCPUs)
	if err != nil {
		return nil, err
	}
	if cfg.CPUsOverride > 0 {
		cpus = cfg.CPUsOverride
	}
	memoryMB, err := intEnv(cfg.Env, EnvMemoryMB, defaultMemoryMB)
	if err != nil {
		return nil, err
	}
	cpuKind := cfg.Env[EnvCPUKind]
	if cpuKind == "" {
		cpuKind = defaultCPUKind
	}

	return &Provider{
		client:      cfg.Client,
		gql:         cfg.GraphQL,
		logger:      cfg.Logger,
		org:         cfg.Env[EnvOrg],
		image:       image,
		egressImage: cfg.Env[EnvEgressImage],
		baseDomain:  baseDomain,
		region:      cfg.Env[EnvRegion],
		network:     cfg.Env[EnvNetwork],
		cpus:        cpus,
		cpuKind:     cpuKind,
		memoryMB:    memoryMB,
	}, nil
}

// Type returns the provider type.
func (p *Provider) Type() model.ProviderType { return model.ProviderTypeFly }

// Create provisions a new micro-VM: it ensures the app and its shared IPv4
// exist, creates a named machine and blocks until the fleet reports it
// started.
func (p *Provider) Create(ctx context.Context, opts model.CreateSandboxOptions) (provider.Sandbox, error) {
	if err := opts.Validate(model.ProviderTypeFly); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	image := opts.ProviderSnapshotID
	if image == "" {
		image = p.image
	}
	if image == "" {
		return nil, fmt.Errorf("an image reference is required (option or %s): %w", EnvImage, model.ErrNotValid)
	}

	if err := p.ensureApp(ctx, opts.ExternalID); err != nil {
		return nil, err
	}
	if err := p.ensureSharedIPv4(ctx, opts.ExternalID); err != nil {
		return nil, err
	}

	config := machineConfig{
		Image: image,
		Guest: &machineGuest{
			CPUKind:  p.cpuKind,
			CPUs:     p.cpus,
			MemoryMB: p.memoryMB,
		},
		Env:      opts.EnvVars,
		Services: edgeServices(),
		Restart:  &machineRestart{Policy: restartPolicy},
		Metadata: map[string]string{"display-name": opts.Name},
	}
	if len(opts.EntrypointArguments) > 0 {
		config.Init = &machineInit{Cmd: opts.EntrypointArguments}
	}

	p.logger.Infof("Creating machine %s from image %s", opts.ExternalID, image)
	machine, err := p.client.CreateMachine(ctx, opts.ExternalID, createMachineRequest{
		Name:   opts.ExternalID,
		Region: p.region,
		Config: config,
	})
	if err != nil {
		return nil, err
	}

	sb := p.newSandbox(opts.ExternalID, machine.ID, machine.InstanceID, image)

	if err := sb.waitForState(ctx, stateStarted); err != nil {
		return nil, err
	}

	p.logger.Infof("Created machine %s (app %s, machine %s)", opts.ExternalID, opts.ExternalID, machine.ID)

	return sb, nil
}

// Sandbox reconstructs a handle for an existing machine. The machine ID
// hint in metadata is reused; without it the single machine of the app is
// discovered lazily.
func (p *Provider) Sandbox(ctx context.Context, externalID string, metadata *model.Metadata) (provider.Sandbox, error) {
	if err := model.ValidateExternalID(model.ProviderTypeFly, externalID); err != nil {
		return nil, err
	}

	machineID := ""
	image := p.image
	if metadata != nil && metadata.Fly != nil {
		machineID = metadata.Fly.MachineID
		if metadata.Fly.Snapshot != "" {
			image = metadata.Fly.Snapshot
		}
	}

	return p.newSandbox(externalID, machineID, "", image), nil
}

// ListSandboxes lists the org's apps: one app per machine, named after the
// external ID.
func (p *Provider) ListSandboxes(ctx context.Context) ([]model.SandboxInfo, error) {
	apps, err := p.gql.ListApps(ctx, p.org)
	if err != nil {
		return nil, err
	}

	infos := make([]model.SandboxInfo, 0, len(apps))
	for _, app := range apps {
		createdAt, _ := time.Parse(time.RFC3339, app.CreatedAt)
		infos = append(infos, model.SandboxInfo{
			ProviderID: app.Name,
			ExternalID: app.Name,
			Name:       app.Name,
			State:      app.Status,
			CreatedAt:  createdAt,
		})
	}

	return infos, nil
}

// ListSnapshots returns only the configured default image: the fleet has no
// snapshot catalog of its own.
func (p *Provider) ListSnapshots(ctx context.Context) ([]model.SnapshotInfo, error) {
	if p.image == "" {
		return []model.SnapshotInfo{}, nil
	}
	return []model.SnapshotInfo{{
		ID:    p.image,
		Name:  p.image,
		State: "available",
	}}, nil
}

// ensureApp creates the per-machine app, tolerating a previous create
// having already done it.
func (p *Provider) ensureApp(ctx context.Context, appName string) error {
	err := p.client.CreateApp(ctx, appName, p.org, p.network)
	if err != nil && !isAlreadyExistsErr(err) {
		return err
	}
	return nil
}

// ensureSharedIPv4 makes sure the app has a shared IPv4: query first,
// allocate if missing, then re-verify since the mutation response does not
// reliably carry the address.
func (p *Provider) ensureSharedIPv4(ctx context.Context, appName string) error {
	addr, err := p.gql.SharedIPv4(ctx, appName)
	if err != nil {
		return err
	}
	if addr != "" {
		return nil
	}

	if err := p.gql.AllocateSharedIPv4(ctx, appName); err != nil {
		return err
	}

	addr, err = p.gql.SharedIPv4(ctx, appName)
	if err != nil {
		return err
	}
	if addr == "" {
		return fmt.Errorf("app %s still has no shared IPv4 after allocation", appName)
	}

	p.logger.Debugf("App %s has shared IPv4 %s", appName, addr)

	return nil
}

func (p *Provider) newSandbox(externalID, machineID, instanceID, image string) *Sandbox {
	return &Sandbox{
		client:     p.client,
		logger:     p.logger.WithValues(log.Kv{"machine": externalID}),
		externalID: externalID,
		baseDomain: p.baseDomain,
		image:      image,
		cpus:       p.cpus,
		machineID:  machineID,
		instanceID: instanceID,
	}
}

// edgeServices wires the TLS edge to the in-machine ingress: public 443
// (tls+http) and 80 (http) both land on the ingress port.
func edgeServices() []machineService {
	return []machineService{{
		Protocol:     "tcp",
		InternalPort: ingress.ProxyPort,
		Ports: []servicePort{
			{Port: 443, Handlers: []string{"tls", "http"}},
			{Port: 80, Handlers: []string{"http"}},
		},
	}}
}

func intEnv(envMap map[string]string, key string, fallback int) (int, error) {
	raw, ok := envMap[key]
	if !ok || raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, model.ErrNotValid)
	}
	return value, nil
}
