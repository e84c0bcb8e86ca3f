// Package docker implements the machine provider on a local or remote
// container engine, driven through direct Engine API calls.
package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/iterate-ops/machines/internal/log"
	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/provider"
	"github.com/iterate-ops/machines/internal/provider/ingress"
	"github.com/iterate-ops/machines/internal/supervisor"
	"github.com/iterate-ops/machines/internal/utils/env"
)

// Environment keys understood by the Docker provider.
const (
	// EnvImage is the image machines are created from when the caller does
	// not pass a snapshot override. There is deliberately no implicit
	// "guess a locally built image" fallback: a missing image is a hard
	// error so we never silently run a stale local build.
	EnvImage = "MACHINES_DOCKER_IMAGE"
	// EnvHostAddr is the address host-mapped ports are reachable on.
	EnvHostAddr = "MACHINES_DOCKER_HOST_ADDR"
	// EnvHostRepoPath enables host-repo sync: the given git metadata
	// directory is bind-mounted read-only into the machine.
	EnvHostRepoPath = "MACHINES_DOCKER_HOST_REPO_PATH"
	// EnvIngressMode selects how ingress traffic reaches the machine:
	// "ports" (host port mapping, default) or "tunnel" (quick-tunnel URL
	// discovered from inside the container).
	EnvIngressMode = "MACHINES_DOCKER_INGRESS_MODE"
)

// Ingress modes.
const (
	IngressModePorts  = "ports"
	IngressModeTunnel = "tunnel"
)

const (
	defaultHostAddr = "127.0.0.1"

	// hostRepoMountPath is where host git metadata lands inside the machine.
	hostRepoMountPath = "/opt/host-repo/.git"

	labelManaged    = "com.iterate-ops.machines.managed"
	labelExternalID = "com.iterate-ops.machines.external-id"
	labelName       = "com.iterate-ops.machines.name"
)

// servicePorts are the internal ports every machine exposes: the ingress
// proxy and the process supervisor. Each gets an ephemeral host port.
var servicePorts = []int{ingress.ProxyPort, supervisor.Port}

const (
	portResolveInterval = 100 * time.Millisecond
	portResolveTimeout  = 30 * time.Second

	readinessInterval = 250 * time.Millisecond
	readinessTimeout  = 120 * time.Second

	stopTimeoutSeconds = 10
)

// DockerClient is the narrow interface of Docker Engine API operations we
// use. It allows mocking the engine in tests.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
}

// ProviderConfig is the configuration for the Docker provider.
type ProviderConfig struct {
	// Env is the raw string-keyed environment the provider is built from.
	Env map[string]string
	// Client overrides the Docker client (used in tests).
	Client DockerClient
	// ImageOverride forces a specific image, taking precedence over Env.
	// Set by the runtime adapter when rehydrating from metadata.
	ImageOverride string
	Logger        log.Logger
}

func (c *ProviderConfig) defaults() error {
	if c.Client == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("could not create Docker client: %w", err)
		}
		c.Client = cli
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "provider.Docker"})
	return nil
}

// Provider is the Docker implementation of provider.Provider.
type Provider struct {
	client      DockerClient
	logger      log.Logger
	image       string
	hostAddr    string
	hostRepo    string
	ingressMode string
}

var _ provider.Provider = (*Provider)(nil)

// NewProvider creates a new Docker provider from a raw environment.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	image := cfg.Env[EnvImage]
	if cfg.ImageOverride != "" {
		image = cfg.ImageOverride
	}

	hostAddr := cfg.Env[EnvHostAddr]
	if hostAddr == "" {
		hostAddr = defaultHostAddr
	}

	ingressMode := cfg.Env[EnvIngressMode]
	switch ingressMode {
	case "":
		ingressMode = IngressModePorts
	case IngressModePorts, IngressModeTunnel:
	default:
		return nil, fmt.Errorf("unknown ingress mode %q: %w", ingressMode, model.ErrNotValid)
	}

	return &Provider{
		client:      cfg.Client,
		logger:      cfg.Logger,
		image:       image,
		hostAddr:    hostAddr,
		hostRepo:    cfg.Env[EnvHostRepoPath],
		ingressMode: ingressMode,
	}, nil
}

// Type returns the provider type.
func (p *Provider) Type() model.ProviderType { return model.ProviderTypeDocker }

// Create creates and starts a new container machine, blocking until it is
// ready to serve.
func (p *Provider) Create(ctx context.Context, opts model.CreateSandboxOptions) (provider.Sandbox, error) {
	if err := opts.Validate(model.ProviderTypeDocker); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	imageRef := opts.ProviderSnapshotID
	if imageRef == "" {
		imageRef = p.image
	}
	if imageRef == "" {
		return nil, fmt.Errorf("an image reference is required (option or %s): %w", EnvImage, model.ErrNotValid)
	}

	exposed, bindings := servicePortBindings()

	containerConfig := &container.Config{
		Image:        imageRef,
		Env:          env.Format(opts.EnvVars),
		ExposedPorts: exposed,
		Labels: map[string]string{
			labelManaged:    "true",
			labelExternalID: opts.ExternalID,
			labelName:       opts.Name,
		},
	}
	// Entrypoint arguments bypass the default in-machine supervisor: the
	// image's entry script writes the readiness sentinel and execs them.
	if len(opts.EntrypointArguments) > 0 {
		containerConfig.Cmd = opts.EntrypointArguments
	}

	hostConfig := &container.HostConfig{
		PortBindings: bindings,
	}
	if p.hostRepo != "" {
		hostConfig.Binds = []string{fmt.Sprintf("%s:%s:ro", p.hostRepo, hostRepoMountPath)}
	}

	p.logger.Infof("Creating container %s from image %s", opts.ExternalID, imageRef)
	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, opts.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("could not create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("could not start container: %w", err)
	}

	sb := p.newSandbox(opts.ExternalID, resp.ID, imageRef, nil)

	// No ports are known until the container is running.
	if _, err := sb.resolvePorts(ctx); err != nil {
		return nil, err
	}

	if len(opts.EntrypointArguments) > 0 {
		if err := sb.waitForEntrypointSentinel(ctx); err != nil {
			return nil, err
		}
	} else {
		if err := sb.waitForSupervisor(ctx); err != nil {
			return nil, err
		}
	}

	p.logger.Infof("Created machine %s (container %s)", opts.ExternalID, resp.ID)

	return sb, nil
}

// Sandbox reconstructs a handle for an existing container machine.
func (p *Provider) Sandbox(ctx context.Context, externalID string, metadata *model.Metadata) (provider.Sandbox, error) {
	if err := model.ValidateExternalID(model.ProviderTypeDocker, externalID); err != nil {
		return nil, err
	}

	containerID := ""
	imageRef := p.image
	var ports map[int]int
	if metadata != nil && metadata.Docker != nil {
		containerID = metadata.Docker.ContainerID
		if metadata.Docker.Image != "" {
			imageRef = metadata.Docker.Image
		}
		if len(metadata.Docker.Ports) > 0 {
			ports = metadata.Docker.Ports
		}
	}

	return p.newSandbox(externalID, containerID, imageRef, ports), nil
}

// ListSandboxes lists the machines this engine currently runs, for
// reconciliation and garbage collection.
func (p *Provider) ListSandboxes(ctx context.Context) ([]model.SandboxInfo, error) {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("could not list containers: %w", err)
	}

	infos := make([]model.SandboxInfo, 0, len(containers))
	for _, c := range containers {
		infos = append(infos, model.SandboxInfo{
			ProviderID: c.ID,
			ExternalID: c.Labels[labelExternalID],
			Name:       c.Labels[labelName],
			State:      c.State,
			CreatedAt:  time.Unix(c.Created, 0).UTC(),
		})
	}

	return infos, nil
}

// ListSnapshots lists locally available images tagged for machine use.
func (p *Provider) ListSnapshots(ctx context.Context) ([]model.SnapshotInfo, error) {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("could not list images: %w", err)
	}

	snapshots := []model.SnapshotInfo{}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			snapshots = append(snapshots, model.SnapshotInfo{
				ID:    img.ID,
				Name:  tag,
				State: "available",
			})
		}
	}

	return snapshots, nil
}

func (p *Provider) newSandbox(externalID, containerID, imageRef string, ports map[int]int) *Sandbox {
	return &Sandbox{
		client:      p.client,
		logger:      p.logger.WithValues(log.Kv{"machine": externalID}),
		externalID:  externalID,
		hostAddr:    p.hostAddr,
		ingressMode: p.ingressMode,
		image:       imageRef,
		containerID: containerID,
		ports:       ports,
	}
}

// servicePortBindings builds the exposed-port set and the empty host
// bindings that make the engine allocate an ephemeral host port per service
// port.
func servicePortBindings() (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, port := range servicePorts {
		natPort := nat.Port(fmt.Sprintf("%d/tcp", port))
		exposed[natPort] = struct{}{}
		bindings[natPort] = []nat.PortBinding{{HostIP: "", HostPort: ""}}
	}
	return exposed, bindings
}
