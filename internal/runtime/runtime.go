// Package runtime reconstructs working machine handles from nothing but a
// backend type, a raw environment, an external identifier and previously
// persisted metadata. Callers never hold live provider objects across
// process boundaries; they hold metadata and rebuild on demand.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/iterate-ops/machines/internal/log"
	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/provider"
	"github.com/iterate-ops/machines/internal/provider/daytona"
	"github.com/iterate-ops/machines/internal/provider/docker"
	"github.com/iterate-ops/machines/internal/provider/fly"
)

// ProviderFactory builds a provider for a backend type. Overridable in
// tests.
type ProviderFactory func(cfg Config) (provider.Provider, error)

// Config is the configuration for a machine handle.
type Config struct {
	// Type is the backend running the machine.
	Type model.ProviderType
	// Env is the raw string-keyed environment providers are built from.
	Env map[string]string
	// ExternalID is the caller-assigned canonical identifier.
	ExternalID string
	// Metadata is the blob persisted after Create, nil for machines that do
	// not exist yet. Identity hints and per-machine overrides (image,
	// snapshot, CPU sizing) inside it take precedence over Env.
	Metadata *model.Metadata
	// Factory overrides provider construction (used in tests).
	Factory ProviderFactory
	Logger  log.Logger
}

func (c *Config) defaults() error {
	if err := c.Type.Validate(); err != nil {
		return err
	}
	if err := model.ValidateExternalID(c.Type, c.ExternalID); err != nil {
		return err
	}
	if c.Metadata != nil {
		if err := c.Metadata.Validate(); err != nil {
			return err
		}
		if c.Metadata.Type != c.Type {
			return fmt.Errorf("metadata is for backend %q, not %q: %w", c.Metadata.Type, c.Type, model.ErrNotValid)
		}
	}
	if c.Factory == nil {
		c.Factory = buildProvider
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "runtime.Machine", "machine": c.ExternalID})
	return nil
}

// Machine is a lazily-resolved handle to one machine: the provider and the
// sandbox are built on first use and memoized.
type Machine struct {
	cfg    Config
	logger log.Logger

	mu       sync.Mutex
	provider provider.Provider
	sandbox  provider.Sandbox
}

// New creates a new machine handle. No backend call is made until the
// handle is used.
func New(cfg Config) (*Machine, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Machine{cfg: cfg, logger: cfg.Logger}, nil
}

// ExternalID returns the caller-assigned canonical identifier.
func (m *Machine) ExternalID() string { return m.cfg.ExternalID }

// Type returns the backend running this machine.
func (m *Machine) Type() model.ProviderType { return m.cfg.Type }

// Provider returns the backend provider, building it on first use.
func (m *Machine) Provider() (provider.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.providerLocked()
}

func (m *Machine) providerLocked() (provider.Provider, error) {
	if m.provider != nil {
		return m.provider, nil
	}

	p, err := m.cfg.Factory(m.cfg)
	if err != nil {
		return nil, fmt.Errorf("could not build %s provider: %w", m.cfg.Type, err)
	}
	m.provider = p

	return p, nil
}

// Sandbox returns the sandbox handle, resolving it on first use and
// memoizing the result.
func (m *Machine) Sandbox(ctx context.Context) (provider.Sandbox, error) {
	lock := identityLock(m.cfg.Type, m.cfg.ExternalID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sandbox != nil {
		return m.sandbox, nil
	}

	p, err := m.providerLocked()
	if err != nil {
		return nil, err
	}

	sb, err := p.Sandbox(ctx, m.cfg.ExternalID, m.cfg.Metadata)
	if err != nil {
		return nil, err
	}
	m.sandbox = sb

	return sb, nil
}

// Create provisions the machine and returns the metadata blob the caller
// must persist to reconstruct the handle later. Concurrent creates for the
// same identity are serialized in-process.
func (m *Machine) Create(ctx context.Context, opts model.CreateSandboxOptions) (*model.Metadata, error) {
	lock := identityLock(m.cfg.Type, m.cfg.ExternalID)
	lock.Lock()
	defer lock.Unlock()

	opts.ExternalID = m.cfg.ExternalID

	m.mu.Lock()
	p, err := m.providerLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sb, err := p.Create(ctx, opts)
	if err != nil {
		return nil, err
	}

	metadata, err := sb.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sandbox = sb
	m.cfg.Metadata = metadata
	m.mu.Unlock()

	m.logger.Infof("Created machine %s on %s", m.cfg.ExternalID, m.cfg.Type)

	return metadata, nil
}

// NewProvider builds a standalone provider for a backend type, outside the
// context of any one machine. Used for backend-wide operations such as
// snapshot and machine listing, which need no external identifier.
func NewProvider(cfg Config) (provider.Provider, error) {
	if err := cfg.Type.Validate(); err != nil {
		return nil, err
	}
	if cfg.Factory == nil {
		cfg.Factory = buildProvider
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Noop
	}

	return cfg.Factory(cfg)
}

// buildProvider is the default provider factory: it dispatches on the
// backend type and applies the per-machine overrides carried in metadata.
func buildProvider(cfg Config) (provider.Provider, error) {
	switch cfg.Type {
	case model.ProviderTypeDocker:
		imageOverride := ""
		if cfg.Metadata != nil && cfg.Metadata.Docker != nil {
			imageOverride = cfg.Metadata.Docker.Image
		}
		return docker.NewProvider(docker.ProviderConfig{
			Env:           cfg.Env,
			ImageOverride: imageOverride,
			Logger:        cfg.Logger,
		})

	case model.ProviderTypeDaytona:
		snapshotOverride := ""
		if cfg.Metadata != nil && cfg.Metadata.Daytona != nil {
			snapshotOverride = cfg.Metadata.Daytona.Snapshot
		}
		return daytona.NewProvider(daytona.ProviderConfig{
			Env:              cfg.Env,
			SnapshotOverride: snapshotOverride,
			Logger:           cfg.Logger,
		})

	case model.ProviderTypeFly:
		snapshotOverride := ""
		cpusOverride := 0
		if cfg.Metadata != nil && cfg.Metadata.Fly != nil {
			snapshotOverride = cfg.Metadata.Fly.Snapshot
			cpusOverride = cfg.Metadata.Fly.CPUs
		}
		return fly.NewProvider(fly.ProviderConfig{
			Env:              cfg.Env,
			SnapshotOverride: snapshotOverride,
			CPUsOverride:     cpusOverride,
			Logger:           cfg.Logger,
		})
	}

	return nil, fmt.Errorf("unknown provider type %q: %w", cfg.Type, model.ErrNotValid)
}

// Creates and first resolutions are serialized per logical machine:
// duplicate concurrent creates against managed backends can otherwise
// produce two live machines for one identity.
var (
	locksMu sync.Mutex
	locks   = map[string]*sync.Mutex{}
)

func identityLock(t model.ProviderType, externalID string) *sync.Mutex {
	locksMu.Lock()
	defer locksMu.Unlock()

	key := string(t) + "/" + externalID
	lock, ok := locks[key]
	if !ok {
		lock = &sync.Mutex{}
		locks[key] = lock
	}
	return lock
}
