package machines

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/iterate-ops/machines/internal/log"
	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/provider"
	"github.com/iterate-ops/machines/internal/runtime"
	"github.com/iterate-ops/machines/internal/storage"
	"github.com/iterate-ops/machines/internal/storage/sqlite"
	"github.com/iterate-ops/machines/internal/utils/env"
)

const (
	defaultDataDir = ".machines"
	defaultDBFile  = "machines.db"
)

// Config configures the SDK client.
//
// All fields are optional and have sensible defaults. At minimum, an empty
// Config{} will use ~/.machines/machines.db for storage and the host
// environment for backend credentials.
type Config struct {
	// DBPath is the SQLite database path.
	// Default: ~/.machines/machines.db.
	DBPath string

	// Env is the environment map backend providers are built from
	// (credentials, default images/snapshots, sizing).
	// Default: the host process environment.
	Env map[string]string

	// Logger receives structured log output from the SDK.
	// Default: noop (silent). See the log sub-package for the interface.
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("could not get user home dir: %w", err)
		}
		c.DBPath = filepath.Join(home, defaultDataDir, defaultDBFile)
	}

	if c.Env == nil {
		c.Env = env.FromOS()
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	return nil
}

// Client is the main SDK entry point for managing machines programmatically.
//
// Create a Client with [New] and release its resources with [Client.Close].
// A Client is safe for concurrent use.
type Client struct {
	repo    storage.Repository
	env     map[string]string
	logger  log.Logger
	factory runtime.ProviderFactory
	closeFn func() error
}

// New creates a new SDK client backed by a SQLite database.
//
// The caller must call [Client.Close] when done to release the database
// connection. Typically used with defer:
//
//	client, err := machines.New(ctx, machines.Config{})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: cfg.DBPath,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create repository: %w", err)
	}

	return &Client{
		repo:    repo,
		env:     cfg.Env,
		logger:  cfg.Logger,
		closeFn: repo.Close,
	}, nil
}

// Close releases resources held by the client, including the database
// connection. After Close returns, the client must not be used.
func (c *Client) Close() error {
	if c.closeFn != nil {
		return c.closeFn()
	}
	return nil
}

// handle builds a lazy machine handle. No backend call is made until the
// handle is used.
func (c *Client) handle(t model.ProviderType, externalID string, metadata *model.Metadata) (*runtime.Machine, error) {
	return runtime.New(runtime.Config{
		Type:       t,
		Env:        c.env,
		ExternalID: externalID,
		Metadata:   metadata,
		Factory:    c.factory,
		Logger:     c.logger,
	})
}

// machineFor builds a lazy handle for a stored machine record.
func (c *Client) machineFor(record storage.MachineRecord) (*runtime.Machine, error) {
	metadata := record.Metadata
	return c.handle(record.Type, record.ExternalID, &metadata)
}

// providerFor builds a standalone backend provider for backend-wide
// operations (snapshot and machine listing).
func (c *Client) providerFor(backend Backend) (provider.Provider, error) {
	return runtime.NewProvider(runtime.Config{
		Type:    toInternalBackend(backend),
		Env:     c.env,
		Factory: c.factory,
		Logger:  c.logger,
	})
}
