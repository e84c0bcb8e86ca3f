package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/client-go/util/homedir"

	"github.com/iterate-ops/machines/internal/log"
	"github.com/iterate-ops/machines/internal/printer"
	storageio "github.com/iterate-ops/machines/internal/storage/io"
	"github.com/iterate-ops/machines/internal/utils/env"
	"github.com/iterate-ops/machines/pkg/machines"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"
)

const (
	// FormatTable is the table output format.
	FormatTable = "table"
	// FormatJSON is the JSON output format.
	FormatJSON = "json"
)

// Command represents an application command, all commands that want to be executed
// should implement and setup on main.
type Command interface {
	Name() string
	Run(ctx context.Context) error
}

// RootCommand represents the root command configuration and global configuration
// for all the commands.
type RootCommand struct {
	// Global flags.
	Debug      bool
	NoLog      bool
	NoColor    bool
	LoggerType string
	DBPath     string
	EnvFile    string

	// Global instances.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger log.Logger
}

// NewRootCommand initializes the main root configuration.
func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable logger color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)

	defaultDBPath := filepath.Join(homedir.HomeDir(), ".machines", "machines.db")
	app.Flag("db-path", "Path to the SQLite database file.").Envar("MACHINES_DB_PATH").Default(defaultDBPath).StringVar(&c.DBPath)
	app.Flag("env-file", "Path to a YAML file with backend environment overrides.").Envar("MACHINES_ENV_FILE").StringVar(&c.EnvFile)

	return c
}

// backendEnv builds the environment providers are constructed from: the
// host environment, overlaid with the env file when one is configured.
func (c *RootCommand) backendEnv(ctx context.Context) (map[string]string, error) {
	backendEnv := env.FromOS()

	if c.EnvFile != "" {
		repo := storageio.NewEnvYAMLRepository(os.DirFS(filepath.Dir(c.EnvFile)))
		overlay, err := repo.GetEnv(ctx, filepath.Base(c.EnvFile))
		if err != nil {
			return nil, fmt.Errorf("could not load environment file: %w", err)
		}
		backendEnv = env.MergeMaps(backendEnv, overlay)
	}

	return backendEnv, nil
}

// newClient builds the SDK client all commands operate through.
func (c *RootCommand) newClient(ctx context.Context) (*machines.Client, error) {
	backendEnv, err := c.backendEnv(ctx)
	if err != nil {
		return nil, err
	}

	client, err := machines.New(ctx, machines.Config{
		DBPath: c.DBPath,
		Env:    backendEnv,
		Logger: c.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create client: %w", err)
	}

	return client, nil
}

// printer returns the output printer for the selected format.
func (c *RootCommand) printer(format string) printer.Printer {
	if format == FormatJSON {
		return printer.NewJSONPrinter(c.Stdout)
	}
	return printer.NewTablePrinter(c.Stdout)
}
