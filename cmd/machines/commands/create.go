package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/iterate-ops/machines/internal/utils/env"
	"github.com/iterate-ops/machines/pkg/machines"
)

type CreateCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	externalID string
	backend    string
	name       string
	envSpecs   []string
	snapshot   string
	entrypoint []string
}

// NewCreateCommand returns the create command.
func NewCreateCommand(rootCmd *RootCommand, app *kingpin.Application) *CreateCommand {
	c := &CreateCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("create", "Create a new machine.")
	c.Cmd.Arg("external-id", "Unique identifier for the machine.").Required().StringVar(&c.externalID)
	c.Cmd.Arg("entrypoint", "Entrypoint command replacing the default supervisor (use -- before command).").StringsVar(&c.entrypoint)
	c.Cmd.Flag("backend", "Backend type (docker, daytona, fly).").Required().EnumVar(&c.backend, "docker", "daytona", "fly")
	c.Cmd.Flag("name", "Human readable name for the machine.").Short('n').StringVar(&c.name)
	c.Cmd.Flag("env", "Environment variables (KEY=VALUE or KEY from current environment). Can be repeated.").Short('e').StringsVar(&c.envSpecs)
	c.Cmd.Flag("snapshot", "Image or snapshot overriding the backend default.").StringVar(&c.snapshot)

	return c
}

func (c CreateCommand) Name() string { return c.Cmd.FullCommand() }

func (c CreateCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	envVars, err := env.ParseSpecs(c.envSpecs)
	if err != nil {
		return fmt.Errorf("invalid --env value: %w", err)
	}

	client, err := c.rootCmd.newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	machine, err := client.CreateMachine(ctx, machines.CreateMachineOpts{
		ExternalID:          c.externalID,
		Name:                c.name,
		Backend:             machines.Backend(c.backend),
		EnvVars:             envVars,
		SnapshotID:          c.snapshot,
		EntrypointArguments: c.entrypoint,
	})
	if err != nil {
		return fmt.Errorf("could not create machine: %w", err)
	}

	logger.Infof("Machine %q created on %s (state: %s)", machine.ExternalID, machine.Backend, machine.State)

	return nil
}
