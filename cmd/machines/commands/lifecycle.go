package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/iterate-ops/machines/pkg/machines"
)

// lifecycleCommand is the shared shape of the single-machine lifecycle
// commands: an external ID argument and one SDK call.
type lifecycleCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	externalID string
	verb       string
	done       string
	op         func(ctx context.Context, client *machines.Client, externalID string) error
}

func newLifecycleCommand(rootCmd *RootCommand, app *kingpin.Application, name, help, verb, done string, op func(ctx context.Context, client *machines.Client, externalID string) error) *lifecycleCommand {
	c := &lifecycleCommand{rootCmd: rootCmd, verb: verb, done: done, op: op}

	c.Cmd = app.Command(name, help)
	c.Cmd.Arg("external-id", "Machine identifier.").Required().StringVar(&c.externalID)

	return c
}

func (c lifecycleCommand) Name() string { return c.Cmd.FullCommand() }

func (c lifecycleCommand) Run(ctx context.Context) error {
	client, err := c.rootCmd.newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := c.op(ctx, client, c.externalID); err != nil {
		return fmt.Errorf("could not %s machine: %w", c.verb, err)
	}

	c.rootCmd.Logger.Infof("Machine %q %s", c.externalID, c.done)

	return nil
}

// NewStartCommand returns the start command.
func NewStartCommand(rootCmd *RootCommand, app *kingpin.Application) *lifecycleCommand {
	return newLifecycleCommand(rootCmd, app, "start", "Start a stopped machine.", "start", "started",
		func(ctx context.Context, client *machines.Client, externalID string) error {
			return client.StartMachine(ctx, externalID)
		})
}

// NewStopCommand returns the stop command.
func NewStopCommand(rootCmd *RootCommand, app *kingpin.Application) *lifecycleCommand {
	return newLifecycleCommand(rootCmd, app, "stop", "Stop a running machine.", "stop", "stopped",
		func(ctx context.Context, client *machines.Client, externalID string) error {
			return client.StopMachine(ctx, externalID)
		})
}

// NewRestartCommand returns the restart command.
func NewRestartCommand(rootCmd *RootCommand, app *kingpin.Application) *lifecycleCommand {
	return newLifecycleCommand(rootCmd, app, "restart", "Restart a machine.", "restart", "restarted",
		func(ctx context.Context, client *machines.Client, externalID string) error {
			return client.RestartMachine(ctx, externalID)
		})
}

// NewArchiveCommand returns the archive command.
func NewArchiveCommand(rootCmd *RootCommand, app *kingpin.Application) *lifecycleCommand {
	return newLifecycleCommand(rootCmd, app, "archive", "Stop and archive a machine.", "archive", "archived",
		func(ctx context.Context, client *machines.Client, externalID string) error {
			return client.ArchiveMachine(ctx, externalID)
		})
}

// NewRemoveCommand returns the rm command.
func NewRemoveCommand(rootCmd *RootCommand, app *kingpin.Application) *lifecycleCommand {
	return newLifecycleCommand(rootCmd, app, "rm", "Remove a machine and reclaim its backend resources.", "remove", "removed",
		func(ctx context.Context, client *machines.Client, externalID string) error {
			return client.RemoveMachine(ctx, externalID)
		})
}
