package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/iterate-ops/machines/internal/model"
)

type StateCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	externalID string
	format     string
}

// NewStateCommand returns the state command.
func NewStateCommand(rootCmd *RootCommand, app *kingpin.Application) *StateCommand {
	c := &StateCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("state", "Get the live backend state of a machine.")
	c.Cmd.Arg("external-id", "Machine identifier.").Required().StringVar(&c.externalID)
	c.Cmd.Flag("format", "Output format (table, json).").Default(FormatTable).EnumVar(&c.format, FormatTable, FormatJSON)

	return c
}

func (c StateCommand) Name() string { return c.Cmd.FullCommand() }

func (c StateCommand) Run(ctx context.Context) error {
	client, err := c.rootCmd.newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	machine, err := client.GetMachine(ctx, c.externalID)
	if err != nil {
		return fmt.Errorf("could not get machine state: %w", err)
	}

	state := model.ProviderState{State: machine.State, ErrorReason: machine.ErrorReason}
	if err := c.rootCmd.printer(c.format).PrintState(machine.ExternalID, state); err != nil {
		return fmt.Errorf("could not print state: %w", err)
	}

	return nil
}
