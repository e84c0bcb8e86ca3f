package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/printer"
	"github.com/iterate-ops/machines/internal/storage"
	"github.com/iterate-ops/machines/pkg/machines"
)

type ListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	format string
}

// NewListCommand returns the list command.
func NewListCommand(rootCmd *RootCommand, app *kingpin.Application) *ListCommand {
	c := &ListCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("list", "List all machines with their live backend states.")
	c.Cmd.Flag("format", "Output format (table, json).").Default(FormatTable).EnumVar(&c.format, FormatTable, FormatJSON)

	return c
}

func (c ListCommand) Name() string { return c.Cmd.FullCommand() }

func (c ListCommand) Run(ctx context.Context) error {
	client, err := c.rootCmd.newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := client.ListMachines(ctx)
	if err != nil {
		return fmt.Errorf("could not list machines: %w", err)
	}

	if err := c.rootCmd.printer(c.format).PrintMachineList(machineRows(result)); err != nil {
		return fmt.Errorf("could not print list: %w", err)
	}

	return nil
}

func machineRows(result []machines.Machine) []printer.MachineRow {
	rows := make([]printer.MachineRow, len(result))
	for i, m := range result {
		rows[i] = printer.MachineRow{
			Record: storage.MachineRecord{
				ExternalID: m.ExternalID,
				Name:       m.Name,
				Type:       model.ProviderType(m.Backend),
				CreatedAt:  m.CreatedAt,
				UpdatedAt:  m.UpdatedAt,
			},
			State: model.ProviderState{State: m.State, ErrorReason: m.ErrorReason},
		}
	}

	return rows
}
