package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/pkg/machines"
)

type BackendListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	backend string
	format  string
}

// NewBackendListCommand returns the backend list command.
func NewBackendListCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *BackendListCommand {
	c := &BackendListCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("list", "List the machines a backend currently knows about, for reconciliation against stored records.")
	c.Cmd.Flag("backend", "Backend type (docker, daytona, fly).").Required().EnumVar(&c.backend, "docker", "daytona", "fly")
	c.Cmd.Flag("format", "Output format (table, json).").Default(FormatTable).EnumVar(&c.format, FormatTable, FormatJSON)

	return c
}

func (c BackendListCommand) Name() string { return c.Cmd.FullCommand() }

func (c BackendListCommand) Run(ctx context.Context) error {
	client, err := c.rootCmd.newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := client.BackendMachines(ctx, machines.Backend(c.backend))
	if err != nil {
		return fmt.Errorf("could not list backend machines: %w", err)
	}

	sandboxes := make([]model.SandboxInfo, len(result))
	for i, m := range result {
		sandboxes[i] = model.SandboxInfo{
			ProviderID: m.ProviderID,
			ExternalID: m.ExternalID,
			Name:       m.Name,
			State:      m.State,
			CreatedAt:  m.CreatedAt,
		}
	}

	if err := c.rootCmd.printer(c.format).PrintSandboxList(sandboxes); err != nil {
		return fmt.Errorf("could not print backend machines: %w", err)
	}

	return nil
}
