package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/pkg/machines"
)

type SnapshotListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	backend string
	format  string
}

// NewSnapshotListCommand returns the snapshot list command.
func NewSnapshotListCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *SnapshotListCommand {
	c := &SnapshotListCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("list", "List the snapshots available for machine creation on a backend.")
	c.Cmd.Flag("backend", "Backend type (docker, daytona, fly).").Required().EnumVar(&c.backend, "docker", "daytona", "fly")
	c.Cmd.Flag("format", "Output format (table, json).").Default(FormatTable).EnumVar(&c.format, FormatTable, FormatJSON)

	return c
}

func (c SnapshotListCommand) Name() string { return c.Cmd.FullCommand() }

func (c SnapshotListCommand) Run(ctx context.Context) error {
	client, err := c.rootCmd.newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	snapshots, err := client.Snapshots(ctx, machines.Backend(c.backend))
	if err != nil {
		return fmt.Errorf("could not list snapshots: %w", err)
	}

	result := make([]model.SnapshotInfo, len(snapshots))
	for i, s := range snapshots {
		result[i] = model.SnapshotInfo{ID: s.ID, Name: s.Name, State: s.State}
	}

	if err := c.rootCmd.printer(c.format).PrintSnapshotList(result); err != nil {
		return fmt.Errorf("could not print snapshots: %w", err)
	}

	return nil
}
