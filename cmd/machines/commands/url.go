package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

type URLCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	externalID string
	port       int
}

// NewURLCommand returns the url command.
func NewURLCommand(rootCmd *RootCommand, app *kingpin.Application) *URLCommand {
	c := &URLCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("url", "Resolve the reachable URL for a port inside a machine.")
	c.Cmd.Arg("external-id", "Machine identifier.").Required().StringVar(&c.externalID)
	c.Cmd.Arg("port", "Logical port inside the machine.").Required().IntVar(&c.port)

	return c
}

func (c URLCommand) Name() string { return c.Cmd.FullCommand() }

func (c URLCommand) Run(ctx context.Context) error {
	client, err := c.rootCmd.newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	url, err := client.BaseURL(ctx, c.externalID, c.port)
	if err != nil {
		return fmt.Errorf("could not resolve URL: %w", err)
	}

	fmt.Fprintln(c.rootCmd.Stdout, url)

	return nil
}
