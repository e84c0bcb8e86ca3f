package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

type ExecCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	externalID string
	command    []string
}

// NewExecCommand returns the exec command.
func NewExecCommand(rootCmd *RootCommand, app *kingpin.Application) *ExecCommand {
	c := &ExecCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("exec", "Execute a command in a running machine.")
	c.Cmd.Arg("external-id", "Machine identifier.").Required().StringVar(&c.externalID)
	c.Cmd.Arg("command", "Command to execute (use -- before command).").Required().StringsVar(&c.command)

	return c
}

func (c ExecCommand) Name() string { return c.Cmd.FullCommand() }

func (c ExecCommand) Run(ctx context.Context) error {
	client, err := c.rootCmd.newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := client.Exec(ctx, c.externalID, c.command)
	if err != nil {
		return fmt.Errorf("could not execute command: %w", err)
	}

	if result.Stdout != "" {
		fmt.Fprint(c.rootCmd.Stdout, result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprint(c.rootCmd.Stderr, result.Stderr)
	}

	return nil
}
