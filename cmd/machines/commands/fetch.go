package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/alecthomas/kingpin/v2"
)

type FetchCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	externalID string
	port       int
	path       string
	method     string
}

// NewFetchCommand returns the fetch command.
func NewFetchCommand(rootCmd *RootCommand, app *kingpin.Application) *FetchCommand {
	c := &FetchCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("fetch", "Send an HTTP request to a service inside a machine and print the response body.")
	c.Cmd.Arg("external-id", "Machine identifier.").Required().StringVar(&c.externalID)
	c.Cmd.Arg("port", "Logical port the service listens on.").Required().IntVar(&c.port)
	c.Cmd.Arg("path", "Request path.").Default("/").StringVar(&c.path)
	c.Cmd.Flag("method", "HTTP method.").Short('X').Default(http.MethodGet).StringVar(&c.method)

	return c
}

func (c FetchCommand) Name() string { return c.Cmd.FullCommand() }

func (c FetchCommand) Run(ctx context.Context) error {
	client, err := c.rootCmd.newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	path := c.path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req, err := http.NewRequestWithContext(ctx, c.method, path, nil)
	if err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

	resp, err := client.Fetch(ctx, c.externalID, c.port, req)
	if err != nil {
		return fmt.Errorf("could not fetch: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(c.rootCmd.Stdout, resp.Body); err != nil {
		return fmt.Errorf("could not read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	return nil
}
