package machines

import (
	"context"
	"fmt"
	"net/http"

	"github.com/iterate-ops/machines/internal/model"
)

// Exec executes a command inside a machine and returns the captured output.
//
// The command must be non-empty. A non-zero exit is returned as an error
// carrying the command's stderr (or stdout when stderr is empty).
//
// Returns [ErrNotFound] if the machine does not exist, or [ErrNotValid] if
// the command is empty.
func (c *Client) Exec(ctx context.Context, externalID string, command []string) (*ExecResult, error) {
	if len(command) == 0 {
		return nil, mapError(fmt.Errorf("command is required: %w", model.ErrNotValid))
	}

	_, sb, err := c.sandboxFor(ctx, externalID)
	if err != nil {
		return nil, mapError(err)
	}

	result, err := sb.Exec(ctx, command)
	if err != nil {
		return nil, mapError(err)
	}

	return &ExecResult{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	}, nil
}

// BaseURL resolves a reachable URL for a logical port inside a machine.
//
// The shape of the URL is backend-specific: a host-mapped address for
// Docker, a per-port preview domain for Daytona, the app domain for Fly.
func (c *Client) BaseURL(ctx context.Context, externalID string, port int) (string, error) {
	_, sb, err := c.sandboxFor(ctx, externalID)
	if err != nil {
		return "", mapError(err)
	}

	url, err := sb.BaseURL(ctx, port)
	if err != nil {
		return "", mapError(err)
	}

	return url, nil
}

// Fetch sends an HTTP request to a service listening on a logical port
// inside a machine, routing it through the machine's ingress proxy. The
// request's URL path, query, headers and body are preserved; its authority
// is rewritten to the machine.
//
// The caller owns the response body and must close it.
func (c *Client) Fetch(ctx context.Context, externalID string, port int, req *http.Request) (*http.Response, error) {
	_, sb, err := c.sandboxFor(ctx, externalID)
	if err != nil {
		return nil, mapError(err)
	}

	fetcher, err := sb.Fetcher(ctx, port)
	if err != nil {
		return nil, mapError(err)
	}

	return fetcher.Do(req.WithContext(ctx))
}
