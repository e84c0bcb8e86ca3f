package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/runtime"
)

const doctorAPITimeout = 10 * time.Second

type DoctorCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	backend string
}

// NewDoctorCommand returns the doctor command.
func NewDoctorCommand(rootCmd *RootCommand, app *kingpin.Application) *DoctorCommand {
	c := &DoctorCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("doctor", "Run preflight checks for machine backends.")
	c.Cmd.Flag("backend", "Backend to check (docker, daytona, fly, all).").Default("all").EnumVar(&c.backend, "docker", "daytona", "fly", "all")

	return c
}

func (c DoctorCommand) Name() string { return c.Cmd.FullCommand() }

func (c DoctorCommand) Run(ctx context.Context) error {
	out := c.rootCmd.Stdout

	backendEnv, err := c.rootCmd.backendEnv(ctx)
	if err != nil {
		return err
	}

	backends := []model.ProviderType{model.ProviderTypeDocker, model.ProviderTypeDaytona, model.ProviderTypeFly}
	if c.backend != "all" {
		backends = []model.ProviderType{model.ProviderType(c.backend)}
	}

	totalErrors := 0
	totalWarnings := 0

	for _, backend := range backends {
		results := c.checkBackend(ctx, backend, backendEnv)

		fmt.Fprintf(out, "\nChecking %s backend...\n", backend)
		for _, r := range results {
			fmt.Fprintf(out, "  %s %-10s %s\n", getStatusIcon(r.Status), r.ID, r.Message)
		}

		_, warnings, errs := model.CountByStatus(results)
		totalErrors += errs
		totalWarnings += warnings
	}

	// Summary.
	fmt.Fprintln(out)
	if totalErrors == 0 && totalWarnings == 0 {
		fmt.Fprintln(out, "All checks passed!")
	} else {
		var summary []string
		if totalErrors > 0 {
			summary = append(summary, fmt.Sprintf("%d error(s)", totalErrors))
		}
		if totalWarnings > 0 {
			summary = append(summary, fmt.Sprintf("%d warning(s)", totalWarnings))
		}
		fmt.Fprintln(out, strings.Join(summary, ", "))
	}

	if totalErrors > 0 {
		return fmt.Errorf("preflight checks failed with %d error(s)", totalErrors)
	}

	return nil
}

// checkBackend verifies one backend is usable: its configuration builds a
// provider, and its API answers a cheap listing call.
func (c DoctorCommand) checkBackend(ctx context.Context, backend model.ProviderType, backendEnv map[string]string) []model.CheckResult {
	p, err := runtime.NewProvider(runtime.Config{
		Type:   backend,
		Env:    backendEnv,
		Logger: c.rootCmd.Logger,
	})
	if err != nil {
		return []model.CheckResult{
			{ID: "config", Status: model.CheckStatusError, Message: err.Error()},
			{ID: "api", Status: model.CheckStatusWarning, Message: "skipped (configuration invalid)"},
		}
	}

	results := []model.CheckResult{
		{ID: "config", Status: model.CheckStatusOK, Message: "configuration is valid"},
	}

	apiCtx, cancel := context.WithTimeout(ctx, doctorAPITimeout)
	defer cancel()

	sandboxes, err := p.ListSandboxes(apiCtx)
	if err != nil {
		results = append(results, model.CheckResult{ID: "api", Status: model.CheckStatusError, Message: err.Error()})
	} else {
		results = append(results, model.CheckResult{ID: "api", Status: model.CheckStatusOK, Message: fmt.Sprintf("backend API reachable (%d machine(s))", len(sandboxes))})
	}

	return results
}

func getStatusIcon(status model.CheckStatus) string {
	switch status {
	case model.CheckStatusOK:
		return "OK"
	case model.CheckStatusWarning:
		return "!!"
	case model.CheckStatusError:
		return "XX"
	default:
		return "??"
	}
}
