package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/sirupsen/logrus"

	"github.com/iterate-ops/machines/cmd/machines/commands"
	"github.com/iterate-ops/machines/internal/log"
	loglogrus "github.com/iterate-ops/machines/internal/log/logrus"
)

const (
	// Version is the application version (set via ldflags).
	Version = "dev"
)

// Run runs the main application.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (err error) {
	app := kingpin.New("machines", "Machine provisioning tool for agent workloads.")
	app.DefaultEnvars()
	rootCmd := commands.NewRootCommand(app)

	// Setup commands (registers flags).
	createCmd := commands.NewCreateCommand(rootCmd, app)
	listCmd := commands.NewListCommand(rootCmd, app)
	stateCmd := commands.NewStateCommand(rootCmd, app)
	startCmd := commands.NewStartCommand(rootCmd, app)
	stopCmd := commands.NewStopCommand(rootCmd, app)
	restartCmd := commands.NewRestartCommand(rootCmd, app)
	archiveCmd := commands.NewArchiveCommand(rootCmd, app)
	removeCmd := commands.NewRemoveCommand(rootCmd, app)
	execCmd := commands.NewExecCommand(rootCmd, app)
	urlCmd := commands.NewURLCommand(rootCmd, app)
	fetchCmd := commands.NewFetchCommand(rootCmd, app)
	doctorCmd := commands.NewDoctorCommand(rootCmd, app)

	// Snapshot subcommands share a parent command.
	snapshotCmd := app.Command("snapshot", "Manage snapshots.")
	snapshotListCmd := commands.NewSnapshotListCommand(rootCmd, snapshotCmd)

	// Backend subcommands share a parent command.
	backendCmd := app.Command("backend", "Inspect backends directly.")
	backendListCmd := commands.NewBackendListCommand(rootCmd, backendCmd)

	cmds := map[string]commands.Command{
		createCmd.Name():       createCmd,
		listCmd.Name():         listCmd,
		stateCmd.Name():        stateCmd,
		startCmd.Name():        startCmd,
		stopCmd.Name():         stopCmd,
		restartCmd.Name():      restartCmd,
		archiveCmd.Name():      archiveCmd,
		removeCmd.Name():       removeCmd,
		execCmd.Name():         execCmd,
		urlCmd.Name():          urlCmd,
		fetchCmd.Name():        fetchCmd,
		doctorCmd.Name():       doctorCmd,
		snapshotListCmd.Name(): snapshotListCmd,
		backendListCmd.Name():  backendListCmd,
	}

	// Parse command.
	cmdName, err := app.Parse(args[1:])
	if err != nil {
		return fmt.Errorf("invalid command configuration: %w", err)
	}

	// Set standard input/output.
	rootCmd.Stdin = stdin
	rootCmd.Stdout = stdout
	rootCmd.Stderr = stderr

	// Auto-suppress logging for commands that produce structured output
	// (table/JSON/raw) to prevent log noise from mixing with printer output
	// in the terminal. Users can still enable logging with --debug.
	printerCommands := map[string]bool{
		"list":          true,
		"state":         true,
		"exec":          true,
		"url":           true,
		"fetch":         true,
		"snapshot list": true,
		"backend list":  true,
	}
	if printerCommands[cmdName] && !rootCmd.Debug {
		rootCmd.NoLog = true
	}

	// Set logger.
	rootCmd.Logger = getLogger(*rootCmd)

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				rootCmd.Logger.Debugf("Termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Execute command.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				err := cmds[cmdName].Run(ctx)
				if err != nil {
					return fmt.Errorf("%q command failed: %w", cmdName, err)
				}
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

// getLogger returns the application logger.
func getLogger(config commands.RootCommand) log.Logger {
	if config.NoLog {
		return log.Noop
	}

	// If logger not disabled use logrus logger.
	logrusLog := logrus.New()
	logrusLog.Out = config.Stderr // By default logger goes to stderr (so it can split stdout prints).
	logrusLogEntry := logrus.NewEntry(logrusLog)

	if config.Debug {
		logrusLogEntry.Logger.SetLevel(logrus.DebugLevel)
	}

	// Log format.
	switch config.LoggerType {
	case commands.LoggerTypeJSON:
		logrusLogEntry.Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrusLogEntry.Logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:   !config.NoColor,
			DisableColors: config.NoColor,
		})
	}

	logger := loglogrus.NewLogrus(logrusLogEntry).WithValues(log.Kv{
		"version": Version,
	})

	logger.Debugf("Debug level is enabled") // Will log only when debug enabled.

	return logger
}

func main() {
	ctx := context.Background()
	err := Run(ctx, os.Args, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
