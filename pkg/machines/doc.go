// Package machines provides a Go SDK for provisioning and operating
// machines across backends programmatically.
//
// This package allows applications to create, manage, and reach machines
// without shelling out to the machines CLI binary. It is useful for
// scripting, automation, and building orchestration layers on top.
//
// # Quick Start
//
// Create a client, manage a machine lifecycle, and execute commands:
//
//	client, err := machines.New(ctx, machines.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Create a machine on the Docker backend.
//	m, err := client.CreateMachine(ctx, machines.CreateMachineOpts{
//	    ExternalID: "agent-1",
//	    Name:       "Agent one",
//	    Backend:    machines.BackendDocker,
//	    EnvVars:    map[string]string{"FOO": "bar"},
//	})
//
//	// Exec, reach, stop.
//	client.Exec(ctx, "agent-1", []string{"echo", "hello"})
//	client.BaseURL(ctx, "agent-1", 3000)
//	client.StopMachine(ctx, "agent-1")
//	client.RemoveMachine(ctx, "agent-1")
//
// # Backends
//
// The SDK supports three backends:
//
//   - [BackendDocker]: containers on a local or remote Docker engine.
//   - [BackendDaytona]: managed development sandboxes on the Daytona API.
//   - [BackendFly]: micro-VMs on the Fly machines fleet API.
//
// Backend credentials and defaults are read from the environment map the
// client is configured with (host environment by default): DOCKER_HOST and
// DOCKER_IMAGE, DAYTONA_API_KEY and DAYTONA_SNAPSHOT, FLY_API_TOKEN and
// FLY_ORG, and so on. See each backend's documentation for the full list.
//
// # Persistence
//
// The client persists a record per machine (identity plus the backend
// metadata blob) in a SQLite database, so handles survive process restarts.
// All operations address machines by their caller-assigned external ID.
//
// # Errors
//
// Operations return sentinel errors that can be checked with [errors.Is]:
// [ErrNotFound], [ErrAlreadyExists], [ErrNotValid], [ErrTimeout] and
// [ErrRateLimited].
package machines
