package machines

import (
	"errors"
	"time"

	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/storage"
)

// Backend identifies the infrastructure backend that runs a machine.
type Backend string

const (
	// BackendDocker runs machines as containers on a Docker engine.
	BackendDocker Backend = "docker"

	// BackendDaytona runs machines as managed development sandboxes on the
	// Daytona API.
	BackendDaytona Backend = "daytona"

	// BackendFly runs machines as micro-VMs on the Fly machines fleet API.
	BackendFly Backend = "fly"
)

// Sentinel errors returned by the SDK. Check with [errors.Is].
var (
	// ErrNotFound indicates the machine (or resource) does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a machine with that external ID already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid indicates invalid input (bad external ID, unknown backend,
	// missing required configuration).
	ErrNotValid = errors.New("not valid")
	// ErrTimeout indicates a bounded wait (readiness, state transition)
	// exceeded its deadline.
	ErrTimeout = errors.New("timed out")
	// ErrRateLimited indicates the backend rejected the request for issuing
	// too many.
	ErrRateLimited = errors.New("rate limited")
)

// Machine represents a machine returned by the SDK.
//
// This is a read-only snapshot at the time of the API call. Use
// [Client.GetMachine] to get the latest state.
type Machine struct {
	// ExternalID is the caller-assigned canonical identifier.
	ExternalID string
	// Name is the human-friendly name.
	Name string
	// Backend is the infrastructure backend running the machine.
	Backend Backend
	// State is the backend-native state of the machine ("running",
	// "started", "stopped"...). The vocabulary is backend-specific; failures
	// querying the backend are reported as state "error" with ErrorReason
	// set, never as a Go error.
	State string
	// ErrorReason carries the failure detail when State is "error".
	ErrorReason string
	// CreatedAt is when the machine was created.
	CreatedAt time.Time
	// UpdatedAt is when the machine record was last updated.
	UpdatedAt time.Time
}

// CreateMachineOpts are the options for [Client.CreateMachine].
type CreateMachineOpts struct {
	// ExternalID is the caller-assigned canonical identifier. Required,
	// unique, and subject to the backend's naming constraints.
	ExternalID string
	// Name is a human readable name. Optional.
	Name string
	// Backend selects the infrastructure backend. Required.
	Backend Backend
	// EnvVars are environment variables set inside the machine.
	EnvVars map[string]string
	// SnapshotID overrides the backend's default image or snapshot.
	SnapshotID string
	// EntrypointArguments bypasses the machine's default process supervisor
	// and runs the given command directly as the machine entrypoint.
	EntrypointArguments []string
}

// ExecResult contains the captured output of a command executed inside a
// machine. A non-zero exit is surfaced as an error, so an ExecResult
// returned without error always has ExitCode 0.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output returns the most useful captured stream: stderr, falling back to
// stdout when stderr is empty.
func (r ExecResult) Output() string {
	if r.Stderr != "" {
		return r.Stderr
	}
	return r.Stdout
}

// Snapshot is an image or snapshot available for machine creation on a
// backend.
type Snapshot struct {
	ID    string
	Name  string
	State string
}

// BackendMachine is a machine a backend currently knows about, as reported
// by the backend itself. Used for reconciliation against stored records, not
// for identity.
type BackendMachine struct {
	// ProviderID is the backend-native identifier (container ID, sandbox ID,
	// machine ID).
	ProviderID string
	// ExternalID is the caller-assigned identifier, when the backend knows it.
	ExternalID string
	// Name is the backend-side display name.
	Name      string
	State     string
	CreatedAt time.Time
}

func toInternalBackend(b Backend) model.ProviderType {
	return model.ProviderType(b)
}

func fromRecord(record storage.MachineRecord, state model.ProviderState) Machine {
	return Machine{
		ExternalID:  record.ExternalID,
		Name:        record.Name,
		Backend:     Backend(record.Type),
		State:       state.State,
		ErrorReason: state.ErrorReason,
		CreatedAt:   record.CreatedAt,
		UpdatedAt:   record.UpdatedAt,
	}
}

func mapError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, model.ErrNotFound):
		return joinErrors(err, ErrNotFound)
	case errors.Is(err, model.ErrAlreadyExists):
		return joinErrors(err, ErrAlreadyExists)
	case errors.Is(err, model.ErrNotValid):
		return joinErrors(err, ErrNotValid)
	case errors.Is(err, model.ErrTimeout):
		return joinErrors(err, ErrTimeout)
	case errors.Is(err, model.ErrRateLimited):
		return joinErrors(err, ErrRateLimited)
	default:
		return err
	}
}

func joinErrors(original, sentinel error) error {
	return &mappedError{original: original, sentinel: sentinel}
}

// mappedError attaches a public sentinel to an internal error chain without
// changing its message.
type mappedError struct {
	original error
	sentinel error
}

func (e *mappedError) Error() string { return e.original.Error() }

func (e *mappedError) Is(target error) bool {
	return target == e.sentinel
}

func (e *mappedError) Unwrap() error { return e.original }
