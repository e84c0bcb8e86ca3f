package model

import (
	"fmt"
	"time"
)

// ProviderType identifies the backend that runs a machine.
type ProviderType string

const (
	// ProviderTypeDocker runs machines as containers on a Docker engine.
	ProviderTypeDocker ProviderType = "docker"
	// ProviderTypeDaytona runs machines on a managed development-sandbox API.
	ProviderTypeDaytona ProviderType = "daytona"
	// ProviderTypeFly runs machines as micro-VMs on a fleet API.
	ProviderTypeFly ProviderType = "fly"
)

// Validate validates the provider type.
func (t ProviderType) Validate() error {
	switch t {
	case ProviderTypeDocker, ProviderTypeDaytona, ProviderTypeFly:
		return nil
	}
	return fmt.Errorf("unknown provider type %q: %w", string(t), ErrNotValid)
}

// ProviderState is the backend-native state of a machine.
//
// The state vocabulary is not normalized across backends: Docker reports
// container states ("running", "exited"...), Daytona and Fly report their
// own ("started", "stopped"...). Callers must tolerate backend-specific
// vocabularies. Failures querying state are reported as state "error" with
// the reason attached, never as a Go error.
type ProviderState struct {
	State       string `json:"state"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// StateUnknown is the state reported when the backend does not know the
// machine (e.g. never created or already deleted).
const StateUnknown = "unknown"

// StateError is the state reported when querying the backend failed.
const StateError = "error"

// CreateSandboxOptions are the options for creating a new machine.
type CreateSandboxOptions struct {
	// ExternalID is the caller-assigned canonical identifier. It must be
	// unique per backend and satisfy the backend's naming constraints
	// (see ValidateExternalID).
	ExternalID string
	// Name is a human readable name for the machine.
	Name string
	// EnvVars are environment variables set inside the machine.
	EnvVars map[string]string
	// ProviderSnapshotID overrides the backend's default image/snapshot.
	ProviderSnapshotID string
	// EntrypointArguments bypasses the default in-machine process supervisor
	// and execs the given command directly. Readiness is then signalled by
	// the entrypoint sentinel file instead of the supervisor health check.
	EntrypointArguments []string
}

// Validate validates the creation options for the given backend.
// It fails fast, before any network call.
func (o *CreateSandboxOptions) Validate(t ProviderType) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := ValidateExternalID(t, o.ExternalID); err != nil {
		return err
	}
	return nil
}

// SandboxInfo is a read-only listing entry used for reconciliation and
// garbage collection, not for identity.
type SandboxInfo struct {
	ProviderID string
	ExternalID string
	Name       string
	State      string
	CreatedAt  time.Time
}

// SnapshotInfo is a read-only listing entry for available snapshots/images.
type SnapshotInfo struct {
	ID    string
	Name  string
	State string
}

// ExecResult contains the captured output of a command executed inside a
// machine. A non-zero exit is surfaced as an error by the providers, so an
// ExecResult returned without error always has ExitCode 0.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output returns the most useful captured stream for error reporting:
// stderr, falling back to stdout when stderr is empty.
func (r ExecResult) Output() string {
	if r.Stderr != "" {
		return r.Stderr
	}
	return r.Stdout
}
