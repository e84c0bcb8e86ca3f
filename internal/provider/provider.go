// Package provider defines the uniform contract the orchestration control
// plane uses to run machines, regardless of which backend hosts them.
package provider

import (
	"context"

	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/provider/ingress"
)

// Sandbox is a handle to one running, starting or stopped machine.
//
// A handle is safe to operate on before its backend identity is fully
// resolved: resolution happens lazily on first use, is idempotent, and the
// cached result is invalidated on Start/Restart.
type Sandbox interface {
	// ExternalID returns the caller-assigned canonical identifier.
	ExternalID() string
	// Type returns the backend running this machine.
	Type() model.ProviderType

	// Start starts the machine. Hard failures propagate.
	Start(ctx context.Context) error
	// Stop stops the machine. Already-stopped and not-found conditions are
	// swallowed: callers stop speculatively during cleanup.
	Stop(ctx context.Context) error
	// Restart restarts the machine, invalidating any cached network state.
	Restart(ctx context.Context) error
	// Archive stops the machine and archives it where the backend supports
	// archival; elsewhere it degrades to a best-effort stop.
	Archive(ctx context.Context) error
	// Delete reclaims the backend resource. Not-found is swallowed; calling
	// Delete twice never fails on the second call.
	Delete(ctx context.Context) error

	// Exec runs a command inside the machine and returns captured output.
	// A non-zero exit is an error carrying stderr (or stdout if empty).
	Exec(ctx context.Context, command []string) (*model.ExecResult, error)

	// State returns the backend-native machine state. It never returns an
	// error: failures are reported as state "error" with the reason set.
	State(ctx context.Context) model.ProviderState

	// BaseURL resolves a reachable URL for a logical port inside the machine.
	BaseURL(ctx context.Context, port int) (string, error)
	// Fetcher returns an ingress fetcher routing requests to a logical port
	// inside the machine.
	Fetcher(ctx context.Context, port int) (*ingress.Fetcher, error)

	// Metadata returns the backend-tagged blob the caller must persist to
	// reconstruct this handle later.
	Metadata(ctx context.Context) (*model.Metadata, error)
}

// Provider is a per-backend factory: it creates new machines and
// reconstructs handles for existing ones from persisted metadata.
type Provider interface {
	// Type returns the backend this provider drives.
	Type() model.ProviderType

	// Create provisions a new machine and blocks until it is ready to serve
	// (supervisor healthy, or entrypoint sentinel observed when the
	// supervisor is bypassed).
	Create(ctx context.Context, opts model.CreateSandboxOptions) (Sandbox, error)

	// Sandbox reconstructs a handle for an existing machine. Identity hints
	// in metadata (container reference, resolved sandbox ID, machine ID) are
	// reused instead of re-discovered; a nil metadata forces lazy discovery
	// from the external ID alone.
	Sandbox(ctx context.Context, externalID string, metadata *model.Metadata) (Sandbox, error)

	// ListSandboxes returns the machines this backend currently knows about.
	// Used for reconciliation and garbage collection, not identity.
	ListSandboxes(ctx context.Context) ([]model.SandboxInfo, error)

	// ListSnapshots returns the snapshots/images available for creation.
	ListSnapshots(ctx context.Context) ([]model.SnapshotInfo, error)
}
