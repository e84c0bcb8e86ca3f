package machines

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/provider"
	"github.com/iterate-ops/machines/internal/storage"
)

// CreateMachine provisions a new machine on the selected backend and
// persists its record. It blocks until the machine is ready to serve.
//
// When ExternalID is empty a unique lexicographically sortable identifier
// is generated.
//
// Returns [ErrAlreadyExists] if a machine with that external ID is already
// stored, or [ErrNotValid] if the options fail validation.
func (c *Client) CreateMachine(ctx context.Context, opts CreateMachineOpts) (*Machine, error) {
	if opts.ExternalID == "" {
		opts.ExternalID = newExternalID()
	}

	m, err := c.handle(toInternalBackend(opts.Backend), opts.ExternalID, nil)
	if err != nil {
		return nil, mapError(err)
	}

	_, err = c.repo.GetMachine(ctx, opts.ExternalID)
	if err == nil {
		return nil, mapError(fmt.Errorf("machine %q: %w", opts.ExternalID, model.ErrAlreadyExists))
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, mapError(fmt.Errorf("could not check for existing machine: %w", err))
	}

	metadata, err := m.Create(ctx, model.CreateSandboxOptions{
		Name:                opts.Name,
		EnvVars:             opts.EnvVars,
		ProviderSnapshotID:  opts.SnapshotID,
		EntrypointArguments: opts.EntrypointArguments,
	})
	if err != nil {
		return nil, mapError(err)
	}

	now := time.Now().UTC()
	record := storage.MachineRecord{
		ExternalID: opts.ExternalID,
		Name:       opts.Name,
		Type:       toInternalBackend(opts.Backend),
		Metadata:   *metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.repo.CreateMachine(ctx, record); err != nil {
		return nil, mapError(fmt.Errorf("machine created on %s but its record could not be persisted: %w", opts.Backend, err))
	}

	sb, err := m.Sandbox(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	result := fromRecord(record, sb.State(ctx))
	return &result, nil
}

// GetMachine returns a stored machine with its live backend state.
//
// Returns [ErrNotFound] if no machine with that external ID is stored.
func (c *Client) GetMachine(ctx context.Context, externalID string) (*Machine, error) {
	record, sb, err := c.sandboxFor(ctx, externalID)
	if err != nil {
		return nil, mapError(err)
	}

	result := fromRecord(*record, sb.State(ctx))
	return &result, nil
}

// ListMachines returns all stored machines with their live backend states.
//
// A machine whose backend cannot be reached is still listed, with state
// "error" and the reason attached.
func (c *Client) ListMachines(ctx context.Context) ([]Machine, error) {
	records, err := c.repo.ListMachines(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	result := make([]Machine, 0, len(records))
	for _, record := range records {
		result = append(result, fromRecord(record, c.liveState(ctx, record)))
	}

	return result, nil
}

// StartMachine starts a stopped machine and blocks until the backend reports
// it running.
func (c *Client) StartMachine(ctx context.Context, externalID string) error {
	record, sb, err := c.sandboxFor(ctx, externalID)
	if err != nil {
		return mapError(err)
	}

	if err := sb.Start(ctx); err != nil {
		return mapError(err)
	}

	return mapError(c.touch(ctx, *record))
}

// StopMachine stops a running machine. Stopping an already-stopped or
// missing machine is not an error.
func (c *Client) StopMachine(ctx context.Context, externalID string) error {
	record, sb, err := c.sandboxFor(ctx, externalID)
	if err != nil {
		return mapError(err)
	}

	if err := sb.Stop(ctx); err != nil {
		return mapError(err)
	}

	return mapError(c.touch(ctx, *record))
}

// RestartMachine restarts a machine, invalidating any cached network state
// (ports may be remapped by the backend).
func (c *Client) RestartMachine(ctx context.Context, externalID string) error {
	record, sb, err := c.sandboxFor(ctx, externalID)
	if err != nil {
		return mapError(err)
	}

	if err := sb.Restart(ctx); err != nil {
		return mapError(err)
	}

	return mapError(c.touch(ctx, *record))
}

// ArchiveMachine stops the machine and archives it where the backend
// supports archival; elsewhere it degrades to a best-effort stop.
func (c *Client) ArchiveMachine(ctx context.Context, externalID string) error {
	record, sb, err := c.sandboxFor(ctx, externalID)
	if err != nil {
		return mapError(err)
	}

	if err := sb.Archive(ctx); err != nil {
		return mapError(err)
	}

	return mapError(c.touch(ctx, *record))
}

// RemoveMachine reclaims the backend resource and deletes the stored record.
// Removing a machine whose backend resource is already gone still deletes
// the record.
func (c *Client) RemoveMachine(ctx context.Context, externalID string) error {
	record, sb, err := c.sandboxFor(ctx, externalID)
	if err != nil {
		return mapError(err)
	}

	if err := sb.Delete(ctx); err != nil {
		return mapError(err)
	}

	if err := c.repo.DeleteMachine(ctx, record.ExternalID); err != nil && !errors.Is(err, model.ErrNotFound) {
		return mapError(fmt.Errorf("machine removed from %s but its record could not be deleted: %w", record.Type, err))
	}

	return nil
}

// newExternalID generates a machine identifier valid on every backend:
// lowercase ULID with a letter prefix (Fly app names may not start with a
// digit).
func newExternalID() string {
	return "m-" + strings.ToLower(ulid.Make().String())
}

// sandboxFor loads a stored machine record and resolves its sandbox handle.
func (c *Client) sandboxFor(ctx context.Context, externalID string) (*storage.MachineRecord, provider.Sandbox, error) {
	record, err := c.repo.GetMachine(ctx, externalID)
	if err != nil {
		return nil, nil, err
	}

	m, err := c.machineFor(*record)
	if err != nil {
		return nil, nil, err
	}

	sb, err := m.Sandbox(ctx)
	if err != nil {
		return nil, nil, err
	}

	return record, sb, nil
}

// liveState queries the backend state for one record, degrading failures to
// state "error" so a broken backend cannot break a listing.
func (c *Client) liveState(ctx context.Context, record storage.MachineRecord) model.ProviderState {
	m, err := c.machineFor(record)
	if err != nil {
		return model.ProviderState{State: model.StateError, ErrorReason: err.Error()}
	}

	sb, err := m.Sandbox(ctx)
	if err != nil {
		return model.ProviderState{State: model.StateError, ErrorReason: err.Error()}
	}

	return sb.State(ctx)
}

// touch bumps the record's update timestamp after a lifecycle operation.
func (c *Client) touch(ctx context.Context, record storage.MachineRecord) error {
	record.UpdatedAt = time.Now().UTC()
	return c.repo.UpdateMachine(ctx, record)
}
