package machines

import (
	"context"
)

// Snapshots returns the images or snapshots available for machine creation
// on a backend.
//
// Returns [ErrNotValid] if the backend is unknown or its configuration is
// incomplete.
func (c *Client) Snapshots(ctx context.Context, backend Backend) ([]Snapshot, error) {
	p, err := c.providerFor(backend)
	if err != nil {
		return nil, mapError(err)
	}

	snapshots, err := p.ListSnapshots(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	result := make([]Snapshot, len(snapshots))
	for i, s := range snapshots {
		result[i] = Snapshot{ID: s.ID, Name: s.Name, State: s.State}
	}

	return result, nil
}

// BackendMachines returns the machines a backend currently knows about, as
// reported by the backend itself. Compare against [Client.ListMachines] to
// find orphaned backend resources or stale records.
func (c *Client) BackendMachines(ctx context.Context, backend Backend) ([]BackendMachine, error) {
	p, err := c.providerFor(backend)
	if err != nil {
		return nil, mapError(err)
	}

	sandboxes, err := p.ListSandboxes(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	result := make([]BackendMachine, len(sandboxes))
	for i, s := range sandboxes {
		result[i] = BackendMachine{
			ProviderID: s.ProviderID,
			ExternalID: s.ExternalID,
			Name:       s.Name,
			State:      s.State,
			CreatedAt:  s.CreatedAt,
		}
	}

	return result, nil
}
