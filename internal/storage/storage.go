// Package storage persists the machine records the control plane needs to
// reconstruct machine handles across process restarts: the caller-assigned
// identity plus the backend-tagged metadata blob each provider returns.
package storage

import (
	"context"
	"time"

	"github.com/iterate-ops/machines/internal/model"
)

// MachineRecord is one persisted machine.
type MachineRecord struct {
	// ExternalID is the caller-assigned canonical identifier, unique per
	// repository.
	ExternalID string
	// Name is a human readable name.
	Name string
	// Type is the backend running the machine.
	Type model.ProviderType
	// Metadata is the backend-tagged blob returned by the provider at
	// creation time. It is opaque beyond its documented sub-keys.
	Metadata model.Metadata

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repository is the interface for machine record persistence.
type Repository interface {
	CreateMachine(ctx context.Context, m MachineRecord) error
	GetMachine(ctx context.Context, externalID string) (*MachineRecord, error)
	ListMachines(ctx context.Context) ([]MachineRecord, error)
	UpdateMachine(ctx context.Context, m MachineRecord) error
	DeleteMachine(ctx context.Context, externalID string) error
}
