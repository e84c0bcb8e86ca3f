package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/iterate-ops/machines/internal/log"
	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/storage"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of storage.Repository, used in
// tests and for throwaway runs.
type Repository struct {
	machines map[string]storage.MachineRecord
	mu       sync.RWMutex
	logger   log.Logger
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		machines: map[string]storage.MachineRecord{},
		logger:   cfg.Logger,
	}, nil
}

// CreateMachine creates a new machine record.
func (r *Repository) CreateMachine(ctx context.Context, m storage.MachineRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.machines[m.ExternalID]; ok {
		return fmt.Errorf("machine %s: %w", m.ExternalID, model.ErrAlreadyExists)
	}

	r.machines[m.ExternalID] = m
	r.logger.Debugf("Created machine record %s", m.ExternalID)

	return nil
}

// GetMachine retrieves a machine record by external ID.
func (r *Repository) GetMachine(ctx context.Context, externalID string) (*storage.MachineRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.machines[externalID]
	if !ok {
		return nil, fmt.Errorf("machine %s: %w", externalID, model.ErrNotFound)
	}

	recordCopy := m
	return &recordCopy, nil
}

// ListMachines returns all machine records, ordered by external ID.
func (r *Repository) ListMachines(ctx context.Context) ([]storage.MachineRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	machines := make([]storage.MachineRecord, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	sort.Slice(machines, func(i, j int) bool { return machines[i].ExternalID < machines[j].ExternalID })

	return machines, nil
}

// UpdateMachine replaces an existing machine record.
func (r *Repository) UpdateMachine(ctx context.Context, m storage.MachineRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.machines[m.ExternalID]; !ok {
		return fmt.Errorf("machine %s: %w", m.ExternalID, model.ErrNotFound)
	}

	r.machines[m.ExternalID] = m
	r.logger.Debugf("Updated machine record %s", m.ExternalID)

	return nil
}

// DeleteMachine removes a machine record.
func (r *Repository) DeleteMachine(ctx context.Context, externalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.machines[externalID]; !ok {
		return fmt.Errorf("machine %s: %w", externalID, model.ErrNotFound)
	}

	delete(r.machines, externalID)
	r.logger.Debugf("Deleted machine record %s", externalID)

	return nil
}
