package printer

import (
	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/storage"
)

// MachineRow couples a stored machine record with its live backend state.
type MachineRow struct {
	Record storage.MachineRecord
	State  model.ProviderState
}

// Printer knows how to print machine information in different formats.
type Printer interface {
	PrintMachineList(rows []MachineRow) error
	PrintState(externalID string, state model.ProviderState) error
	PrintSnapshotList(snapshots []model.SnapshotInfo) error
	PrintSandboxList(sandboxes []model.SandboxInfo) error
	PrintMessage(msg string) error
}
