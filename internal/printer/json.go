package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/iterate-ops/machines/internal/model"
)

// JSONPrinter prints machine information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

var _ Printer = (*JSONPrinter)(nil)

type machineItem struct {
	ExternalID  string    `json:"external_id"`
	Name        string    `json:"name"`
	Backend     string    `json:"backend"`
	State       string    `json:"state"`
	ErrorReason string    `json:"error_reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type stateOutput struct {
	ExternalID  string `json:"external_id"`
	State       string `json:"state"`
	ErrorReason string `json:"error_reason,omitempty"`
}

type snapshotItem struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

type sandboxItem struct {
	ExternalID string    `json:"external_id"`
	ProviderID string    `json:"provider_id"`
	Name       string    `json:"name,omitempty"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
}

type messageOutput struct {
	Message string `json:"message"`
}

// PrintMachineList prints stored machines with their live states.
func (j *JSONPrinter) PrintMachineList(rows []MachineRow) error {
	items := make([]machineItem, len(rows))
	for i, row := range rows {
		items[i] = machineItem{
			ExternalID:  row.Record.ExternalID,
			Name:        row.Record.Name,
			Backend:     string(row.Record.Type),
			State:       row.State.State,
			ErrorReason: row.State.ErrorReason,
			CreatedAt:   row.Record.CreatedAt.UTC(),
			UpdatedAt:   row.Record.UpdatedAt.UTC(),
		}
	}

	return j.encode(items)
}

// PrintState prints the live state of one machine.
func (j *JSONPrinter) PrintState(externalID string, state model.ProviderState) error {
	return j.encode(stateOutput{
		ExternalID:  externalID,
		State:       state.State,
		ErrorReason: state.ErrorReason,
	})
}

// PrintSnapshotList prints the snapshots available for machine creation.
func (j *JSONPrinter) PrintSnapshotList(snapshots []model.SnapshotInfo) error {
	items := make([]snapshotItem, len(snapshots))
	for i, s := range snapshots {
		items[i] = snapshotItem{ID: s.ID, Name: s.Name, State: s.State}
	}

	return j.encode(items)
}

// PrintSandboxList prints the machines a backend currently knows about.
func (j *JSONPrinter) PrintSandboxList(sandboxes []model.SandboxInfo) error {
	items := make([]sandboxItem, len(sandboxes))
	for i, s := range sandboxes {
		items[i] = sandboxItem{
			ExternalID: s.ExternalID,
			ProviderID: s.ProviderID,
			Name:       s.Name,
			State:      s.State,
			CreatedAt:  s.CreatedAt.UTC(),
		}
	}

	return j.encode(items)
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.encode(messageOutput{Message: msg})
}

func (j *JSONPrinter) encode(v interface{}) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
