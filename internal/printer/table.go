package printer

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/iterate-ops/machines/internal/model"
)

// TablePrinter prints machine information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

var _ Printer = (*TablePrinter)(nil)

// PrintMachineList prints stored machines with their live states.
func (t *TablePrinter) PrintMachineList(rows []MachineRow) error {
	if len(rows) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "EXTERNAL ID\tNAME\tBACKEND\tSTATE\tCREATED")

	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			row.Record.ExternalID,
			row.Record.Name,
			row.Record.Type,
			row.State.State,
			TimeAgo(row.Record.CreatedAt),
		)
	}

	return nil
}

// PrintState prints the live state of one machine.
func (t *TablePrinter) PrintState(externalID string, state model.ProviderState) error {
	fmt.Fprintf(t.writer, "Machine:  %s\n", externalID)
	fmt.Fprintf(t.writer, "State:    %s\n", state.State)
	if state.ErrorReason != "" {
		fmt.Fprintf(t.writer, "Reason:   %s\n", state.ErrorReason)
	}
	return nil
}

// PrintSnapshotList prints the snapshots available for machine creation.
func (t *TablePrinter) PrintSnapshotList(snapshots []model.SnapshotInfo) error {
	if len(snapshots) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tNAME\tSTATE")

	for _, s := range snapshots {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.Name, s.State)
	}

	return nil
}

// PrintSandboxList prints the machines a backend currently knows about.
func (t *TablePrinter) PrintSandboxList(sandboxes []model.SandboxInfo) error {
	if len(sandboxes) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "EXTERNAL ID\tPROVIDER ID\tSTATE\tCREATED")

	for _, s := range sandboxes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ExternalID, s.ProviderID, s.State, TimeAgo(s.CreatedAt))
	}

	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}
