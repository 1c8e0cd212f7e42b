package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/cli/output"
	"github.com/driftsync/driftsync/internal/cli/timeutil"
	"github.com/driftsync/driftsync/internal/client/changelog"
)

var (
	pendingErrored bool
	pendingLimit   int
	pendingOutput  string
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List local changes awaiting server confirmation",
	Long: `List locally originated changes that the server has not confirmed yet,
oldest first. With --errored only changes that recorded at least one
send failure are shown, together with the failure reason.`,
	RunE: runPending,
}

func init() {
	pendingCmd.Flags().BoolVar(&pendingErrored, "errored", false, "Show only changes with recorded failures")
	pendingCmd.Flags().IntVar(&pendingLimit, "limit", 50, "Maximum number of changes to list")
	pendingCmd.Flags().StringVarP(&pendingOutput, "output", "o", "table",
		"Output format (table, json, yaml)")
}

// pendingEntry is the structured form of one change for json/yaml output.
type pendingEntry struct {
	ID         int64  `json:"id" yaml:"id"`
	Table      string `json:"table" yaml:"table"`
	PrimaryKey string `json:"primaryKey" yaml:"primaryKey"`
	Operation  string `json:"operation" yaml:"operation"`
	Timestamp  int64  `json:"timestamp" yaml:"timestamp"`
	Attempts   int    `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

func runPending(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(pendingOutput)
	if err != nil {
		return err
	}

	cfg, err := loadAgentConfig()
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	db, err := openChangelog(cfg)
	if err != nil {
		return fmt.Errorf("failed to open replica database: %w", err)
	}
	defer func() { _ = db.Close() }()

	var records []*changelog.Record
	if pendingErrored {
		records, err = db.SelectErrored()
	} else {
		records, err = db.SelectUnsynced(pendingLimit)
	}
	if err != nil {
		return err
	}

	printer := output.NewPrinter(os.Stdout, format, false)

	if format != output.FormatTable {
		out := make([]pendingEntry, 0, len(records))
		for _, r := range records {
			out = append(out, pendingEntry{
				ID: r.ID, Table: r.Table, PrimaryKey: r.PrimaryKey,
				Operation: r.Operation, Timestamp: r.Timestamp,
				Attempts: r.Attempts, Error: r.Error,
			})
		}
		return printer.Print(out)
	}

	if len(records) == 0 {
		if pendingErrored {
			fmt.Println("No errored changes.")
		} else {
			fmt.Println("No pending changes.")
		}
		return nil
	}

	if pendingErrored {
		table := output.NewTableData("ID", "TABLE", "KEY", "OP", "ATTEMPTS", "ERROR")
		for _, r := range records {
			table.AddRow(fmt.Sprintf("%d", r.ID), r.Table, r.PrimaryKey, r.Operation,
				fmt.Sprintf("%d", r.Attempts), r.Error)
		}
		return printer.Print(table)
	}

	table := output.NewTableData("ID", "TABLE", "KEY", "OP", "CHANGED")
	for _, r := range records {
		table.AddRow(fmt.Sprintf("%d", r.ID), r.Table, r.PrimaryKey, r.Operation,
			timeutil.FormatUnixMilli(r.Timestamp))
	}
	return printer.Print(table)
}
