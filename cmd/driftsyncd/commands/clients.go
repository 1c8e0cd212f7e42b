package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/cli/output"
	"github.com/driftsync/driftsync/internal/cli/timeutil"
	"github.com/driftsync/driftsync/internal/server/store"
	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/tables"
)

var clientsOutput string

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "List registered replicas",
	Long: `List every replica that has registered with this server, with its
last acknowledged position and when it was last seen.`,
	RunE: runClients,
}

func init() {
	clientsCmd.Flags().StringVarP(&clientsOutput, "output", "o", "table",
		"Output format (table, json, yaml)")
}

func runClients(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(clientsOutput)
	if err != nil {
		return err
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database, tables.Default)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	clients, err := st.ListClients()
	if err != nil {
		return err
	}

	printer := output.NewPrinter(os.Stdout, format, false)

	if format != output.FormatTable {
		type entry struct {
			ClientID string `json:"clientId" yaml:"clientId"`
			LastLSN  string `json:"lastLSN" yaml:"lastLSN"`
			LastSeen int64  `json:"lastSeen" yaml:"lastSeen"`
		}
		out := make([]entry, 0, len(clients))
		for _, c := range clients {
			out = append(out, entry{ClientID: c.ID, LastLSN: c.LastLSN, LastSeen: c.LastSeen})
		}
		return printer.Print(out)
	}

	if len(clients) == 0 {
		fmt.Println("No replicas registered.")
		return nil
	}

	table := output.NewTableData("CLIENT ID", "LAST LSN", "LAST SEEN")
	for _, c := range clients {
		lastLSN := c.LastLSN
		if lastLSN == "" {
			lastLSN = "-"
		}
		table.AddRow(c.ID, lastLSN, timeutil.FormatUnixMilli(c.LastSeen))
	}
	return printer.Print(table)
}
