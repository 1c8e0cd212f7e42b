package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/cli/output"
	"github.com/driftsync/driftsync/pkg/apiclient"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replica sync status",
	Long: `Show the replica identity, the last applied server position, how many
local changes await confirmation, and whether the server is reachable.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadAgentConfig()
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	st, err := openState(cfg)
	if err != nil {
		return fmt.Errorf("failed to open replica state: %w", err)
	}

	db, err := openChangelog(cfg)
	if err != nil {
		return fmt.Errorf("failed to open replica database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pending, err := db.PendingCount()
	if err != nil {
		return err
	}
	errored, err := db.SelectErrored()
	if err != nil {
		return err
	}

	pairs := [][2]string{
		{"Client ID", st.ClientID()},
		{"Applied LSN", st.AppliedLSN().String()},
		{"Pending changes", fmt.Sprintf("%d", pending)},
		{"Errored changes", fmt.Sprintf("%d", len(errored))},
	}

	if cfg.Client.ServerURL != "" {
		pairs = append(pairs, [2]string{"Server", cfg.Client.ServerURL})
		ready, err := apiclient.New(cfg.Client.ServerURL).GetReadiness()
		if err != nil {
			pairs = append(pairs, [2]string{"Server status", fmt.Sprintf("unreachable (%v)", err)})
		} else {
			pairs = append(pairs, [2]string{"Server status", "ready"})
			pairs = append(pairs, [2]string{"Server LSN", ready.LSN})
		}
	}

	return output.SimpleTable(os.Stdout, pairs)
}
