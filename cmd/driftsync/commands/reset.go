package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/cli/prompt"
)

var (
	resetForce        bool
	resetDropIdentity bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the sync position",
	Long: `Move the applied position back to zero so the next connection performs
a full initial sync. The replica keeps its identity and its local
database; the snapshot overwrites table contents row by row.

With --drop-identity the state file is removed entirely and the next
start assigns a fresh client id. Use this when the server no longer
knows this replica.`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip the confirmation prompt")
	resetCmd.Flags().BoolVar(&resetDropIdentity, "drop-identity", false, "Also discard the replica identity")
}

func runReset(cmd *cobra.Command, args []string) error {
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

	if !resetForce {
		label := fmt.Sprintf("Reset sync position for replica %s", st.ClientID())
		if resetDropIdentity {
			label = fmt.Sprintf("Discard identity and sync position for replica %s", st.ClientID())
		}
		ok, err := prompt.ConfirmDanger(label, "reset")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if resetDropIdentity {
		if err := st.Drop(); err != nil {
			return err
		}
		fmt.Println("Replica identity discarded. The next start registers as a new client.")
		return nil
	}

	if err := st.Reset(); err != nil {
		return err
	}
	fmt.Println("Sync position reset. The next connection performs a full initial sync.")
	return nil
}
