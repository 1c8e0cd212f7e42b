package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var retryAll bool

var retryCmd = &cobra.Command{
	Use:   "retry [change-id...]",
	Short: "Retry failed local changes",
	Long: `Clear the failure bookkeeping on local changes so the next drain sends
them again. Pass change ids from 'driftsync pending --errored', or
--all to retry every errored change.`,
	RunE: runRetry,
}

func init() {
	retryCmd.Flags().BoolVar(&retryAll, "all", false, "Retry every errored change")
}

func runRetry(cmd *cobra.Command, args []string) error {
	if !retryAll && len(args) == 0 {
		return fmt.Errorf("pass at least one change id or --all")
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

	var ids []int64
	if retryAll {
		records, err := db.SelectErrored()
		if err != nil {
			return err
		}
		for _, r := range records {
			ids = append(ids, r.ID)
		}
	} else {
		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid change id %q", arg)
			}
			ids = append(ids, id)
		}
	}

	if len(ids) == 0 {
		fmt.Println("Nothing to retry.")
		return nil
	}

	for _, id := range ids {
		if err := db.ResetAttempts(id); err != nil {
			return err
		}
	}

	fmt.Printf("Cleared failures on %d change(s). They will be resent on the next drain.\n", len(ids))
	return nil
}
