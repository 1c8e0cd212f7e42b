package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/server/auth"
	"github.com/driftsync/driftsync/pkg/config"
)

var (
	tokenClientID string
	tokenDuration time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a replica access token",
	Long: `Issue a signed token for a replica.

The replica presents the token when it connects. Tokens expire; point
the agent's token_path at a file and rewrite it before expiry so the
agent picks up the rotation without a restart.

Examples:
  driftsyncd token --client-id replica-eu-1
  driftsyncd token --client-id replica-eu-1 --duration 168h`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenClientID, "client-id", "", "Replica client id (required)")
	tokenCmd.Flags().DurationVar(&tokenDuration, "duration", 0, "Token lifetime (default: auth.token_duration)")
	_ = tokenCmd.MarkFlagRequired("client-id")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	authCfg := cfg.Auth
	if tokenDuration > 0 {
		authCfg.TokenDuration = tokenDuration
	}

	svc, err := auth.NewService(authCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize auth: %w", err)
	}

	token, expiresAt, err := svc.IssueToken(tokenClientID)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Println(token)
	fmt.Fprintf(cmd.ErrOrStderr(), "Expires: %s\n", expiresAt.Local().Format(time.RFC1123))
	return nil
}
