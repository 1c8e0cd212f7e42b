package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/cli/prompt"
	"github.com/driftsync/driftsync/internal/server/store"
	"github.com/driftsync/driftsync/pkg/config"
)

var (
	initForce       bool
	initInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default configuration file",
	Long: `Create a configuration file with sensible defaults and a freshly
generated token signing secret.

The file is written to $XDG_CONFIG_HOME/driftsync/config.yaml unless
--config points somewhere else. Existing files are left untouched
unless --force is given. With --interactive the database and API
settings are prompted for instead of defaulted.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	initCmd.Flags().BoolVarP(&initInteractive, "interactive", "i", false, "Prompt for the main settings")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if config.ConfigExists(configPath) && !initForce {
		ok, err := prompt.Confirm(fmt.Sprintf("Config file %s already exists. Overwrite?", configPath), false)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg := config.GetDefaultConfig()

	if initInteractive {
		if err := promptSettings(cfg); err != nil {
			return err
		}
	}

	if cfg.Auth.Secret == "" {
		secret, err := generateSecret()
		if err != nil {
			return fmt.Errorf("failed to generate auth secret: %w", err)
		}
		cfg.Auth.Secret = secret
	}

	if err := config.SaveConfig(cfg, configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Configuration written to %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review the configuration, in particular the database section")
	fmt.Println("  2. Start the server:  driftsyncd start")
	fmt.Println("  3. Issue a replica token:  driftsyncd token --client-id <id>")
	fmt.Println()
	fmt.Println("The auth secret can also be supplied via DRIFTSYNC_AUTH_SECRET")
	fmt.Println("instead of keeping it in the file.")
	return nil
}

// promptSettings walks the operator through the settings that most
// often need changing.
func promptSettings(cfg *config.Config) error {
	driver, err := prompt.Select("Database driver", []prompt.SelectOption{
		{Value: string(store.DriverSQLite), Label: "SQLite (single node, zero setup)"},
		{Value: string(store.DriverPostgres), Label: "PostgreSQL"},
	})
	if err != nil {
		return err
	}
	cfg.Database.Driver = store.Driver(driver)

	if cfg.Database.Driver == store.DriverPostgres {
		dsn, err := prompt.InputRequired("PostgreSQL DSN")
		if err != nil {
			return err
		}
		cfg.Database.DSN = dsn
	}

	port, err := prompt.InputPort("API port", cfg.API.Port)
	if err != nil {
		return err
	}
	cfg.API.Port = port

	manual, err := prompt.Confirm("Enter the token signing secret manually instead of generating one?", false)
	if err != nil {
		return err
	}
	if manual {
		secret, err := prompt.PasswordWithValidation("Auth secret", 32)
		if err != nil {
			return err
		}
		cfg.Auth.Secret = secret
	}
	return nil
}

// generateSecret returns 32 random bytes hex encoded, which clears the
// minimum secret length the token service enforces.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
