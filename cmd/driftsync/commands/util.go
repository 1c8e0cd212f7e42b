package commands

import (
	"fmt"
	"path/filepath"

	"github.com/driftsync/driftsync/internal/client/changelog"
	"github.com/driftsync/driftsync/internal/client/state"
	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/tables"
)

// ReplicaDBName is the local database file name inside the data
// directory.
const ReplicaDBName = "replica.db"

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// loadAgentConfig loads the config and checks the fields every agent
// command needs.
func loadAgentConfig() (*config.Config, error) {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return nil, err
	}
	if cfg.Client.DataDir == "" {
		return nil, fmt.Errorf("client.data_dir is not configured")
	}
	return cfg, nil
}

// requireServerURL rejects configs that never set the sync endpoint.
func requireServerURL(cfg *config.Config) error {
	if cfg.Client.ServerURL == "" {
		return fmt.Errorf("client.server_url is not configured; set it in the config file or via DRIFTSYNC_CLIENT_SERVER_URL")
	}
	return nil
}

// openState opens the persisted replica identity and position.
func openState(cfg *config.Config) (*state.Store, error) {
	return state.Open(cfg.Client.DataDir)
}

// openChangelog opens the local replica database.
func openChangelog(cfg *config.Config) (*changelog.DB, error) {
	return changelog.Open(filepath.Join(cfg.Client.DataDir, ReplicaDBName), tables.Default)
}
