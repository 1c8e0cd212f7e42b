package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/client/applier"
	"github.com/driftsync/driftsync/internal/client/outbox"
	"github.com/driftsync/driftsync/internal/client/session"
	"github.com/driftsync/driftsync/internal/client/supervisor"
	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/internal/telemetry"
	"github.com/driftsync/driftsync/pkg/apiclient"
	"github.com/driftsync/driftsync/pkg/wire"
)

var startResync bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the replica agent",
	Long: `Run the replica agent: connect to the server, bring the local
database up to date, then keep syncing in both directions until the
process is stopped.

The agent reconnects on its own after connection loss. SIGUSR1 toggles
hard offline mode; SIGUSR2 forces a full resync on the next connection.

Examples:
  # Run against the configured server
  driftsync start

  # Drop the local position and start over with a full snapshot
  driftsync start --resync`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&startResync, "resync", false,
		"Force a full initial sync on the first connection")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadAgentConfig()
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}
	if err := requireServerURL(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "driftsync-agent",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	st, err := openState(cfg)
	if err != nil {
		return fmt.Errorf("failed to open replica state: %w", err)
	}

	db, err := openChangelog(cfg)
	if err != nil {
		return fmt.Errorf("failed to open replica database: %w", err)
	}
	defer func() { _ = db.Close() }()

	ap := applier.New(db, st, cfg.Client.MaxApplyRetries)

	var tokens supervisor.TokenSource
	if cfg.Client.TokenPath != "" {
		tokens, err = supervisor.NewFileToken(cfg.Client.TokenPath)
		if err != nil {
			return fmt.Errorf("failed to watch token file: %w", err)
		}
		defer func() { _ = tokens.Close() }()
	} else {
		tokens = supervisor.StaticToken(cfg.Client.Token)
	}

	// The outbox sends through the supervisor so batches always ride the
	// current connection. The supervisor needs the outbox at construction,
	// hence the indirection.
	var sup *supervisor.Supervisor
	ob := outbox.New(db, outbox.SenderFunc(func(ctx context.Context, msg *wire.Message) error {
		return sup.Send(ctx, msg)
	}), outbox.Config{
		BatchSize: cfg.Client.BatchSize,
		Interval:  cfg.Client.FlushInterval,
	})

	api := apiclient.New(cfg.Client.ServerURL)
	dial := func(ctx context.Context, token string) (session.Transport, error) {
		// Registration is idempotent; doing it on every attempt also
		// refreshes last_seen and covers a server that lost its state.
		if _, err := api.WithToken(token).ReplicationInit(st.ClientID()); err != nil {
			if apiclient.IsAuthError(err) {
				return nil, fmt.Errorf("%w: %v", wire.ErrUnauthorized, err)
			}
			return nil, fmt.Errorf("registration failed: %w", err)
		}
		return wire.Dial(ctx, wire.DialOptions{
			URL:               cfg.Client.ServerURL,
			ClientID:          st.ClientID(),
			Token:             token,
			HeartbeatInterval: cfg.Client.HeartbeatInterval,
		})
	}

	sup = supervisor.New(dial, tokens, st, ap, ob, supervisor.Config{
		ReconnectInterval: cfg.Client.ReconnectInterval,
		Session: session.Config{
			HeartbeatInterval: cfg.Client.HeartbeatInterval,
		},
	}, func(status supervisor.Status) {
		if status.Err != nil {
			logger.Warn("Connection lost", "error", status.Err)
			return
		}
		logger.Info("Connection status changed",
			"connected", status.Connected, "phase", status.Phase)
	})

	if startResync {
		sup.ForceResync()
	}

	ob.Start(ctx)
	defer ob.Stop()

	logger.Info("Replica agent started",
		logger.ClientID(st.ClientID()),
		logger.ServerURL(cfg.Client.ServerURL),
		logger.LSN(st.AppliedLSN().String()))

	supDone := make(chan error, 1)
	go func() {
		supDone <- sup.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGUSR1:
				offline := !sup.Offline()
				sup.SetOffline(offline)
				logger.Info("Offline mode toggled", "offline", offline)
			case syscall.SIGUSR2:
				sup.ForceResync()
				logger.Info("Full resync scheduled for the next connection")
			default:
				signal.Stop(sigChan)
				logger.Info("Shutdown signal received, stopping agent")
				cancel()
				<-supDone
				logger.Info("Agent stopped")
				return nil
			}

		case err := <-supDone:
			signal.Stop(sigChan)
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		}
	}
}
