// Command dci-analytics runs the two roles of the analytics service:
// "serve" exposes the ingested data over HTTP, "sync" performs one
// checkpointed synchronization pass and exits with a class-specific
// code for the scheduler to act on.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/distributedci/dci-analytics/internal/config"
	"github.com/distributedci/dci-analytics/internal/dci"
	"github.com/distributedci/dci-analytics/internal/engine"
	"github.com/distributedci/dci-analytics/internal/server"
	"github.com/distributedci/dci-analytics/internal/store"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:           "dci-analytics",
		Short:         "DCI analytics ingestion and query service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to configuration file (TOML)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the analytics query API",
			Run: func(cmd *cobra.Command, args []string) {
				os.Exit(runServe())
			},
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Run one synchronization pass and exit",
			Run: func(cmd *cobra.Command, args []string) {
				os.Exit(runSync())
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(engine.ExitConfig)
	}
}

// setup loads and validates configuration and builds the logger and
// store shared by both roles.
func setup() (*config.Config, *slog.Logger, func() error, *store.DB, int) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return nil, nil, nil, nil, engine.ExitConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return nil, nil, nil, nil, engine.ExitConfig
	}

	logger, cleanup, err := cfg.Logging.SetupLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return nil, nil, nil, nil, engine.ExitConfig
	}
	slog.SetDefault(logger)

	db, err := store.OpenWithConfig(cfg.Database)
	if err != nil {
		logger.Error("failed to open store", "dsn", cfg.Database.DSN, "error", err)
		cleanup()
		return nil, nil, nil, nil, engine.ExitStore
	}

	if err := db.Migrate(); err != nil {
		logger.Error("failed to run migrations", "error", err)
		db.Close()
		cleanup()
		return nil, nil, nil, nil, engine.ExitStore
	}
	version, err := db.SchemaVersion()
	if err != nil {
		logger.Error("failed to read schema version", "error", err)
		db.Close()
		cleanup()
		return nil, nil, nil, nil, engine.ExitStore
	}
	logger.Info("store ready", "dsn", cfg.Database.DSN, "schema_version", version)

	return cfg, logger, cleanup, db, engine.ExitOK
}

func runServe() int {
	cfg, logger, cleanup, db, code := setup()
	if code != engine.ExitOK {
		return code
	}
	defer cleanup()
	defer db.Close()

	logger.Info("starting serving role", "addr", cfg.HTTP.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg.HTTP, db, cfg.Sync.Period, logger)
	if err := srv.Serve(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		return engine.ExitFailure
	}

	logger.Info("server stopped")
	return engine.ExitOK
}

func runSync() int {
	cfg, logger, cleanup, db, code := setup()
	if code != engine.ExitOK {
		return code
	}
	defer cleanup()
	defer db.Close()

	client, err := dci.NewClient(cfg.Source, nil, logger)
	if err != nil {
		logger.Error("failed to create source client", "error", err)
		return engine.ExitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := engine.NewOrchestrator(cfg.Sync, engine.NewClientSource(client), db, logger)
	result := orch.Run(ctx)

	return result.ExitCode()
}
