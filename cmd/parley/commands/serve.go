package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/artifact"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/printer"
	"github.com/parleyhq/parley/internal/server"
	"github.com/parleyhq/parley/internal/stats"
	"github.com/parleyhq/parley/internal/store"
)

var (
	serveConfigPath string
	serveBind       string
	serveVerbose    bool
)

const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the parley daemon",
	Long: `Run the parley daemon: opens the task repository, serves the REST API,
and drives task workflows until stopped.

Configuration comes from parley.yml in the working directory (or --config).
A missing file falls back to built-in defaults: SQLite storage under
.agents/, artifacts under .agents/threads, API on 127.0.0.1:7177.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "parley.yml", "Path to the configuration file")
	serveCmd.Flags().StringVar(&serveBind, "bind", "", "Override the configured listen address")
	serveCmd.Flags().BoolVar(&serveVerbose, "verbose", false, "Human-readable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig()
	if err != nil {
		return err
	}
	if serveBind != "" {
		cfg.Server.Bind = serveBind
	}

	logger, err := buildLogger(serveVerbose)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	repo, err := store.Open(*cfg.Storage, logger)
	if err != nil {
		return printer.Error("Cannot open task storage", err.Error(), []string{
			"Check the storage section of parley.yml",
			"Run 'parley init' to scaffold a fresh project",
		})
	}
	defer repo.Close()

	artifacts, err := artifact.NewStore(cfg.Artifacts.Root, logger)
	if err != nil {
		return printer.Error("Cannot open artifact root", err.Error(), nil)
	}
	events := artifact.NewEventLog(artifacts, logger)

	invoker, err := gateway.New(cfg.Providers, logger)
	if err != nil {
		return printer.Error("Invalid provider configuration", err.Error(), nil)
	}

	svc := orchestrator.New(repo, artifacts, events, invoker, cfg, logger)
	collector := stats.New(repo, artifacts, logger)
	srv := server.New(svc, collector, cfg, server.Info{
		Version: version,
		Backend: backendName(cfg),
	}, logger)

	if err := srv.Start(); err != nil {
		return printer.Error("Cannot bind the API address", err.Error(), []string{
			fmt.Sprintf("Check whether another process listens on %s", cfg.Server.Bind),
			"Override with --bind or the PARLEY_BIND environment variable",
		})
	}
	printer.Success("parley daemon listening on %s (storage: %s)\n", srv.Addr(), backendName(cfg))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
	printer.Info("\nReceived %v, shutting down...\n", sig)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("HTTP drain incomplete", zap.Error(err))
	}
	if err := svc.Shutdown(ctx); err != nil {
		logger.Warn("task shutdown incomplete", zap.Error(err))
	}
	printer.Success("daemon stopped\n")
	return nil
}

// loadServeConfig loads parley.yml, falling back to defaults when the file
// does not exist. An unreadable or invalid file is an error; silently
// ignoring it would run with settings the operator did not choose.
func loadServeConfig() (*config.Config, error) {
	cfg, err := config.Load(serveConfigPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, printer.Error("Cannot load configuration", err.Error(), []string{
		fmt.Sprintf("Fix %s or remove it to use defaults", serveConfigPath),
	})
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func backendName(cfg *config.Config) string {
	if cfg.Storage != nil && cfg.Storage.RedisURL != "" {
		return "redis"
	}
	return "sqlite"
}
