package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/fleet/internal/config"
	"github.com/ShayCichocki/fleet/internal/controlplane"
	"github.com/ShayCichocki/fleet/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Start the HTTP API together with the dispatcher, liveness sweep,
lease reaper and event relay.

Tenant quotas are reloaded when the config file changes. Everything else
requires a restart.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	src, err := config.Open(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := src.Config()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, closeLog, err := controlplane.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	logger.Info("starting fleet", "version", version.Get(), "config", src.File())
	if cfg.Server.AdminToken == "" {
		logger.Warn("server.admin_token is empty; operator routes are unauthenticated")
	}

	cp, err := controlplane.New(cfg, controlplane.WithLogger(logger))
	if err != nil {
		return err
	}
	defer cp.Close()

	src.Watch(logger, cp.ApplyConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cp.Run(ctx)
}
