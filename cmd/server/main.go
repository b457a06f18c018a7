// voxreseller - Billing core for a two-level voice-agent reseller platform
package main

import (
	"context"
	"os"

	"github.com/mbd888/voxreseller/internal/config"
	"github.com/mbd888/voxreseller/internal/logging"
	"github.com/mbd888/voxreseller/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured one exists
	logger := logging.New("info", "text")

	logger.Info("starting voxreseller",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"database", cfg.DatabaseURL != "",
		"provisioning", cfg.ProvisioningURL != "",
		"notifications_broker", cfg.AMQPURL != "",
		"trial_sweep_schedule", cfg.TrialSweepSchedule,
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
