// Taskilo settlement - escrow and payout service for the marketplace
package main

import (
	"context"
	"os"

	"github.com/taskilo/settlement/internal/config"
	"github.com/taskilo/settlement/internal/logging"
	"github.com/taskilo/settlement/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting taskilo settlement",
		"version", Version,
		"commit", Commit,
		"buildTime", BuildTime,
		"env", cfg.Env,
		"store", cfg.StoreDriver,
		"payouts", cfg.PayoutsEnabled(),
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
