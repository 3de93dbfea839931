// Babylon A2A - agent-to-agent protocol server for prediction markets
package main

import (
	"context"
	"os"

	"github.com/babylonmarket/a2a/internal/config"
	"github.com/babylonmarket/a2a/internal/logging"
	"github.com/babylonmarket/a2a/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New(config.DefaultLogLevel, config.DefaultLogFormat).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting babylon a2a",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"payment_token", cfg.PaymentTokenContract,
		"max_connections", cfg.MaxConnections,
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
