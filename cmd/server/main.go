// Command server runs the notemarket payment core: the HTTP API plus the
// reservation janitor, escrow release and daily reconciliation jobs.
package main

import (
	"context"
	"os"

	"github.com/mbd888/notemarket/internal/config"
	"github.com/mbd888/notemarket/internal/logging"
	"github.com/mbd888/notemarket/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting notemarket",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Reconfigure with the loaded level and format.
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"lock_backend", cfg.LockBackend,
		"reservation_ttl", cfg.ReservationTTL.String(),
		"reconcile_timezone", cfg.ReconcileTimezone,
		"reconcile_threshold", cfg.ReconcileThreshold.String(),
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
