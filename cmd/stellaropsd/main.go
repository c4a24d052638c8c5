// Stellaropsd is the constellation operations daemon.
//
// It loads configuration, opens the store, boots an actor per satellite,
// and serves the HTTP and WebSocket API. Shutdown is handled gracefully on
// SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/stellarops/stellarops/internal/app"
	"github.com/stellarops/stellarops/internal/config"
	"github.com/stellarops/stellarops/internal/logging"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "/etc/stellarops/stellarops.toml", "Path to config TOML")
		bind       = pflag.String("bind", "", "HTTP bind address (overrides config)")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, app.Options{
		Log:        log,
		Cfg:        cfg,
		Bind:       *bind,
		ConfigPath: *configPath,
	})
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}

	if err := a.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("stellaropsd failed", zap.Error(err))
	}
}
