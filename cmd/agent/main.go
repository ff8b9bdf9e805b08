// Command agent is the node-resident migration agent's entrypoint: it
// loads configuration, runs the supervisor's startup sequence, and blocks
// until an interrupt or terminate signal triggers a graceful shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/leaseshift/agent/internal/supervisor"
	"github.com/leaseshift/agent/pkg/config"
	"github.com/leaseshift/agent/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", err, nil)
	}

	appLogger := logger.NewLogger(parseLogLevel(cfg.LogLevel), os.Stdout, cfg.LogJSON)
	logger.SetDefault(appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(cfg)

	if err := sup.Start(ctx); err != nil {
		logger.Fatal("agent startup failed", err, nil)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- sup.Run(ctx)
	}()

	runDone := false
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	case err := <-runErr:
		runDone = true
		if err != nil {
			logger.Error("scheduler stopped unexpectedly", err, nil)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	sup.Shutdown(shutdownCtx)

	if !runDone {
		select {
		case <-runErr:
		case <-time.After(cfg.ShutdownTimeout):
			logger.Warn("periodic tasks did not stop within the shutdown timeout", nil)
		}
	}

	logger.Info("agent stopped cleanly", nil)
	os.Exit(0)
}

func parseLogLevel(level string) logger.LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return logger.DEBUG
	case "WARN":
		return logger.WARN
	case "ERROR":
		return logger.ERROR
	default:
		return logger.INFO
	}
}
