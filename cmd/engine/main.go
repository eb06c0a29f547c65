// Command engine runs the trading engine in the foreground: config load,
// four-phase startup, runtime loop, and graceful shutdown on SIGINT or
// SIGTERM. Daemonization (PID files, double fork) is the supervisor's job,
// not this binary's.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata" // session detection needs America/New_York on minimal hosts

	"github.com/eddiefleurent/tradecore/internal/config"
	"github.com/eddiefleurent/tradecore/internal/notify"
	"github.com/eddiefleurent/tradecore/internal/orchestrator"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Environment.LogLevel)
	entry := logrus.NewEntry(logger)

	var notifier notify.Notifier = &notify.LogNotifier{Logger: entry}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Notify.WebhookURL, entry)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	entry.WithFields(logrus.Fields{
		"paper":   cfg.Environment.Paper,
		"dry_run": cfg.Environment.DryRun,
	}).Info("engine starting")

	engine := orchestrator.New(cfg, notifier, entry)
	if err := engine.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	entry.Info("engine stopped")
	return nil
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}
