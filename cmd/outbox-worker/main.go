package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/erp-ledger/internal/app"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/outbox"
	"github.com/vladislavdragonenkov/erp-ledger/internal/version"
)

type runner func(ctx context.Context, cfg app.Config) error

func run(ctx context.Context, start runner) error {
	if err := app.ConfigureLogger(app.LoggerOptionsFromEnv()); err != nil {
		return err
	}

	cfg, err := app.LoadConfigFromEnv()
	if err != nil {
		return err
	}

	log.WithFields(version.Current().Fields()).WithFields(log.Fields{
		"metrics_addr":  cfg.MetricsAddr,
		"poll_interval": cfg.OutboxPollInterval,
	}).Info("starting outbox worker")

	err = start(ctx, cfg)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, outbox.ErrShutdownTimeout):
		// Незавершённое событие вернётся в очередь по visibility timeout.
		log.WithError(err).Warn("outbox worker stopped before in-flight event completed")
	default:
		return err
	}

	log.Info("outbox worker stopped")
	return nil
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(fmt.Errorf("load .env: %w", err)).Fatal("failed to read .env")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, app.RunWorker); err != nil {
		log.WithError(err).Fatal("outbox worker exited with error")
	}
}
