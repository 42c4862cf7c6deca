package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/erp-ledger/internal/metrics"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/invoices"
)

// RunWorker запускает отдельный процесс outbox worker с HTTP-метриками.
// Работает только поверх общей базы: in-memory очередь другого процесса недоступна.
func RunWorker(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "worker-app")
	if cfg.StorageDriver != StorageDriverPostgres {
		return fmt.Errorf("outbox worker requires %s storage, got %q", StorageDriverPostgres, cfg.StorageDriver)
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	kafkaProducer, _ := dialKafka(cfg, "worker", logger)
	defer closeKafka(kafkaProducer, logger)

	invoiceService := invoices.NewService(deps.txm, metrics.NewLedgerMetrics(), logger.WithField("component", "invoices"))
	worker := newOutboxWorker(cfg, deps.outbox, invoiceService, kafkaProducer, logger)

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, newHealthHandler(cfg, deps))
	defer shutdownHTTP(metricsSrv, logger)

	cleanerDone := make(chan struct{})
	go func() {
		defer close(cleanerDone)
		newOutboxCleaner(cfg, deps.outbox, logger).Run(ctx)
	}()

	err = worker.Run(ctx)
	<-cleanerDone
	if err != nil {
		return err
	}
	return ctx.Err()
}
