package app

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/erp-ledger/internal/audit"
	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
	"github.com/vladislavdragonenkov/erp-ledger/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/erp-ledger/internal/metrics"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/catalog"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/documents"
	grpcsvc "github.com/vladislavdragonenkov/erp-ledger/internal/service/grpc"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/handlers"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/invoices"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/ledger"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/outbox"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/retry"
)

// Kafka-уведомления размыкаются после серии ошибок, чтобы worker не ждал
// таймаут брокера на каждом событии.
const (
	notifierMaxFailures  = 5
	notifierResetTimeout = 30 * time.Second
)

// NewServices собирает прикладные сервисы поверх одного менеджера транзакций.
func NewServices(txm domain.TxManager, m *metrics.LedgerMetrics, logger *log.Entry) grpcsvc.Services {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	stock := ledger.NewService(txm, logger.WithField("component", "ledger"), ledger.WithMetrics(m))
	return grpcsvc.Services{
		Catalog:   catalog.NewService(txm, logger.WithField("component", "catalog")),
		Stock:     stock,
		Documents: documents.NewService(txm, stock, logger.WithField("component", "documents"), documents.WithMetrics(m)),
		Invoices:  invoices.NewService(txm, m, logger.WithField("component", "invoices")),
	}
}

// newAuditLogger пишет аудит в лог и, если доступна Kafka, в audit topic.
func newAuditLogger(producer *kafka.Producer, topic string, logger *log.Entry) audit.Logger {
	logSink := audit.NewLogrusLogger(logger.WithField("component", "audit"))
	if producer == nil {
		return logSink
	}
	return audit.Multi{logSink, kafka.NewAuditLogger(producer, topic)}
}

// newOutboxCleaner настраивает удаление DONE-событий старше cfg.OutboxRetention.
func newOutboxCleaner(cfg Config, store outbox.PurgeStore, logger *log.Entry) *outbox.Cleaner {
	return outbox.NewCleaner(store,
		outbox.WithCleanerLogger(logger.WithField("component", "outbox-retention")),
		outbox.WithRetention(cfg.OutboxRetention),
		outbox.WithCleanupInterval(cfg.OutboxCleanupInterval),
	)
}

// newOutboxWorker связывает обработчики событий с worker.
// Без Kafka события уходят в лог, а dead letter только фиксируется в базе.
func newOutboxWorker(cfg Config, store domain.OutboxStore, invoiceCreator handlers.InvoiceCreator, producer *kafka.Producer, logger *log.Entry) *outbox.Worker {
	var notifier, deadLetter domain.Notifier
	if producer != nil {
		breaker := retry.NewCircuitBreaker(notifierMaxFailures, notifierResetTimeout, logger.WithField("component", "kafka-breaker"))
		notifier = retry.NewBreakerNotifier(kafka.NewNotifier(producer, ""), breaker)
		deadLetter = kafka.NewDeadLetterNotifier(producer, cfg.KafkaDLQTopic)
	}

	registry := outbox.NewRegistry()
	handlers.Register(registry, handlers.Dependencies{
		Invoices: invoiceCreator,
		Notifier: notifier,
		Logger:   logger.WithField("component", "outbox-handlers"),
	})

	opts := []outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithVisibilityTimeout(cfg.OutboxVisibilityTimeout),
		outbox.WithShutdownGrace(cfg.OutboxShutdownGrace),
		outbox.WithHandlerTimeout(cfg.OutboxHandlerTimeout),
	}
	if deadLetter != nil {
		opts = append(opts, outbox.WithDeadLetterNotifier(deadLetter))
	}
	return outbox.NewWorker(store, registry, opts...)
}
