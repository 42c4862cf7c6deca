package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/erp-ledger/internal/health"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/outbox"
	"github.com/vladislavdragonenkov/erp-ledger/internal/storage/memory"
	"github.com/vladislavdragonenkov/erp-ledger/internal/storage/postgres"
)

// outboxStore - очередь outbox вместе с очисткой обработанных событий.
type outboxStore interface {
	domain.OutboxStore
	outbox.PurgeStore
}

// runtimeDependencies - хранилище, выбранное конфигурацией.
type runtimeDependencies struct {
	txm    domain.TxManager
	outbox outboxStore
	// storageChecker проверяет доступность базы; nil для memory.
	storageChecker healthcheck.Checker
	closeFn        func() error
}

func (d runtimeDependencies) close(logger *log.Entry) {
	if d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}

// initRuntimeDependencies открывает хранилище и, если нужно, применяет миграции.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		store := memory.NewStore(memory.WithMaxWait(cfg.LockWait), memory.WithTxTimeout(cfg.TxTimeout))
		logger.Info("using in-memory storage")
		return runtimeDependencies{txm: store, outbox: store}, nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return runtimeDependencies{}, fmt.Errorf("postgres dsn is required for postgres storage driver")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN,
			postgres.WithMaxWait(cfg.LockWait),
			postgres.WithTxTimeout(cfg.TxTimeout),
			postgres.WithMaxOpenConns(cfg.PostgresMaxOpenConns),
		)
		if err != nil {
			return runtimeDependencies{}, err
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return runtimeDependencies{}, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("postgres schema is up to date")
		}
		return runtimeDependencies{
			txm:            store,
			outbox:         store,
			storageChecker: healthcheck.NewPingChecker(store),
			closeFn:        store.Close,
		}, nil

	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}
