package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

const envPrefix = "LEDGER_"

// Config описывает настройки запуска сервиса и outbox worker.
type Config struct {
	GRPCAddr    string
	MetricsAddr string

	StorageDriver        string
	PostgresDSN          string
	PostgresAutoMigrate  bool
	PostgresMaxOpenConns int

	// TxTimeout ограничивает бизнес-транзакцию, LockWait ожидание соединения и блокировок строк.
	TxTimeout time.Duration
	LockWait  time.Duration

	OutboxPollInterval      time.Duration
	OutboxVisibilityTimeout time.Duration
	OutboxShutdownGrace     time.Duration
	OutboxHandlerTimeout    time.Duration
	// OutboxMaxLag и OutboxMaxFailed переводят health check в degraded.
	OutboxMaxLag    time.Duration
	OutboxMaxFailed int
	// OutboxRetention - сколько хранить DONE-события перед удалением.
	OutboxRetention       time.Duration
	OutboxCleanupInterval time.Duration
	// EmbeddedWorker запускает outbox worker внутри API-процесса.
	// С memory-хранилищем worker всегда встроенный.
	EmbeddedWorker bool

	KafkaBrokers string
	// KafkaClientID дополняется ролью процесса: erp-ledger-api, erp-ledger-worker.
	KafkaClientID   string
	KafkaDLQTopic   string
	KafkaAuditTopic string
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:                ":50051",
		MetricsAddr:             ":9090",
		StorageDriver:           StorageDriverMemory,
		PostgresAutoMigrate:     true,
		PostgresMaxOpenConns:    25,
		TxTimeout:               10 * time.Second,
		LockWait:                5 * time.Second,
		OutboxPollInterval:      5 * time.Second,
		OutboxVisibilityTimeout: 5 * time.Minute,
		OutboxShutdownGrace:     10 * time.Second,
		OutboxHandlerTimeout:    30 * time.Second,
		OutboxMaxLag:            5 * time.Minute,
		OutboxMaxFailed:         100,
		OutboxRetention:         7 * 24 * time.Hour,
		OutboxCleanupInterval:   10 * time.Minute,
		KafkaClientID:           "erp-ledger",
	}
}

// LoadConfigFromEnv читает LEDGER_* переменные поверх DefaultConfig.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	var errs []string

	readString := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	readBool := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	readInt := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	readDuration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	readString("GRPC_ADDR", &cfg.GRPCAddr)
	readString("METRICS_ADDR", &cfg.MetricsAddr)
	readString("STORAGE_DRIVER", &cfg.StorageDriver)
	readString("POSTGRES_DSN", &cfg.PostgresDSN)
	readBool("POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	readInt("POSTGRES_MAX_OPEN_CONNS", &cfg.PostgresMaxOpenConns)
	readDuration("TX_TIMEOUT", &cfg.TxTimeout)
	readDuration("LOCK_WAIT", &cfg.LockWait)
	readDuration("OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval)
	readDuration("OUTBOX_VISIBILITY_TIMEOUT", &cfg.OutboxVisibilityTimeout)
	readDuration("OUTBOX_SHUTDOWN_GRACE", &cfg.OutboxShutdownGrace)
	readDuration("OUTBOX_HANDLER_TIMEOUT", &cfg.OutboxHandlerTimeout)
	readDuration("OUTBOX_MAX_LAG", &cfg.OutboxMaxLag)
	readInt("OUTBOX_MAX_FAILED", &cfg.OutboxMaxFailed)
	readDuration("OUTBOX_RETENTION", &cfg.OutboxRetention)
	readDuration("OUTBOX_CLEANUP_INTERVAL", &cfg.OutboxCleanupInterval)
	readBool("EMBEDDED_WORKER", &cfg.EmbeddedWorker)
	readString("KAFKA_BROKERS", &cfg.KafkaBrokers)
	readString("KAFKA_CLIENT_ID", &cfg.KafkaClientID)
	readString("KAFKA_DLQ_TOPIC", &cfg.KafkaDLQTopic)
	readString("KAFKA_AUDIT_TOPIC", &cfg.KafkaAuditTopic)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	return cfg, cfg.Validate()
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("%sPOSTGRES_DSN is required for postgres storage", envPrefix)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	if c.TxTimeout <= 0 || c.LockWait <= 0 {
		return fmt.Errorf("transaction timeouts must be positive")
	}
	if c.LockWait > c.TxTimeout {
		return fmt.Errorf("lock wait %s exceeds transaction timeout %s", c.LockWait, c.TxTimeout)
	}
	if c.OutboxPollInterval <= 0 {
		return fmt.Errorf("outbox poll interval must be positive")
	}
	if c.OutboxRetention <= 0 || c.OutboxCleanupInterval <= 0 {
		return fmt.Errorf("outbox retention and cleanup interval must be positive")
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}
