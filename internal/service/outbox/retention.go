package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	defaultRetention        = 7 * 24 * time.Hour
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

var (
	retentionRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erp_outbox_retention_runs_total",
		Help: "Total number of outbox retention runs grouped by result.",
	}, []string{"result"})
	retentionDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erp_outbox_retention_deleted_total",
		Help: "Total number of purged DONE outbox events.",
	})
	retentionLastDeleted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "erp_outbox_retention_last_deleted",
		Help: "Number of DONE outbox events purged during the last run.",
	})
)

// PurgeStore удаляет обработанные события.
type PurgeStore interface {
	PurgeDone(ctx context.Context, before time.Time, limit int) (int, error)
}

// CleanerOptions задаёт параметры очистки DONE-событий.
type CleanerOptions struct {
	Logger    *log.Entry
	Retention time.Duration
	Interval  time.Duration
	BatchSize int
}

// CleanerOption настраивает Cleaner.
type CleanerOption func(*CleanerOptions)

// WithCleanerLogger задаёт logger для очистки.
func WithCleanerLogger(logger *log.Entry) CleanerOption {
	return func(opts *CleanerOptions) {
		opts.Logger = logger
	}
}

// WithRetention задаёт, сколько хранить DONE-события после обработки.
// Ключ идемпотентности удалённого события снова свободен, поэтому срок
// должен перекрывать окно, в котором возможна повторная публикация.
func WithRetention(retention time.Duration) CleanerOption {
	return func(opts *CleanerOptions) {
		opts.Retention = retention
	}
}

// WithCleanupInterval задаёт интервал между циклами очистки.
func WithCleanupInterval(interval time.Duration) CleanerOption {
	return func(opts *CleanerOptions) {
		opts.Interval = interval
	}
}

// WithCleanupBatchSize задаёт размер одного удаления.
func WithCleanupBatchSize(batchSize int) CleanerOption {
	return func(opts *CleanerOptions) {
		opts.BatchSize = batchSize
	}
}

// Cleaner периодически удаляет DONE-события старше retention.
// PENDING, PROCESSING и FAILED не трогаются.
type Cleaner struct {
	store     PurgeStore
	logger    *log.Entry
	retention time.Duration
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewCleaner создаёт очистку outbox.
func NewCleaner(store PurgeStore, options ...CleanerOption) *Cleaner {
	opts := CleanerOptions{
		Retention: defaultRetention,
		Interval:  defaultCleanupInterval,
		BatchSize: defaultCleanupBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "outbox-retention")
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}

	return &Cleaner{
		store:     store,
		logger:    logger,
		retention: opts.Retention,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		now:       time.Now,
	}
}

// Run запускает периодическую очистку до отмены ctx.
func (c *Cleaner) Run(ctx context.Context) {
	if c.store == nil {
		c.logger.Warn("outbox retention is disabled: store is nil")
		return
	}

	c.cleanup(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

func (c *Cleaner) cleanup(ctx context.Context) {
	deleted, err := c.PurgeExpired(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		retentionRunsTotal.WithLabelValues("error").Inc()
		c.logger.WithError(err).Warn("outbox retention run failed")
		return
	}

	retentionRunsTotal.WithLabelValues("ok").Inc()
	retentionLastDeleted.Set(float64(deleted))
	if deleted > 0 {
		c.logger.WithField("deleted", deleted).Info("outbox retention completed")
	}
}

// PurgeExpired удаляет DONE-события старше retention порциями batchSize.
func (c *Cleaner) PurgeExpired(ctx context.Context) (int, error) {
	before := c.now().UTC().Add(-c.retention)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := c.store.PurgeDone(ctx, before, c.batchSize)
		if err != nil {
			return total, err
		}

		total += deleted
		if deleted > 0 {
			retentionDeletedTotal.Add(float64(deleted))
		}
		if deleted < c.batchSize {
			return total, nil
		}
	}
}
