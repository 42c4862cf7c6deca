package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

const (
	defaultPollInterval      = 5 * time.Second
	defaultVisibilityTimeout = 5 * time.Minute
	defaultShutdownGrace     = 10 * time.Second
	defaultHandlerTimeout    = 30 * time.Second
	defaultRetryBaseDelay    = 500 * time.Millisecond
	maxStoreBackoff          = time.Minute
	markTimeout              = 5 * time.Second
)

// ErrShutdownTimeout возвращается Run, если обработка не завершилась за grace period.
var ErrShutdownTimeout = errors.New("outbox worker did not stop within grace period")

var (
	outboxProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erp_outbox_events_processed_total",
		Help: "Total number of outbox events processed grouped by event type and result.",
	}, []string{"type", "result"})
	outboxPendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "erp_outbox_pending_events",
		Help: "Current number of pending events in transactional outbox.",
	})
	outboxFailedRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "erp_outbox_failed_events",
		Help: "Current number of dead-lettered outbox events.",
	})
	outboxOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "erp_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending outbox event.",
	})
	outboxRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erp_outbox_stale_requeued_total",
		Help: "Total number of PROCESSING events returned to the queue after the visibility timeout.",
	})
)

// WorkerOptions задаёт параметры outbox worker.
type WorkerOptions struct {
	Logger             *log.Entry
	DeadLetterNotifier domain.Notifier
	PollInterval       time.Duration
	VisibilityTimeout  time.Duration
	ShutdownGrace      time.Duration
	HandlerTimeout     time.Duration
	RetryBaseDelay     time.Duration
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) {
		opts.Logger = logger
	}
}

// WithDeadLetterNotifier задаёт получателя событий, исчерпавших попытки.
func WithDeadLetterNotifier(notifier domain.Notifier) Option {
	return func(opts *WorkerOptions) {
		opts.DeadLetterNotifier = notifier
	}
}

// WithPollInterval задаёт паузу между опросами пустой очереди.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.PollInterval = interval
	}
}

// WithVisibilityTimeout задаёт время, после которого PROCESSING-событие считается брошенным.
func WithVisibilityTimeout(timeout time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.VisibilityTimeout = timeout
	}
}

// WithShutdownGrace задаёт, сколько ждать текущее событие после сигнала остановки.
func WithShutdownGrace(grace time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.ShutdownGrace = grace
	}
}

// WithHandlerTimeout ограничивает время одного обработчика.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.HandlerTimeout = timeout
	}
}

// WithRetryBaseDelay задаёт базовый delay exponential backoff при ошибках хранилища.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.RetryBaseDelay = delay
	}
}

// Worker забирает PENDING-события по одному и передаёт их обработчикам реестра.
type Worker struct {
	store             domain.OutboxStore
	registry          *Registry
	deadLetter        domain.Notifier
	logger            *log.Entry
	pollInterval      time.Duration
	visibilityTimeout time.Duration
	shutdownGrace     time.Duration
	handlerTimeout    time.Duration
	retryBaseDelay    time.Duration
	lastRequeue       time.Time
}

// NewWorker создаёт outbox worker.
func NewWorker(store domain.OutboxStore, registry *Registry, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:      defaultPollInterval,
		VisibilityTimeout: defaultVisibilityTimeout,
		ShutdownGrace:     defaultShutdownGrace,
		HandlerTimeout:    defaultHandlerTimeout,
		RetryBaseDelay:    defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "outbox-worker")
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = defaultVisibilityTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = defaultHandlerTimeout
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}
	if registry == nil {
		registry = NewRegistry()
	}

	return &Worker{
		store:             store,
		registry:          registry,
		deadLetter:        opts.DeadLetterNotifier,
		logger:            logger,
		pollInterval:      opts.PollInterval,
		visibilityTimeout: opts.VisibilityTimeout,
		shutdownGrace:     opts.ShutdownGrace,
		handlerTimeout:    opts.HandlerTimeout,
		retryBaseDelay:    opts.RetryBaseDelay,
	}
}

// Run обрабатывает очередь до отмены ctx. После отмены новые события не забираются,
// текущее дорабатывается; если это занимает дольше grace period, Run возвращает
// ErrShutdownTimeout, не дожидаясь обработчика.
func (w *Worker) Run(ctx context.Context) error {
	if w.store == nil {
		w.logger.Warn("outbox worker is disabled: store is nil")
		<-ctx.Done()
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.loop(ctx)
	}()

	w.logger.WithField("handlers", len(w.registry.Types())).Info("outbox worker started")

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	timer := time.NewTimer(w.shutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
		w.logger.Info("outbox worker stopped")
		return nil
	case <-timer.C:
		w.logger.WithField("grace", w.shutdownGrace).Warn("outbox worker grace period expired, exiting")
		return ErrShutdownTimeout
	}
}

func (w *Worker) loop(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		// Проверка зависших событий идёт по своему расписанию и при непустой очереди.
		w.requeueStaleIfDue(ctx)

		processed, err := w.ProcessNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			w.logger.WithError(err).Warn("failed to claim outbox event")
			if !sleep(ctx, w.retryBackoff(failures)) {
				return
			}
			continue
		}
		failures = 0
		if processed {
			continue
		}

		w.refreshBacklogMetrics(ctx)
		if !sleep(ctx, w.pollInterval) {
			return
		}
	}
}

// ProcessNext забирает одно событие и обрабатывает его.
// Возвращает false, если очередь пуста.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	event, ok, err := w.store.ClaimNext(ctx)
	if err != nil || !ok {
		return false, err
	}

	// Обработка и фиксация результата не прерываются сигналом остановки.
	workCtx := context.WithoutCancel(ctx)
	logger := w.logger.WithFields(log.Fields{
		"event_id":    event.ID,
		"event_type":  event.Type,
		"retry_count": event.RetryCount,
	})

	handlerCtx, cancel := context.WithTimeout(workCtx, w.handlerTimeout)
	handleErr := w.registry.Dispatch(handlerCtx, event)
	cancel()

	markCtx, cancelMark := context.WithTimeout(workCtx, markTimeout)
	defer cancelMark()

	if handleErr == nil {
		if err := w.store.MarkDone(markCtx, event.ID); err != nil {
			logger.WithError(err).Error("failed to mark outbox event done")
			return true, nil
		}
		outboxProcessed.WithLabelValues(string(event.Type), "done").Inc()
		logger.Debug("outbox event processed")
		return true, nil
	}

	status, err := w.store.MarkFailure(markCtx, event.ID, handleErr.Error())
	if err != nil {
		logger.WithError(err).Error("failed to record outbox event failure")
		return true, nil
	}

	if status == domain.OutboxFailed {
		outboxProcessed.WithLabelValues(string(event.Type), "failed").Inc()
		logger.WithError(handleErr).Error("outbox event moved to dead letter")
		w.notifyDeadLetter(markCtx, event, handleErr)
		return true, nil
	}

	outboxProcessed.WithLabelValues(string(event.Type), "retry").Inc()
	logger.WithError(handleErr).Warn("outbox event handler failed, will retry")
	return true, nil
}

// RequeueStale возвращает в очередь события, брошенные упавшим воркером.
func (w *Worker) RequeueStale(ctx context.Context) (int, error) {
	n, err := w.store.RequeueStale(ctx, time.Now().UTC().Add(-w.visibilityTimeout))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		outboxRequeued.Add(float64(n))
		w.logger.WithField("count", n).Warn("requeued stale outbox events")
	}
	return n, nil
}

func (w *Worker) requeueStaleIfDue(ctx context.Context) {
	now := time.Now()
	if now.Sub(w.lastRequeue) < w.visibilityTimeout/2 {
		return
	}
	w.lastRequeue = now
	if _, err := w.RequeueStale(ctx); err != nil && ctx.Err() == nil {
		w.logger.WithError(err).Warn("failed to requeue stale outbox events")
	}
}

func (w *Worker) notifyDeadLetter(ctx context.Context, event domain.OutboxEvent, cause error) {
	if w.deadLetter == nil {
		return
	}
	event.Status = domain.OutboxFailed
	event.LastError = cause.Error()
	if err := w.deadLetter.Notify(ctx, event); err != nil {
		w.logger.WithError(err).WithField("event_id", event.ID).Warn("failed to publish dead letter")
	}
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context) {
	stats, err := w.store.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		}
		return
	}

	outboxPendingRecords.Set(float64(stats.PendingCount))
	outboxFailedRecords.Set(float64(stats.FailedCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		outboxOldestPendingAge.Set(0)
		return
	}

	age := time.Since(stats.OldestPendingAt).Seconds()
	if age < 0 {
		age = 0
	}
	outboxOldestPendingAge.Set(age)
}

func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		if delay >= maxStoreBackoff/2 {
			return maxStoreBackoff
		}
		delay *= 2
	}
	return delay
}

// sleep ждёт d или отмены ctx; false означает отмену.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
