package handlers

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

// LogNotifier пишет события в лог; используется, когда брокер не настроен.
type LogNotifier struct {
	logger *log.Entry
}

// NewLogNotifier создаёт нотификатор поверх logger.
func NewLogNotifier(logger *log.Entry) *LogNotifier {
	if logger == nil {
		logger = log.WithField("component", "notifier")
	}
	return &LogNotifier{logger: logger}
}

// Notify никогда не возвращает ошибку.
func (n *LogNotifier) Notify(_ context.Context, event domain.OutboxEvent) error {
	n.logger.WithFields(log.Fields{
		"event_id":        event.ID,
		"event_type":      event.Type,
		"idempotency_key": event.IdempotencyKey,
		"payload":         string(event.Payload),
	}).Info("event delivered")
	return nil
}

var _ domain.Notifier = (*LogNotifier)(nil)
