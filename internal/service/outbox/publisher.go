package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

// PublishOption настраивает запись события.
type PublishOption func(*domain.OutboxEvent)

// WithIdempotencyKey задаёт ключ дедупликации: повторная запись с тем же ключом молча пропускается.
func WithIdempotencyKey(key string) PublishOption {
	return func(e *domain.OutboxEvent) {
		e.IdempotencyKey = key
	}
}

// WithMaxRetries переопределяет лимит попыток обработки.
func WithMaxRetries(n int) PublishOption {
	return func(e *domain.OutboxEvent) {
		if n > 0 {
			e.MaxRetries = n
		}
	}
}

// WithCreatedAt задаёт момент создания события.
func WithCreatedAt(at time.Time) PublishOption {
	return func(e *domain.OutboxEvent) {
		e.CreatedAt = at.UTC()
		e.UpdatedAt = at.UTC()
	}
}

// Publish записывает PENDING-событие в транзакции вызывающего.
// Событие становится видимым воркеру только после commit этой транзакции.
// Возвращает false, если событие отброшено как дубликат по ключу идемпотентности.
func Publish(ctx context.Context, tx domain.OutboxTx, eventType domain.EventType, payload any, opts ...PublishOption) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	now := time.Now().UTC()
	event := domain.OutboxEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		Payload:    body,
		Status:     domain.OutboxPending,
		MaxRetries: domain.DefaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, opt := range opts {
		opt(&event)
	}

	inserted, err := tx.InsertOutboxEvent(ctx, event)
	if err != nil {
		return false, fmt.Errorf("publish %s: %w", eventType, err)
	}
	return inserted, nil
}
