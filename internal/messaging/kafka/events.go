package kafka

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

// Topics для Kafka
const (
	TopicInventoryEvents = "erp.inventory.events"
	TopicDocumentEvents  = "erp.document.events"
	TopicUserEvents      = "erp.user.events"
	TopicAuditEvents     = "erp.audit.events"
	TopicDeadLetterQueue = "erp.outbox.dlq" // события, исчерпавшие попытки обработки
)

// Kafka headers
const (
	HeaderEventType      = "x-event-type"
	HeaderIdempotencyKey = "x-idempotency-key"
	HeaderRetryCount     = "x-retry-count"
	HeaderErrorMessage   = "x-error-message"
	HeaderFailedAt       = "x-failed-at"
)

var topicByEvent = map[domain.EventType]string{
	domain.EventOrderApproved: TopicDocumentEvents,
	domain.EventSaleApproved:  TopicDocumentEvents,
	domain.EventSaleCancelled: TopicDocumentEvents,
	domain.EventLowStock:      TopicInventoryEvents,
	domain.EventUserCreated:   TopicUserEvents,
}

// TopicFor возвращает topic для типа события; неизвестные типы уходят в fallback.
func TopicFor(eventType domain.EventType, fallback string) string {
	if topic, ok := topicByEvent[eventType]; ok {
		return topic
	}
	return fallback
}

// EventEnvelope - формат сообщения, уходящего во внешние системы.
type EventEnvelope struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurred_at"`
	PublishedAt    time.Time       `json:"published_at"`
}

// NewEventEnvelope упаковывает outbox-событие.
func NewEventEnvelope(event domain.OutboxEvent) *EventEnvelope {
	payload := event.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return &EventEnvelope{
		ID:             event.ID,
		Type:           string(event.Type),
		IdempotencyKey: event.IdempotencyKey,
		Payload:        payload,
		OccurredAt:     event.CreatedAt,
		PublishedAt:    time.Now().UTC(),
	}
}

// messageKey выбирает ключ партиционирования: ключ идемпотентности, иначе ID события.
func messageKey(event domain.OutboxEvent) string {
	if event.IdempotencyKey != "" {
		return event.IdempotencyKey
	}
	return event.ID
}
