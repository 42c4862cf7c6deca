package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

// Notifier публикует outbox-события в Kafka, выбирая topic по типу события.
type Notifier struct {
	producer      *Producer
	fallbackTopic string
}

// NewNotifier создаёт Kafka-нотификатор для outbox worker.
func NewNotifier(producer *Producer, fallbackTopic string) *Notifier {
	if fallbackTopic == "" {
		fallbackTopic = TopicDocumentEvents
	}
	return &Notifier{producer: producer, fallbackTopic: fallbackTopic}
}

// Notify отправляет событие синхронно; ошибка брокера возвращает событие в очередь outbox.
func (n *Notifier) Notify(ctx context.Context, event domain.OutboxEvent) error {
	if n == nil || n.producer == nil {
		return fmt.Errorf("kafka notifier is not initialized")
	}
	return n.producer.Send(ctx, Message{
		Topic: TopicFor(event.Type, n.fallbackTopic),
		Key:   messageKey(event),
		Value: NewEventEnvelope(event),
		Headers: map[string]string{
			HeaderEventType:      string(event.Type),
			HeaderIdempotencyKey: event.IdempotencyKey,
		},
		Timestamp: event.CreatedAt,
	})
}

// DeadLetterNotifier публикует события, исчерпавшие попытки, в DLQ topic.
type DeadLetterNotifier struct {
	producer *Producer
	topic    string
}

// NewDeadLetterNotifier создаёт публикатор dead letter.
func NewDeadLetterNotifier(producer *Producer, topic string) *DeadLetterNotifier {
	if topic == "" {
		topic = TopicDeadLetterQueue
	}
	return &DeadLetterNotifier{producer: producer, topic: topic}
}

// Notify отправляет событие в DLQ вместе с причиной отказа в заголовках.
func (n *DeadLetterNotifier) Notify(ctx context.Context, event domain.OutboxEvent) error {
	if n == nil || n.producer == nil {
		return fmt.Errorf("kafka dead letter notifier is not initialized")
	}
	return n.producer.Send(ctx, Message{
		Topic: n.topic,
		Key:   messageKey(event),
		Value: NewEventEnvelope(event),
		Headers: map[string]string{
			HeaderEventType:    string(event.Type),
			HeaderRetryCount:   strconv.Itoa(event.RetryCount),
			HeaderErrorMessage: event.LastError,
			HeaderFailedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
}

var (
	_ domain.Notifier = (*Notifier)(nil)
	_ domain.Notifier = (*DeadLetterNotifier)(nil)
)
