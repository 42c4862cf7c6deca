package kafka

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/erp-ledger/internal/audit"
)

// AuditLogger публикует записи аудита в Kafka, ключом служит организация.
type AuditLogger struct {
	producer *Producer
	topic    string
}

// NewAuditLogger создаёт Kafka-получателя аудита.
func NewAuditLogger(producer *Producer, topic string) *AuditLogger {
	if topic == "" {
		topic = TopicAuditEvents
	}
	return &AuditLogger{producer: producer, topic: topic}
}

// Record отправляет запись синхронно.
func (l *AuditLogger) Record(ctx context.Context, entry audit.Entry) error {
	if l == nil || l.producer == nil {
		return fmt.Errorf("kafka audit logger is not initialized")
	}
	return l.producer.Send(ctx, Message{
		Topic:     l.topic,
		Key:       entry.OrganizationID,
		Value:     entry,
		Headers:   map[string]string{HeaderEventType: "AUDIT_" + entry.Action},
		Timestamp: entry.OccurredAt,
	})
}

var _ audit.Logger = (*AuditLogger)(nil)
