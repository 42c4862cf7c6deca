package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultClientID = "erp-ledger"

// ProducerConfig - параметры подключения к брокерам.
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	// MaxRetries - повторы внутри sarama; после них событие возвращается в outbox.
	MaxRetries int
}

// Message - одна запись в topic. Value сериализуется в JSON.
type Message struct {
	Topic   string
	Key     string
	Value   any
	Headers map[string]string
	// Timestamp по умолчанию - момент отправки.
	Timestamp time.Time
}

// Producer синхронно пишет сообщения: Send возвращается после подтверждения всеми ISR.
type Producer struct {
	sync   sarama.SyncProducer
	logger *log.Entry
	now    func() time.Time
}

// newSaramaConfig собирает идемпотентного продюсера: повтор при потере ответа
// не создаёт дубль в партиции.
func newSaramaConfig(cfg ProducerConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	if sc.ClientID == "" {
		sc.ClientID = defaultClientID
	}
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Idempotent = true
	sc.Producer.Retry.Max = 5
	if cfg.MaxRetries > 0 {
		sc.Producer.Retry.Max = cfg.MaxRetries
	}
	sc.Net.MaxOpenRequests = 1

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("kafka producer config: %w", err)
	}
	return sc, nil
}

// NewProducer подключается к брокерам.
func NewProducer(cfg ProducerConfig, logger *log.Entry) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka producer: no brokers configured")
	}
	sc, err := newSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	sync, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("connect kafka brokers %v: %w", cfg.Brokers, err)
	}
	return NewProducerWithSync(sync, logger), nil
}

// NewProducerWithSync оборачивает готовый sarama.SyncProducer (в тестах - mocks).
func NewProducerWithSync(sync sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{sync: sync, logger: logger, now: time.Now}
}

// Send публикует сообщение. Отменённый ctx не доходит до брокера:
// сам SyncProducer контекст не принимает.
func (p *Producer) Send(ctx context.Context, m Message) error {
	if p == nil || p.sync == nil {
		return fmt.Errorf("kafka producer is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := p.encode(m)
	if err != nil {
		return err
	}

	partition, offset, err := p.sync.SendMessage(msg)
	fields := log.Fields{"topic": m.Topic, "key": m.Key}
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("kafka send failed")
		return fmt.Errorf("send to %s: %w", m.Topic, err)
	}

	fields["partition"] = partition
	fields["offset"] = offset
	p.logger.WithFields(fields).Debug("kafka message sent")
	return nil
}

func (p *Producer) encode(m Message) (*sarama.ProducerMessage, error) {
	if m.Topic == "" {
		return nil, fmt.Errorf("kafka message has no topic")
	}
	value, err := json.Marshal(m.Value)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Topic, err)
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}
	msg := &sarama.ProducerMessage{
		Topic:     m.Topic,
		Value:     sarama.ByteEncoder(value),
		Timestamp: ts.UTC(),
	}
	if m.Key != "" {
		msg.Key = sarama.StringEncoder(m.Key)
	}

	names := make([]string, 0, len(m.Headers))
	for name := range m.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(name), Value: []byte(m.Headers[name])})
	}
	return msg, nil
}

// Close дожидается отправки буферизованных сообщений.
func (p *Producer) Close() error {
	if p == nil || p.sync == nil {
		return nil
	}
	if err := p.sync.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
