package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/erp-ledger/internal/messaging/kafka"
)

// dialKafka подключает продюсера процесса role ("api" или "worker").
// Без брокеров Kafka отключена: (nil, nil), события остаются в outbox до появления брокера.
func dialKafka(cfg Config, role string, logger *log.Entry) (*kafka.Producer, error) {
	brokers := splitBrokers(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		logger.Info("kafka brokers not configured, publishing disabled")
		return nil, nil
	}

	logger = logger.WithFields(log.Fields{"brokers": brokers, "role": role})
	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:  brokers,
		ClientID: kafkaClientID(cfg.KafkaClientID, role),
	}, logger.WithField("component", "kafka-producer"))
	if err != nil {
		logger.WithError(err).Warn("kafka unavailable, continuing without publishing")
		return nil, err
	}

	logger.Info("kafka producer connected")
	return producer, nil
}

func kafkaClientID(base, role string) string {
	if base == "" {
		base = DefaultConfig().KafkaClientID
	}
	if role == "" {
		return base
	}
	return base + "-" + role
}

func splitBrokers(brokers string) []string {
	var list []string
	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			list = append(list, broker)
		}
	}
	return list
}

func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("kafka producer close failed")
		return
	}
	logger.Info("kafka producer closed")
}
