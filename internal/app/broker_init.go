package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersdata/internal/domain"
	"github.com/vladislavdragonenkov/ordersdata/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ordersdata/internal/messaging/rabbitmq"
)

// outboxPublishers — получатели сообщений outbox для выбранного брокера.
// publisher == nil означает, что relay не запускается и события копятся в outbox.
type outboxPublishers struct {
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	closeFn   func() error
}

func (p *outboxPublishers) close(logger *log.Entry) {
	if p == nil || p.closeFn == nil {
		return
	}
	if err := p.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close outbox broker")
		return
	}
	logger.Info("outbox broker closed")
}

// initOutboxPublishers подключается к брокеру из cfg.OutboxBroker.
func initOutboxPublishers(cfg Config, logger *log.Entry) (*outboxPublishers, error) {
	switch cfg.OutboxBroker {
	case BrokerNone, "":
		logger.Info("outbox broker is not configured, events stay in outbox")
		return &outboxPublishers{}, nil

	case BrokerKafka:
		producer, err := initKafkaProducer(cfg.Brokers(), logger)
		if err != nil {
			return nil, err
		}
		return &outboxPublishers{
			publisher: kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
			dlq:       kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic),
			closeFn:   producer.Close,
		}, nil

	case BrokerRabbitMQ:
		client, err := rabbitmq.Dial(cfg.RabbitMQURL, logger.WithField("broker", BrokerRabbitMQ))
		if err != nil {
			return nil, err
		}
		if _, err := client.DeclareQueue(cfg.RabbitMQQueue); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("declare rabbitmq queue %s: %w", cfg.RabbitMQQueue, err)
		}
		logger.WithField("queue", cfg.RabbitMQQueue).Info("rabbitmq outbox publisher initialized")
		return &outboxPublishers{
			publisher: rabbitmq.NewOutboxPublisher(client.Channel(), cfg.RabbitMQQueue),
			closeFn:   client.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported outbox broker %q", cfg.OutboxBroker)
	}
}

// initKafkaProducer создаёт sync producer для списка брокеров.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	producer, err := kafka.NewProducer(brokers, logger.WithField("broker", BrokerKafka))
	if err != nil {
		return nil, fmt.Errorf("init kafka producer: %w", err)
	}
	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}
