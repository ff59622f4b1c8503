package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"github.com/vladislavdragonenkov/ordersdata/internal/domain"
)

// DefaultQueue — очередь событий заказов по умолчанию.
const DefaultQueue = "ordersdata.order.events"

// Publisher — часть amqp.Channel, нужная для публикации.
type Publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// OutboxQueuePublisher публикует outbox-сообщения в очередь через default exchange.
type OutboxQueuePublisher struct {
	channel Publisher
	queue   string
	now     func() time.Time
}

// NewOutboxPublisher создаёт паблишер; channel обычно Client.Channel().
func NewOutboxPublisher(channel Publisher, queue string) *OutboxQueuePublisher {
	if queue == "" {
		queue = DefaultQueue
	}
	return &OutboxQueuePublisher{channel: channel, queue: queue, now: time.Now}
}

// Publish отправляет payload как persistent-сообщение; метаданные outbox уходят в свойства AMQP.
func (p *OutboxQueuePublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.channel == nil {
		return fmt.Errorf("rabbitmq outbox publisher is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         event.EventType,
		Timestamp:    p.now().UTC(),
		Headers: amqp.Table{
			"aggregate_type": event.AggregateType,
			"aggregate_id":   event.AggregateID,
		},
		Body: event.Payload,
	}
	if err := p.channel.Publish("", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to rabbitmq queue %s: %w", p.queue, err)
	}
	return nil
}

var _ domain.OutboxPublisher = (*OutboxQueuePublisher)(nil)
