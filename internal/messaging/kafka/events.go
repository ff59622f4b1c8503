package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/ordersdata/internal/domain"
)

const (
	TopicOrderEvents     = "ordersdata.order.events"
	TopicDeadLetterQueue = "ordersdata.dlq"
)

// Kafka headers, по которым потребители маршрутизируют события без разбора тела.
const (
	HeaderEventType = "x-event-type"
	HeaderOutboxID  = "x-outbox-id"
)

// Envelope — тело сообщения Kafka: метаданные outbox и исходный payload.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope оборачивает сообщение outbox.
func NewEnvelope(msg domain.OutboxMessage, publishedAt time.Time) Envelope {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   publishedAt.UTC(),
	}
}

// Message возвращает событие в виде outbox-сообщения.
func (e Envelope) Message() domain.OutboxMessage {
	var payload []byte
	if len(e.Payload) > 0 && string(e.Payload) != "null" {
		payload = e.Payload
	}
	return domain.OutboxMessage{
		ID:            e.ID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       payload,
	}
}

// NewMessage собирает сообщение Kafka для outbox-события.
// Ключ — AggregateID (или ID, если агрегата нет), поэтому события одного заказа попадают в одну партицию.
func NewMessage(topic string, event domain.OutboxMessage, now time.Time) (*sarama.ProducerMessage, error) {
	value, err := json.Marshal(NewEnvelope(event, now))
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", event.ID, err)
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}
	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventType), Value: []byte(event.EventType)},
			{Key: []byte(HeaderOutboxID), Value: []byte(event.ID)},
		},
		Timestamp: now.UTC(),
	}, nil
}
