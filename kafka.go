package outbus

import (
	"context"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/outbus/outbus/storage"
)

// TopicMapper derives the Kafka topic from an event's routing key. The
// default keeps the dotted key as-is; fan-out shaping (e.g. collapsing
// lead.* onto one topic) plugs in here.
type TopicMapper func(routingKey string) string

// KafkaPublisher is an alternative publish-only transport for services whose
// downstream runs on Kafka instead of the topic exchange. It implements the
// same Publisher interface, so the outbox machinery is unchanged.
type KafkaPublisher struct {
	logger        *zap.Logger
	producer      *kafka.Producer
	producerProps kafka.ConfigMap
	topicMapper   TopicMapper
}

type KafkaPublisherOption func(*KafkaPublisher)

func WithKafkaProducerProps(props kafka.ConfigMap) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		for k, v := range props {
			p.producerProps[k] = v
		}
	}
}

func WithKafkaTopicMapper(mapper TopicMapper) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		if mapper != nil {
			p.topicMapper = mapper
		}
	}
}

func NewKafkaPublisher(logger *zap.Logger, opts ...KafkaPublisherOption) (*KafkaPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaPublisher{
		logger: logger,
		producerProps: kafka.ConfigMap{
			"acks":               "all",
			"retries":            3,
			"linger.ms":          10,
			"enable.idempotence": true,
			"compression.type":   "snappy",
		},
		topicMapper: func(routingKey string) string { return routingKey },
	}

	for _, opt := range opts {
		opt(p)
	}

	producer, err := kafka.NewProducer(&p.producerProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	p.producer = producer

	go p.handleDeliveryReports()

	return p, nil
}

// Publish sends the event's envelope to the topic derived from its routing
// key. The message key is the event ID so duplicates land on one partition.
func (p *KafkaPublisher) Publish(_ context.Context, event storage.EventRecord) error {
	topic := p.topicMapper(event.RoutingKey)

	p.logger.Debug("Publishing event to Kafka",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("topic", topic),
	)

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.EventID),
		Value:          event.Payload,
		Headers:        buildKafkaHeaders(event),
		Timestamp:      time.Now(),
	}

	return p.producer.Produce(message, nil)
}

// Close flushes outstanding messages and shuts the producer down.
func (p *KafkaPublisher) Close() error {
	p.logger.Info("Closing kafka producer")
	p.producer.Flush(15 * 1000)
	p.producer.Close()
	return nil
}

func (p *KafkaPublisher) handleDeliveryReports() {
	for e := range p.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				p.logger.Error("Delivery failed",
					zap.String("topic", *ev.TopicPartition.Topic),
					zap.Error(ev.TopicPartition.Error),
				)
			}
		case kafka.Error:
			p.logger.Error("Kafka error", zap.Error(ev))
		}
	}
}

func buildKafkaHeaders(event storage.EventRecord) []kafka.Header {
	return []kafka.Header{
		{Key: "event_id", Value: []byte(event.EventID)},
		{Key: "event_type", Value: []byte(event.EventType)},
		{Key: "routing_key", Value: []byte(event.RoutingKey)},
	}
}
