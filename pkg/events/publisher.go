package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// BaseEvent 事件信封，Payload 为业务载荷的 JSON 编码
type BaseEvent struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  string          `json:"event_version"`
	AggregateID   string          `json:"aggregate_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Publisher 事件发布器接口
type Publisher interface {
	// Publish 发布事件
	Publish(ctx context.Context, event *BaseEvent) error

	// PublishBatch 批量发布事件
	PublishBatch(ctx context.Context, events []*BaseEvent) error

	// Close 关闭发布器
	Close() error
}

// KafkaPublisher Kafka 事件发布器
type KafkaPublisher struct {
	producer sarama.SyncProducer
	config   *PublisherConfig
}

// PublisherConfig 发布器配置
type PublisherConfig struct {
	Brokers       []string
	Topic         string
	RetryMax      int
	RequiredAcks  sarama.RequiredAcks
	Compression   sarama.CompressionCodec
	FlushMessages int
	FlushMaxMs    int
}

// DefaultPublisherConfig 默认配置
func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		Brokers:       []string{"localhost:9092"},
		Topic:         "context.events",
		RetryMax:      3,
		RequiredAcks:  sarama.WaitForLocal,
		Compression:   sarama.CompressionSnappy,
		FlushMessages: 100,
		FlushMaxMs:    100,
	}
}

// NewKafkaPublisher 创建 Kafka 发布器
func NewKafkaPublisher(config *PublisherConfig) (*KafkaPublisher, error) {
	if config == nil {
		config = DefaultPublisherConfig()
	}

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Return.Errors = true
	kafkaConfig.Producer.RequiredAcks = config.RequiredAcks
	kafkaConfig.Producer.Compression = config.Compression
	kafkaConfig.Producer.Retry.Max = config.RetryMax
	kafkaConfig.Producer.Flush.Messages = config.FlushMessages
	kafkaConfig.Producer.Flush.MaxMessages = config.FlushMaxMs
	kafkaConfig.Version = sarama.V3_6_0_0

	producer, err := sarama.NewSyncProducer(config.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &KafkaPublisher{
		producer: producer,
		config:   config,
	}, nil
}

// Publish 发布事件
func (p *KafkaPublisher) Publish(ctx context.Context, event *BaseEvent) error {
	msg, err := p.toMessage(event)
	if err != nil {
		return err
	}

	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// PublishBatch 批量发布事件
func (p *KafkaPublisher) PublishBatch(ctx context.Context, events []*BaseEvent) error {
	messages := make([]*sarama.ProducerMessage, 0, len(events))
	for _, event := range events {
		msg, err := p.toMessage(event)
		if err != nil {
			return err
		}
		messages = append(messages, msg)
	}
	return p.producer.SendMessages(messages)
}

// Close 关闭发布器
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// toMessage 填充默认值并构造生产者消息
func (p *KafkaPublisher) toMessage(event *BaseEvent) (*sarama.ProducerMessage, error) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.EventVersion == "" {
		event.EventVersion = "v1"
	}

	value, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return &sarama.ProducerMessage{
		Topic: p.config.Topic,
		Key:   sarama.StringEncoder(event.AggregateID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.EventType)},
			{Key: []byte("correlation_id"), Value: []byte(event.CorrelationID)},
		},
		Timestamp: time.Now(),
	}, nil
}
