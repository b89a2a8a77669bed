package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/IBM/sarama"
)

// EventHandler 事件处理器接口
type EventHandler interface {
	// Handle 处理事件
	Handle(ctx context.Context, event *BaseEvent) error

	// SupportedEventTypes 支持的事件类型
	SupportedEventTypes() []string
}

// Consumer 事件消费者接口
type Consumer interface {
	// Subscribe 订阅事件
	Subscribe(ctx context.Context, topics []string, handler EventHandler) error

	// Close 关闭消费者
	Close() error
}

// KafkaConsumer Kafka 事件消费者
type KafkaConsumer struct {
	client        sarama.ConsumerGroup
	config        *ConsumerConfig
	handlers      map[string]EventHandler
	handlersMutex sync.RWMutex
	wg            sync.WaitGroup
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers       []string
	GroupID       string
	Topics        []string
	AutoCommit    bool
	InitialOffset int64 // sarama.OffsetNewest or sarama.OffsetOldest
}

// DefaultConsumerConfig 默认配置
func DefaultConsumerConfig(groupID string) *ConsumerConfig {
	return &ConsumerConfig{
		Brokers:       []string{"localhost:9092"},
		GroupID:       groupID,
		Topics:        []string{"context.events"},
		AutoCommit:    true,
		InitialOffset: sarama.OffsetNewest,
	}
}

// NewKafkaConsumer 创建 Kafka 消费者
func NewKafkaConsumer(config *ConsumerConfig) (*KafkaConsumer, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Version = sarama.V3_6_0_0
	kafkaConfig.Consumer.Return.Errors = true
	kafkaConfig.Consumer.Offsets.Initial = config.InitialOffset
	kafkaConfig.Consumer.Offsets.AutoCommit.Enable = config.AutoCommit
	kafkaConfig.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()

	client, err := sarama.NewConsumerGroup(config.Brokers, config.GroupID, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &KafkaConsumer{
		client:   client,
		config:   config,
		handlers: make(map[string]EventHandler),
	}, nil
}

// Subscribe 订阅事件
func (c *KafkaConsumer) Subscribe(ctx context.Context, topics []string, handler EventHandler) error {
	c.handlersMutex.Lock()
	for _, eventType := range handler.SupportedEventTypes() {
		c.handlers[eventType] = handler
	}
	c.handlersMutex.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		consumerHandler := &consumerGroupHandler{
			consumer: c,
		}

		for {
			select {
			case <-ctx.Done():
				log.Println("Consumer context cancelled, stopping...")
				return
			default:
				if err := c.client.Consume(ctx, topics, consumerHandler); err != nil {
					log.Printf("Error consuming: %v", err)
					return
				}
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.client.Errors() {
			log.Printf("Consumer error: %v", err)
		}
	}()

	return nil
}

// Close 关闭消费者
func (c *KafkaConsumer) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close consumer: %w", err)
	}
	c.wg.Wait()
	return nil
}

// getHandler 获取事件处理器
func (c *KafkaConsumer) getHandler(eventType string) (EventHandler, bool) {
	c.handlersMutex.RLock()
	defer c.handlersMutex.RUnlock()
	handler, ok := c.handlers[eventType]
	return handler, ok
}

// consumerGroupHandler Sarama ConsumerGroupHandler 实现
type consumerGroupHandler struct {
	consumer *KafkaConsumer
}

// Setup 设置
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup 清理
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 消费消息
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if err := h.handleMessage(session.Context(), message); err != nil {
			log.Printf("Failed to handle message: %v", err)
			// 继续处理下一条消息，不要因为一条消息失败而停止
			continue
		}

		session.MarkMessage(message, "")
	}
	return nil
}

// handleMessage 处理单条消息
func (h *consumerGroupHandler) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	var event BaseEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	handler, ok := h.consumer.getHandler(event.EventType)
	if !ok {
		// 没有注册的处理器，跳过
		log.Printf("No handler registered for event type: %s", event.EventType)
		return nil
	}

	if err := handler.Handle(ctx, &event); err != nil {
		return fmt.Errorf("handler failed: %w", err)
	}

	return nil
}

// MultiEventHandler 多事件处理器（可以处理多种事件类型）
type MultiEventHandler struct {
	handlers map[string]func(context.Context, *BaseEvent) error
}

// NewMultiEventHandler 创建多事件处理器
func NewMultiEventHandler() *MultiEventHandler {
	return &MultiEventHandler{
		handlers: make(map[string]func(context.Context, *BaseEvent) error),
	}
}

// Register 注册事件处理函数
func (m *MultiEventHandler) Register(eventType string, fn func(context.Context, *BaseEvent) error) {
	m.handlers[eventType] = fn
}

// Handle 处理事件
func (m *MultiEventHandler) Handle(ctx context.Context, event *BaseEvent) error {
	if fn, ok := m.handlers[event.EventType]; ok {
		return fn(ctx, event)
	}
	return fmt.Errorf("no handler for event type: %s", event.EventType)
}

// SupportedEventTypes 支持的事件类型
func (m *MultiEventHandler) SupportedEventTypes() []string {
	types := make([]string, 0, len(m.handlers))
	for eventType := range m.handlers {
		types = append(types, eventType)
	}
	return types
}
