package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
)

func encodeEvent(t *testing.T, event *BaseEvent) []byte {
	value, err := json.Marshal(event)
	assert.NoError(t, err)
	return value
}

func TestMultiEventHandler_Dispatch(t *testing.T) {
	handler := NewMultiEventHandler()

	var seen []string
	handler.Register("context.warning", func(ctx context.Context, event *BaseEvent) error {
		seen = append(seen, event.EventID)
		return nil
	})
	handler.Register("context.cleared", func(ctx context.Context, event *BaseEvent) error {
		return nil
	})

	assert.ElementsMatch(t, []string{"context.warning", "context.cleared"}, handler.SupportedEventTypes())

	err := handler.Handle(context.Background(), &BaseEvent{EventID: "evt_1", EventType: "context.warning"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"evt_1"}, seen)

	// 未注册的事件类型返回错误
	err = handler.Handle(context.Background(), &BaseEvent{EventType: "context.unknown"})
	assert.Error(t, err)
}

func TestConsumerGroupHandler_HandleMessage(t *testing.T) {
	consumer := &KafkaConsumer{handlers: make(map[string]EventHandler)}

	var handled []*BaseEvent
	handler := NewMultiEventHandler()
	handler.Register("memory.pressure", func(ctx context.Context, event *BaseEvent) error {
		handled = append(handled, event)
		return nil
	})
	for _, eventType := range handler.SupportedEventTypes() {
		consumer.handlers[eventType] = handler
	}

	h := &consumerGroupHandler{consumer: consumer}

	// 注册过的事件类型被分发到处理器
	value := encodeEvent(t, &BaseEvent{
		EventID:     "evt_42",
		EventType:   "memory.pressure",
		AggregateID: "sess_test",
		Timestamp:   time.Now().UTC(),
	})
	err := h.handleMessage(context.Background(), &sarama.ConsumerMessage{Value: value})
	assert.NoError(t, err)
	assert.Len(t, handled, 1)
	assert.Equal(t, "evt_42", handled[0].EventID)

	// 未注册的事件类型跳过而非报错
	value = encodeEvent(t, &BaseEvent{EventType: "context.unrelated"})
	assert.NoError(t, h.handleMessage(context.Background(), &sarama.ConsumerMessage{Value: value}))
	assert.Len(t, handled, 1)

	// 非法 JSON 返回错误
	err = h.handleMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte("not-json")})
	assert.Error(t, err)
}
