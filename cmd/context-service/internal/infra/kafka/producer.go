// Package kafka 将进程内领域事件桥接到 Kafka 事件总线
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"contextd/cmd/context-service/internal/biz"
	"contextd/cmd/context-service/internal/domain"
	"contextd/pkg/events"

	"github.com/go-kratos/kratos/v2/log"
)

const publishTimeout = 5 * time.Second

// EventBridge 订阅进程内事件总线并异步转发到 Kafka
//
// 转发走 TaskQueue，事件发布永远不阻塞核心写路径。
type EventBridge struct {
	publisher events.Publisher
	queue     *biz.TaskQueue
	logger    *log.Helper
}

// NewEventBridge 创建事件桥
func NewEventBridge(publisher events.Publisher, queue *biz.TaskQueue, logger log.Logger) *EventBridge {
	return &EventBridge{
		publisher: publisher,
		queue:     queue,
		logger:    log.NewHelper(log.With(logger, "module", "infra/kafka")),
	}
}

// Attach 注册为总线的全量监听器
func (b *EventBridge) Attach(bus *biz.EventBus) {
	bus.SubscribeAll(domain.EventListenerFunc(b.forward))
}

// forward 将领域事件封装为信封并入队发送
func (b *EventBridge) forward(event domain.Event) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		b.logger.Warnf("event %s payload not serializable, dropped: %v", event.ID, err)
		return
	}

	envelope := &events.BaseEvent{
		EventID:     event.ID,
		EventType:   "context." + string(event.Type),
		AggregateID: event.SessionID,
		Timestamp:   event.Timestamp,
		Payload:     payload,
	}

	ok := b.queue.Submit("kafka-publish", func(ctx context.Context) error {
		publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		return b.publisher.Publish(publishCtx, envelope)
	})
	if !ok {
		b.logger.Warnf("event queue full, dropped event %s (%s)", event.ID, event.Type)
	}
}

// Close 关闭底层发布器
func (b *EventBridge) Close() error {
	return b.publisher.Close()
}
