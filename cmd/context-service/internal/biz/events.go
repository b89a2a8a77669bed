package biz

import (
	"context"
	"sync"
	"time"

	"contextd/cmd/context-service/internal/domain"
	"contextd/cmd/context-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
)

// EventBus 进程内事件总线
//
// 按事件类型分发给订阅者，供 CLI/UI 及 Kafka 桥接器消费。
// 监听器同步调用，实现方必须保证快速返回。
type EventBus struct {
	mu        sync.RWMutex
	listeners map[domain.EventType][]domain.EventListener
	all       []domain.EventListener
	logger    *log.Helper
}

// NewEventBus 创建事件总线
func NewEventBus(logger log.Logger) *EventBus {
	return &EventBus{
		listeners: make(map[domain.EventType][]domain.EventListener),
		logger:    log.NewHelper(log.With(logger, "module", "event-bus")),
	}
}

// Subscribe 订阅指定类型的事件
func (b *EventBus) Subscribe(eventType domain.EventType, listener domain.EventListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[eventType] = append(b.listeners[eventType], listener)
}

// SubscribeAll 订阅全部事件
func (b *EventBus) SubscribeAll(listener domain.EventListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, listener)
}

// Publish 发布事件
func (b *EventBus) Publish(event domain.Event) {
	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()

	b.mu.RLock()
	typed := b.listeners[event.Type]
	all := b.all
	b.mu.RUnlock()

	for _, l := range typed {
		l.OnEvent(event)
	}
	for _, l := range all {
		l.OnEvent(event)
	}
}

// TaskFailure 后台任务失败记录
type TaskFailure struct {
	Name string
	Err  error
	At   time.Time
}

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// TaskQueue 有界后台任务队列
//
// 承载 fire-and-forget 的快照/缓存持久化工作；失败写入可观测的
// 失败通道并记录日志，永不向调用方的回合抛出。
type TaskQueue struct {
	tasks    chan task
	failures chan TaskFailure
	timeout  time.Duration
	logger   *log.Helper

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewTaskQueue 创建任务队列并启动 worker
func NewTaskQueue(size, workers int, timeout time.Duration, logger log.Logger) *TaskQueue {
	if size <= 0 {
		size = 64
	}
	if workers <= 0 {
		workers = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	q := &TaskQueue{
		tasks:    make(chan task, size),
		failures: make(chan TaskFailure, size),
		timeout:  timeout,
		logger:   log.NewHelper(log.With(logger, "module", "task-queue")),
		done:     make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	return q
}

// Submit 提交任务；队列已满时丢弃并返回 false
func (q *TaskQueue) Submit(name string, fn func(ctx context.Context) error) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.tasks <- task{name: name, fn: fn}:
		return true
	default:
		q.logger.Warnf("task queue full, dropping task: %s", name)
		metrics.BackgroundTasksDropped.Inc()
		return false
	}
}

// Failures 后台失败通道（只读）
func (q *TaskQueue) Failures() <-chan TaskFailure {
	return q.failures
}

// Close 停止接收新任务并等待在途任务完成
func (q *TaskQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		close(q.tasks)
	})
	q.wg.Wait()
}

func (q *TaskQueue) worker() {
	defer q.wg.Done()

	for t := range q.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := t.fn(ctx)
		cancel()

		if err != nil {
			q.logger.Errorf("background task %s failed: %v", t.name, err)
			metrics.BackgroundTaskFailures.WithLabelValues(t.name).Inc()
			select {
			case q.failures <- TaskFailure{Name: t.name, Err: err, At: time.Now()}:
			default:
				// 失败通道无人消费时丢弃最旧语义不可得，直接丢弃本条
			}
		}
	}
}
