package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ContextTokensCurrent 当前上下文 Token 数
	ContextTokensCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "context_tokens_current",
		Help: "Current number of tokens held by the conversation context",
	})

	// ContextTokensMax 上下文 Token 上限
	ContextTokensMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "context_tokens_max",
		Help: "Maximum number of tokens the provider accepts",
	})

	// MemoryLevel 当前内存压力等级 (0=normal 1=warning 2=critical 3=emergency)
	MemoryLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "context_memory_level",
		Help: "Current memory pressure level",
	})

	// MemoryLevelTransitions 等级动作触发次数
	MemoryLevelTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "context_memory_level_actions_total",
		Help: "Total number of automatic remediation actions by level",
	}, []string{"level"})

	// MessagesAdded 已接纳消息数
	MessagesAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "context_messages_added_total",
		Help: "Total number of messages admitted to the context",
	}, []string{"role"})

	// MessagesEvicted 逐出的消息数
	MessagesEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "context_messages_evicted_total",
		Help: "Total number of messages evicted during admission control",
	})

	// CompressionRuns 压缩执行次数
	CompressionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "context_compression_runs_total",
		Help: "Total number of compression runs",
	}, []string{"outcome"})

	// CompressionTokensFreed 压缩释放的 Token 数
	CompressionTokensFreed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "context_compression_tokens_freed_total",
		Help: "Total number of tokens freed by compression",
	})

	// SnapshotsCreated 创建的快照数
	SnapshotsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "context_snapshots_created_total",
		Help: "Total number of snapshots created",
	}, []string{"trigger"})

	// SnapshotsDeleted 滚动清理删除的快照数
	SnapshotsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "context_snapshots_deleted_total",
		Help: "Total number of snapshots removed by rolling retention",
	})

	// SnapshotRestoreDuration 快照恢复耗时
	SnapshotRestoreDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "context_snapshot_restore_duration_seconds",
		Help:    "Snapshot restore duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
	})

	// EventsPublished 发布的事件数
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "context_events_published_total",
		Help: "Total number of domain events published",
	}, []string{"type"})

	// BackgroundTaskFailures 后台任务失败数
	BackgroundTaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "context_background_task_failures_total",
		Help: "Total number of failed background tasks",
	}, []string{"task"})

	// BackgroundTasksDropped 因队列满被丢弃的任务数
	BackgroundTasksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "context_background_tasks_dropped_total",
		Help: "Total number of background tasks dropped because the queue was full",
	})

	// WebsocketClients 当前事件流订阅者数
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "context_websocket_clients",
		Help: "Current number of websocket event subscribers",
	})
)
