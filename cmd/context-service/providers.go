package main

import (
	"context"
	"time"

	"contextd/cmd/context-service/internal/biz"
	"contextd/cmd/context-service/internal/config"
	"contextd/cmd/context-service/internal/data"
	"contextd/cmd/context-service/internal/domain"
	infrakafka "contextd/cmd/context-service/internal/infra/kafka"
	"contextd/pkg/events"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// provideRedis 创建 Redis 客户端
func provideRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
}

// provideDBConfig 数据库配置
func provideDBConfig(cfg *config.Config) *data.DBConfig {
	return &data.DBConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	}
}

// provideTokenCounter Token 估算器
func provideTokenCounter() domain.TokenCounter {
	return biz.NewHeuristicTokenCounter(0)
}

// provideVRAMMonitor 显存监控
func provideVRAMMonitor(cfg *config.Config) domain.VRAMMonitor {
	return data.NewOllamaVRAMMonitor(cfg.Ollama.BaseURL, cfg.Ollama.TotalVRAM)
}

// provideContextPool Token 池
func provideContextPool(cfg *config.Config, vram domain.VRAMMonitor, logger log.Logger) domain.ContextPool {
	return biz.NewTokenPool(cfg.Context.MaxTokens, vram, logger)
}

// provideTaskQueue 后台任务队列
func provideTaskQueue(cfg *config.Config, logger log.Logger) *biz.TaskQueue {
	return biz.NewTaskQueue(cfg.Tasks.Size, cfg.Tasks.Workers, cfg.Tasks.Timeout, logger)
}

// provideMemoryGuard 内存守卫
func provideMemoryGuard(cfg *config.Config, pool domain.ContextPool, vram domain.VRAMMonitor, bus *biz.EventBus, logger log.Logger) (*biz.MemoryGuard, error) {
	guardCfg := domain.DefaultMemoryGuardConfig()
	if cfg.Memory.ReservedPercent > 0 {
		guardCfg.SafetyBuffer = cfg.Memory.ReservedPercent
	}
	if cfg.Memory.SoftLimit > 0 {
		guardCfg.Thresholds.Soft = cfg.Memory.SoftLimit
	}
	if cfg.Memory.HardLimit > 0 {
		guardCfg.Thresholds.Hard = cfg.Memory.HardLimit
	}
	if cfg.Memory.CriticalLimit > 0 {
		guardCfg.Thresholds.Critical = cfg.Memory.CriticalLimit
	}
	return biz.NewMemoryGuard(guardCfg, pool, vram, bus, logger)
}

// provideSnapshotConfig 快照配置
func provideSnapshotConfig(cfg *config.Config) domain.SnapshotConfig {
	return domain.SnapshotConfig{
		Enabled:       cfg.Snapshot.Enabled,
		MaxCount:      cfg.Snapshot.MaxCount,
		AutoCreate:    cfg.Snapshot.AutoCreate,
		AutoThreshold: cfg.Snapshot.AutoThreshold,
	}
}

// provideArchiver 快照冷归档（未启用 MinIO 时为 nil，滚动清理直接删除）
func provideArchiver(cfg *config.Config) (domain.SnapshotArchiver, error) {
	if !cfg.MinIO.Enabled {
		return nil, nil
	}
	return data.NewSnapshotArchive(data.MinIOConfig{
		Endpoint:        cfg.MinIO.Endpoint,
		AccessKeyID:     cfg.MinIO.AccessKeyID,
		SecretAccessKey: cfg.MinIO.SecretAccessKey,
		BucketName:      cfg.MinIO.BucketName,
		UseSSL:          cfg.MinIO.UseSSL,
	})
}

// provideCompressor 压缩服务
func provideCompressor(cfg *config.Config, counter domain.TokenCounter, logger log.Logger) domain.CompressionService {
	aiClient := data.NewOllamaClient(cfg.Ollama.BaseURL, cfg.Context.Model)
	return biz.NewCompressor(aiClient, counter, logger)
}

// provideConversation 构建会话上下文；热缓存命中时续接上一次会话
func provideConversation(cfg *config.Config, counter domain.TokenCounter, warmCache domain.ContextStore, logger log.Logger) *domain.ConversationContext {
	helper := log.NewHelper(logger)

	sessionID := cfg.Context.SessionID
	if sessionID == "" {
		sessionID = "sess_" + uuid.New().String()
	}

	loadCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if cached, err := warmCache.Load(loadCtx, sessionID); err == nil && cached != nil {
		helper.Infof("resumed session %s from warm cache (%d tokens)", sessionID, cached.TokenCount)
		cached.MaxTokens = cfg.Context.MaxTokens
		return cached
	}

	conversation := domain.NewConversationContext(sessionID, cfg.Context.MaxTokens)
	if cfg.Context.SystemPrompt != "" {
		sys := domain.NewMessage(sessionID, domain.RoleSystem, cfg.Context.SystemPrompt)
		sys.TokenCount = counter.CountTokens(sys.Content)
		conversation.Messages = append(conversation.Messages, sys)
		conversation.TokenCount = sys.TokenCount
	}
	return conversation
}

// provideStoreConfig MessageStore 配置
func provideStoreConfig(cfg *config.Config) biz.MessageStoreConfig {
	return biz.MessageStoreConfig{
		CompressionEnabled:   true,
		CompressionThreshold: cfg.Context.CompressionThreshold,
	}
}

// provideOrchestrator 组合根
func provideOrchestrator(
	cfg *config.Config,
	store *biz.MessageStore,
	guard *biz.MemoryGuard,
	snapshots *biz.SnapshotManager,
	pool domain.ContextPool,
	counter domain.TokenCounter,
	bus *biz.EventBus,
	logger log.Logger,
) (*biz.ContextOrchestrator, error) {
	orchestrator := biz.NewContextOrchestrator(store, guard, snapshots, pool, counter, bus, cfg.Context.MaxTokens, logger)
	if cfg.Context.Mode != "" {
		if err := orchestrator.SetMode(domain.Mode(cfg.Context.Mode)); err != nil {
			return nil, err
		}
	}
	return orchestrator, nil
}

// provideEventBridge Kafka 事件桥（未启用时为 nil）
func provideEventBridge(cfg *config.Config, bus *biz.EventBus, queue *biz.TaskQueue, logger log.Logger) (*infrakafka.EventBridge, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}

	publisher, err := events.NewKafkaPublisher(&events.PublisherConfig{
		Brokers:       cfg.Kafka.Brokers,
		Topic:         cfg.Kafka.Topic,
		RetryMax:      3,
		RequiredAcks:  1,
		FlushMessages: 100,
		FlushMaxMs:    100,
	})
	if err != nil {
		return nil, err
	}

	bridge := infrakafka.NewEventBridge(publisher, queue, logger)
	bridge.Attach(bus)
	return bridge, nil
}
