package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"contextd/cmd/context-service/internal/domain"
	"contextd/pkg/cache"

	"github.com/redis/go-redis/v9"
)

const (
	// 上下文缓存键前缀
	contextCachePrefix = "ctx:session"

	// 默认 TTL (24小时)
	defaultContextTTL = 24 * time.Hour
)

// ContextCache 会话上下文热存储，进程重启后可续接会话
type ContextCache struct {
	cache cache.Cache
}

// NewContextCache 创建上下文缓存
func NewContextCache(rdb *redis.Client) domain.ContextStore {
	return &ContextCache{
		cache: cache.NewRedisCacheWithClient(rdb, &cache.CacheOptions{
			KeyPrefix:  contextCachePrefix,
			DefaultTTL: defaultContextTTL,
			Serializer: &cache.JSONSerializer{},
		}),
	}
}

// Load 加载会话上下文，缓存未命中时返回 nil, nil
func (c *ContextCache) Load(ctx context.Context, sessionID string) (*domain.ConversationContext, error) {
	var conversation domain.ConversationContext
	err := c.cache.GetObject(ctx, sessionID, &conversation)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load context %s: %w", sessionID, err)
	}
	return &conversation, nil
}

// Store 保存会话上下文
func (c *ContextCache) Store(ctx context.Context, conversation *domain.ConversationContext) error {
	if err := c.cache.SetObject(ctx, conversation.SessionID, conversation, 0); err != nil {
		return fmt.Errorf("store context %s: %w", conversation.SessionID, err)
	}
	return nil
}

// Delete 删除会话上下文
func (c *ContextCache) Delete(ctx context.Context, sessionID string) error {
	return c.cache.Delete(ctx, sessionID)
}
