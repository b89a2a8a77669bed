package domain

import "context"

// TokenCounter Token 估算器（可插拔，结果为启发式近似值）
type TokenCounter interface {
	// CountTokens 估算文本的 Token 数
	CountTokens(text string) int

	// CountTokensCached 按消息 ID 记忆化的估算
	CountTokensCached(id, text string) int

	// CountConversationTokens 估算消息列表的 Token 总数
	CountConversationTokens(messages []*Message) int

	// ClearCache 清空记忆化缓存
	ClearCache()
}

// SnapshotStorage 快照持久化存储
type SnapshotStorage interface {
	// Save 保存快照
	Save(ctx context.Context, snapshot *ContextSnapshot) error

	// Load 按 ID 加载快照（不存在时返回 ErrSnapshotNotFound）
	Load(ctx context.Context, id string) (*ContextSnapshot, error)

	// List 列出会话的快照元数据
	List(ctx context.Context, sessionID string) ([]SnapshotMeta, error)

	// Delete 删除快照
	Delete(ctx context.Context, id string) error

	// Exists 快照是否存在
	Exists(ctx context.Context, id string) (bool, error)

	// Verify 校验快照可完整解码
	Verify(ctx context.Context, id string) (bool, error)

	// BasePath 存储位置描述（展示用）
	BasePath() string
}

// SnapshotArchiver 快照冷归档（滚动清理淘汰的快照先归档再删除）
type SnapshotArchiver interface {
	// Archive 归档快照
	Archive(ctx context.Context, snapshot *ContextSnapshot) error
}

// ContextPool Token 池：当前/最大计数及使用率
type ContextPool interface {
	// Usage 当前使用情况
	Usage() ContextUsage

	// Resize 调整最大 Token 数
	Resize(newMax int) error

	// SetCurrentTokens 直接覆写当前 Token 数
	SetCurrentTokens(n int)

	// HasActiveRequests 是否有进行中的请求（可选能力，默认 false）
	HasActiveRequests() bool
}

// VRAMMonitor 显存监控
type VRAMMonitor interface {
	// Info 当前显存占用
	Info(ctx context.Context) (VRAMInfo, error)
}

// CompressionResult 压缩结果
type CompressionResult struct {
	Preserved        []*Message
	Summary          string
	CompressedTokens int
}

// CompressionStrategy 压缩策略
type CompressionStrategy string

const (
	// StrategyRecent 保留最近消息，丢弃早期历史
	StrategyRecent CompressionStrategy = "recent"
	// StrategySummarize 对早期历史做 LLM 摘要，保留最近消息
	StrategySummarize CompressionStrategy = "summarize"
)

// CompressionService 上下文压缩服务
type CompressionService interface {
	// Compress 压缩消息序列，返回保留消息与可选摘要
	Compress(ctx context.Context, messages []*Message, strategy CompressionStrategy) (*CompressionResult, error)
}

// ContextStore 会话上下文热存储（进程重启后可续接会话）
type ContextStore interface {
	// Load 加载会话上下文（缓存未命中时返回 nil, nil）
	Load(ctx context.Context, sessionID string) (*ConversationContext, error)

	// Store 保存会话上下文
	Store(ctx context.Context, c *ConversationContext) error

	// Delete 删除会话上下文
	Delete(ctx context.Context, sessionID string) error
}
