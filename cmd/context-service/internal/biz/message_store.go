package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"contextd/cmd/context-service/internal/domain"
	"contextd/cmd/context-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

const (
	// 压缩判定的默认预算阈值
	defaultCompressionThreshold = 0.75
	// 预警区带宽度：阈值之下 5 个百分点内发出 context-warning-low
	warningBandWidth = 0.05

	// 用户回合快照启发式
	snapshotUsageFraction = 0.85 // 使用率达到 85%
	snapshotDeltaFraction = 0.02 // 且距上次快照增量超过 2%
	snapshotTurnInterval  = 5    // 或每 5 个用户回合兜底
)

// MessageStoreConfig MessageStore 配置
type MessageStoreConfig struct {
	CompressionEnabled   bool    `mapstructure:"compression_enabled"`
	CompressionThreshold float64 `mapstructure:"compression_threshold"`
}

// DefaultMessageStoreConfig 默认配置
func DefaultMessageStoreConfig() MessageStoreConfig {
	return MessageStoreConfig{
		CompressionEnabled:   true,
		CompressionThreshold: defaultCompressionThreshold,
	}
}

// MessageStore 会话状态的唯一修改者
//
// 拥有消息接纳协议、在途 Token 跟踪，以及 MemoryGuard/SnapshotManager/
// CompressionService 之间的接线。回合严格串行，单写者纪律由 mu 保证。
type MessageStore struct {
	mu sync.Mutex

	ctx        *domain.ConversationContext
	counter    domain.TokenCounter
	pool       domain.ContextPool
	guard      *MemoryGuard
	snapshots  *SnapshotManager
	compressor domain.CompressionService
	warmCache  domain.ContextStore
	bus        *EventBus
	tasks      *TaskQueue
	logger     *log.Helper

	compressionEnabled   bool
	compressionThreshold float64

	inflightTokens   int
	streamOverflowed bool
	compressInFlight bool

	// 快照启发式计数器
	lastSnapshotTokens    int
	messagesSinceSnapshot int
}

// NewMessageStore 创建 MessageStore 并完成守卫/快照接线
func NewMessageStore(
	conversation *domain.ConversationContext,
	counter domain.TokenCounter,
	pool domain.ContextPool,
	guard *MemoryGuard,
	snapshots *SnapshotManager,
	compressor domain.CompressionService,
	warmCache domain.ContextStore,
	bus *EventBus,
	tasks *TaskQueue,
	config MessageStoreConfig,
	logger log.Logger,
) *MessageStore {
	threshold := config.CompressionThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = defaultCompressionThreshold
	}

	s := &MessageStore{
		ctx:                  conversation,
		counter:              counter,
		pool:                 pool,
		guard:                guard,
		snapshots:            snapshots,
		compressor:           compressor,
		warmCache:            warmCache,
		bus:                  bus,
		tasks:                tasks,
		logger:               log.NewHelper(log.With(logger, "module", "message-store")),
		compressionEnabled:   config.CompressionEnabled,
		compressionThreshold: threshold,
	}

	guard.BindTarget(s)
	snapshots.SetSession(conversation.SessionID)
	// 自动快照回调在持锁路径内被触发，克隆后交给后台队列
	snapshots.SetAutoSnapshotFunc(func() {
		s.submitSnapshotAssumeLocked("threshold")
	})

	pool.SetCurrentTokens(conversation.TokenCount)
	return s
}

// AddMessage 接纳一条消息
//
// 计数为负视为编程不变量被破坏，直接返回致命错误。接纳失败时先让
// MemoryGuard 自动处置腾挪空间，再逐条逐出最旧的非系统消息（system
// 永不逐出），每次逐出后从头重算 TokenCount 以避免漂移累积。
func (s *MessageStore) AddMessage(ctx context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokenCount := s.counter.CountTokensCached(msg.ID, msg.Content)
	if tokenCount < 0 {
		return fmt.Errorf("%w: message %s counted %d tokens", domain.ErrTokenAccounting, msg.ID, tokenCount)
	}

	// 至多一条 system 消息：新系统提示替换旧的
	if msg.Role == domain.RoleSystem {
		return s.replaceSystemPromptLocked(msg, tokenCount)
	}

	if !s.guard.CanAllocate(tokenCount) {
		// 先给自动处置一次腾挪机会
		if _, err := s.guard.CheckMemoryLevelAndAct(ctx); err != nil {
			s.logger.Warnf("remediation during admission failed: %v", err)
		}

		for !s.guard.CanAllocate(tokenCount) {
			if !s.evictOldestLocked() {
				break
			}
		}

		if !s.guard.CanAllocate(tokenCount) {
			return fmt.Errorf("%w: %d tokens requested", domain.ErrContextOverflow, tokenCount)
		}
	}

	msg.TokenCount = tokenCount
	s.ctx.Messages = append(s.ctx.Messages, msg)
	s.ctx.TokenCount += tokenCount
	s.ctx.UpdatedAt = time.Now()
	s.syncPoolLocked()

	metrics.MessagesAdded.WithLabelValues(string(msg.Role)).Inc()
	s.bus.Publish(domain.NewEvent(domain.EventMessageAdded, s.ctx.SessionID, domain.MessageAddedPayload{
		MessageID:  msg.ID,
		Role:       msg.Role,
		TokenCount: tokenCount,
		Total:      s.ctx.TokenCount,
	}))

	switch msg.Role {
	case domain.RoleUser:
		s.afterUserMessageLocked()
	case domain.RoleAssistant:
		if err := s.afterAssistantMessageLocked(ctx); err != nil {
			return err
		}
	}

	s.persistAsyncLocked()
	return nil
}

// afterUserMessageLocked 用户回合后置：快照启发式
//
// 使用率 >= 85% 且自上次快照以来增量超过上限的 2%（显著变化），
// 或累计 5 个用户回合（兜底），即触发异步 fire-and-forget 快照。
func (s *MessageStore) afterUserMessageLocked() {
	s.messagesSinceSnapshot++

	usage := s.pool.Usage()
	delta := s.ctx.TokenCount - s.lastSnapshotTokens
	significant := usage.Percentage >= snapshotUsageFraction &&
		float64(delta) > snapshotDeltaFraction*float64(usage.MaxTokens)

	if significant || s.messagesSinceSnapshot >= snapshotTurnInterval {
		s.lastSnapshotTokens = s.ctx.TokenCount
		s.messagesSinceSnapshot = 0
		s.submitSnapshotAssumeLocked("auto")
	}
}

// afterAssistantMessageLocked 助手回合后置：阈值回调 + 压缩判定
//
// 压缩判定使用预算口径（扣除系统提示/检查点保留）而非 MemoryGuard
// 的原始使用率，两者是刻意分离的两套公式。
func (s *MessageStore) afterAssistantMessageLocked(ctx context.Context) error {
	s.snapshots.CheckThresholds(s.ctx.TokenCount+s.inflightTokens, s.ctx.MaxTokens)

	if !s.compressionEnabled {
		return nil
	}

	budget := domain.NewContextBudget(s.ctx)
	switch {
	case budget.BudgetPercentage >= s.compressionThreshold:
		if _, err := s.compressLocked(ctx); err != nil {
			return err
		}
	case budget.BudgetPercentage >= s.compressionThreshold-warningBandWidth:
		s.bus.Publish(domain.NewEvent(domain.EventContextWarningLow, s.ctx.SessionID, domain.ContextWarningPayload{
			BudgetPercentage: budget.BudgetPercentage,
			Threshold:        s.compressionThreshold,
		}))
	}

	return nil
}

// ReportInflightTokens 上报流式生成中的在途 Token 增量
//
// O(1)：只更新计数并复核阈值，不做任何 I/O 和压缩——提供方自身会在
// 硬上限处停止。在途总量一旦超过硬上限，说明上游契约被破坏，发出
// 诊断事件而不自愈。
func (s *MessageStore) ReportInflightTokens(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inflightTokens += delta
	if s.inflightTokens < 0 {
		s.inflightTokens = 0
	}

	total := s.ctx.TokenCount + s.inflightTokens
	s.pool.SetCurrentTokens(total)
	s.snapshots.CheckThresholds(total, s.ctx.MaxTokens)

	// 边沿触发：越界瞬间发一次，回落后才允许再次触发
	if total > s.ctx.MaxTokens {
		if !s.streamOverflowed {
			s.streamOverflowed = true
			s.bus.Publish(domain.NewEvent(domain.EventStreamOverflow, s.ctx.SessionID, domain.StreamOverflowPayload{
				PersistedTokens: s.ctx.TokenCount,
				InflightTokens:  s.inflightTokens,
				HardLimit:       s.ctx.MaxTokens,
			}))
		}
	} else {
		s.streamOverflowed = false
	}
}

// ClearInflightTokens 生成结束后清零在途计数并回同步池
func (s *MessageStore) ClearInflightTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inflightTokens = 0
	s.streamOverflowed = false
	s.pool.SetCurrentTokens(s.ctx.TokenCount)
}

// Clear 清空上下文：仅保留系统提示
func (s *MessageStore) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	s.bus.Publish(domain.NewEvent(domain.EventCleared, s.ctx.SessionID, nil))
	s.persistAsyncLocked()
}

// Compress 显式压缩（用户发起，错误正常传播）
func (s *MessageStore) Compress(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compressLocked(ctx)
}

// CreateSnapshot 显式创建快照（用户发起，错误正常传播）
func (s *MessageStore) CreateSnapshot(ctx context.Context) (*domain.ContextSnapshot, error) {
	s.mu.Lock()
	clone := s.cloneContextLocked()
	s.mu.Unlock()

	return s.snapshots.CreateSnapshot(ctx, clone, "manual")
}

// ReplaceContext 以恢复出的上下文替换当前会话状态
func (s *MessageStore) ReplaceContext(c *domain.ConversationContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx = c
	s.inflightTokens = 0
	s.lastSnapshotTokens = c.TokenCount
	s.messagesSinceSnapshot = 0
	s.snapshots.SetSession(c.SessionID)
	s.syncPoolLocked()
	s.persistAsyncLocked()
}

// Conversation 返回当前上下文（调用方只读）
func (s *MessageStore) Conversation() *domain.ConversationContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// CloneConversation 返回当前上下文的深拷贝
func (s *MessageStore) CloneConversation() *domain.ConversationContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloneContextLocked()
}

// Budget 当前预算视图
func (s *MessageStore) Budget() domain.ContextBudget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.NewContextBudget(s.ctx)
}

// CheckMemory 手动运行一次内存检查与处置
func (s *MessageStore) CheckMemory(ctx context.Context) (domain.MemoryLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guard.CheckMemoryLevelAndAct(ctx)
}

// SetMaxTokens 调整上下文上限并同步池
func (s *MessageStore) SetMaxTokens(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pool.Resize(n); err != nil {
		return err
	}
	s.ctx.MaxTokens = n
	s.persistAsyncLocked()
	return nil
}

// CompressionThreshold 当前压缩阈值
func (s *MessageStore) CompressionThreshold() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compressionThreshold
}

// SetCompressionThreshold 调整压缩阈值（模式切换用）
func (s *MessageStore) SetCompressionThreshold(threshold float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if threshold > 0 && threshold <= 1 {
		s.compressionThreshold = threshold
	}
}

// ---- remediationTarget 实现（调用方已持有 s.mu）----

func (s *MessageStore) compressForGuard(ctx context.Context) (int, error) {
	return s.compressLocked(ctx)
}

func (s *MessageStore) snapshotForGuard(ctx context.Context) (string, error) {
	snapshot, err := s.snapshots.CreateSnapshot(ctx, s.cloneContextLocked(), "emergency")
	if err != nil {
		return "", err
	}
	return snapshot.ID, nil
}

func (s *MessageStore) emergencyClearForGuard(ctx context.Context) error {
	s.clearLocked()
	return nil
}

func (s *MessageStore) conversation() *domain.ConversationContext {
	return s.ctx
}

// ---- 内部实现（约定：调用方已持有 s.mu）----

// compressLocked 压缩当前上下文；同一会话内串行，二次进入直接短路
func (s *MessageStore) compressLocked(ctx context.Context) (int, error) {
	if s.compressInFlight {
		return 0, nil
	}
	s.compressInFlight = true
	defer func() { s.compressInFlight = false }()

	before := s.ctx.TokenCount
	s.bus.Publish(domain.NewEvent(domain.EventCompressionTriggered, s.ctx.SessionID, nil))

	result, err := s.compressor.Compress(ctx, s.ctx.Messages, domain.StrategySummarize)
	if err != nil {
		metrics.CompressionRuns.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("compression failed: %w", err)
	}

	// 被压缩移出窗口的用户消息归档，保证快照的无损恢复
	preserved := make(map[string]struct{}, len(result.Preserved))
	for _, msg := range result.Preserved {
		preserved[msg.ID] = struct{}{}
	}
	dropped := 0
	for _, msg := range s.ctx.Messages {
		if _, kept := preserved[msg.ID]; kept {
			continue
		}
		dropped++
		if msg.Role == domain.RoleUser {
			s.ctx.ArchivedUserMessages = append(s.ctx.ArchivedUserMessages, msg)
		}
	}

	s.ctx.Messages = result.Preserved
	if result.Summary != "" {
		s.ctx.Checkpoints = append(s.ctx.Checkpoints, domain.Checkpoint{
			ID:         "cp_" + uuid.New().String(),
			Summary:    result.Summary,
			TokenCount: s.counter.CountTokens(result.Summary),
			Archived:   dropped,
			CreatedAt:  time.Now(),
		})
	}

	s.ctx.TokenCount = s.counter.CountConversationTokens(s.ctx.Messages)
	s.ctx.UpdatedAt = time.Now()
	s.syncPoolLocked()

	freed := before - s.ctx.TokenCount
	if freed <= 0 {
		metrics.CompressionRuns.WithLabelValues("no-progress").Inc()
		return 0, domain.ErrCompressionFailed
	}

	metrics.CompressionRuns.WithLabelValues("ok").Inc()
	metrics.CompressionTokensFreed.Add(float64(freed))
	s.bus.Publish(domain.NewEvent(domain.EventCompressionComplete, s.ctx.SessionID, domain.CompressionCompletePayload{
		TokensFreed: freed,
		Strategy:    string(domain.StrategySummarize),
	}))

	s.persistAsyncLocked()
	return freed, nil
}

// replaceSystemPromptLocked 写入系统提示；已有的系统提示被替换而非并存
func (s *MessageStore) replaceSystemPromptLocked(msg *domain.Message, tokenCount int) error {
	grown := tokenCount
	if sp := s.ctx.SystemPrompt(); sp != nil {
		grown = tokenCount - sp.TokenCount
	}
	if grown > 0 && !s.guard.CanAllocate(grown) {
		return fmt.Errorf("%w: system prompt of %d tokens", domain.ErrContextOverflow, tokenCount)
	}

	msg.TokenCount = tokenCount

	replaced := false
	for i, existing := range s.ctx.Messages {
		if existing.Role == domain.RoleSystem {
			s.ctx.Messages[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		s.ctx.Messages = append([]*domain.Message{msg}, s.ctx.Messages...)
	}

	s.ctx.TokenCount = s.counter.CountConversationTokens(s.ctx.Messages)
	s.ctx.UpdatedAt = time.Now()
	s.syncPoolLocked()

	metrics.MessagesAdded.WithLabelValues(string(msg.Role)).Inc()
	s.bus.Publish(domain.NewEvent(domain.EventMessageAdded, s.ctx.SessionID, domain.MessageAddedPayload{
		MessageID:  msg.ID,
		Role:       msg.Role,
		TokenCount: tokenCount,
		Total:      s.ctx.TokenCount,
	}))
	s.persistAsyncLocked()
	return nil
}

// evictOldestLocked 逐出最旧的非系统消息；无可逐出时返回 false
func (s *MessageStore) evictOldestLocked() bool {
	for i, msg := range s.ctx.Messages {
		if msg.Role == domain.RoleSystem {
			continue
		}

		if msg.Role == domain.RoleUser {
			s.ctx.ArchivedUserMessages = append(s.ctx.ArchivedUserMessages, msg)
		}
		s.ctx.Messages = append(s.ctx.Messages[:i], s.ctx.Messages[i+1:]...)

		// 从头重算，杜绝增量更新的漂移累积
		s.ctx.TokenCount = s.counter.CountConversationTokens(s.ctx.Messages)
		s.syncPoolLocked()

		metrics.MessagesEvicted.Inc()
		s.logger.Infof("evicted message %s (%s) during admission", msg.ID, msg.Role)
		return true
	}
	return false
}

// clearLocked 截断到仅剩系统提示并复位计数
func (s *MessageStore) clearLocked() {
	if sp := s.ctx.SystemPrompt(); sp != nil {
		s.ctx.Messages = []*domain.Message{sp}
		s.ctx.TokenCount = sp.TokenCount
	} else {
		s.ctx.Messages = []*domain.Message{}
		s.ctx.TokenCount = 0
	}
	s.ctx.ArchivedUserMessages = nil
	s.ctx.Checkpoints = nil
	s.ctx.UpdatedAt = time.Now()

	s.inflightTokens = 0
	s.lastSnapshotTokens = s.ctx.TokenCount
	s.messagesSinceSnapshot = 0

	s.counter.ClearCache()
	s.syncPoolLocked()
}

// cloneContextLocked 深拷贝当前上下文，供快照/后台任务安全使用
func (s *MessageStore) cloneContextLocked() *domain.ConversationContext {
	clone := &domain.ConversationContext{
		SessionID:  s.ctx.SessionID,
		TokenCount: s.ctx.TokenCount,
		MaxTokens:  s.ctx.MaxTokens,
		CreatedAt:  s.ctx.CreatedAt,
		UpdatedAt:  s.ctx.UpdatedAt,
	}
	clone.Messages = make([]*domain.Message, 0, len(s.ctx.Messages))
	for _, msg := range s.ctx.Messages {
		clone.Messages = append(clone.Messages, msg.Clone())
	}
	for _, msg := range s.ctx.ArchivedUserMessages {
		clone.ArchivedUserMessages = append(clone.ArchivedUserMessages, msg.Clone())
	}
	clone.Checkpoints = append([]domain.Checkpoint(nil), s.ctx.Checkpoints...)
	if len(s.ctx.Metadata) > 0 {
		clone.Metadata = make(map[string]string, len(s.ctx.Metadata))
		for k, v := range s.ctx.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}

// submitSnapshotAssumeLocked 克隆后提交异步快照；失败只进失败通道
func (s *MessageStore) submitSnapshotAssumeLocked(trigger string) {
	clone := s.cloneContextLocked()
	s.tasks.Submit("snapshot-"+trigger, func(ctx context.Context) error {
		_, err := s.snapshots.CreateSnapshot(ctx, clone, trigger)
		return err
	})
}

// persistAsyncLocked 将上下文写入热存储（后台执行，失败不进回合）
func (s *MessageStore) persistAsyncLocked() {
	if s.warmCache == nil {
		return
	}
	clone := s.cloneContextLocked()
	s.tasks.Submit("persist-context", func(ctx context.Context) error {
		return s.warmCache.Store(ctx, clone)
	})
}

// syncPoolLocked 池计数 = 已落账 + 在途
func (s *MessageStore) syncPoolLocked() {
	s.pool.SetCurrentTokens(s.ctx.TokenCount + s.inflightTokens)
}
