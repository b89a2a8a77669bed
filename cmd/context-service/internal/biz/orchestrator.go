package biz

import (
	"context"
	"fmt"
	"sync"

	"contextd/cmd/context-service/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
)

// 节约模式下压缩阈值的下调幅度
const economyThresholdDelta = 0.10

// 构建提示词时的高利用率告警线
const promptUtilizationWarning = 0.80

// PromptBuild 提示词装配结果
type PromptBuild struct {
	Messages        []*domain.Message `json:"messages"`
	TotalTokens     int               `json:"total_tokens"`
	Valid           bool              `json:"valid"`
	Warnings        []string          `json:"warnings,omitempty"`
	EmergencyAction string            `json:"emergency_action,omitempty"`
}

// ContextOrchestrator 组合根：向应用其余部分暴露会话生命周期 API
//
// 分档/模式切换、提示词装配在此层；状态修改一律委托给 MessageStore。
type ContextOrchestrator struct {
	store     *MessageStore
	guard     *MemoryGuard
	snapshots *SnapshotManager
	pool      domain.ContextPool
	counter   domain.TokenCounter
	bus       *EventBus
	logger    *log.Helper

	// 标准模式下的压缩阈值基线，来自构造时的存储配置
	baseThreshold float64

	mu          sync.Mutex
	contextSize int
	tier        domain.Tier
	mode        domain.Mode
}

// NewContextOrchestrator 创建组合根
func NewContextOrchestrator(
	store *MessageStore,
	guard *MemoryGuard,
	snapshots *SnapshotManager,
	pool domain.ContextPool,
	counter domain.TokenCounter,
	bus *EventBus,
	contextSize int,
	logger log.Logger,
) *ContextOrchestrator {
	return &ContextOrchestrator{
		store:         store,
		guard:         guard,
		snapshots:     snapshots,
		pool:          pool,
		counter:       counter,
		bus:           bus,
		logger:        log.NewHelper(log.With(logger, "module", "orchestrator")),
		baseThreshold: store.CompressionThreshold(),
		contextSize:   contextSize,
		tier:          domain.TierForContextSize(contextSize),
		mode:          domain.ModeStandard,
	}
}

// AddMessage 构造并接纳一条消息
func (o *ContextOrchestrator) AddMessage(ctx context.Context, role domain.MessageRole, content string) (*domain.Message, error) {
	msg := domain.NewMessage(o.sessionID(), role, content)
	if err := o.store.AddMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// BuildPrompt 装配提示词：[系统提示, 检查点(以助手消息呈现), 近期消息, 候选消息]
func (o *ContextOrchestrator) BuildPrompt(newMessage *domain.Message) *PromptBuild {
	o.mu.Lock()
	limit := o.contextSize
	o.mu.Unlock()

	c := o.store.CloneConversation()

	assembled := make([]*domain.Message, 0, len(c.Messages)+len(c.Checkpoints)+2)
	if sp := c.SystemPrompt(); sp != nil {
		assembled = append(assembled, sp)
	}
	for _, cp := range c.Checkpoints {
		assembled = append(assembled, &domain.Message{
			ID:         cp.ID,
			SessionID:  c.SessionID,
			Role:       domain.RoleAssistant,
			Content:    "[checkpoint] " + cp.Summary,
			TokenCount: cp.TokenCount,
			CreatedAt:  cp.CreatedAt,
		})
	}
	for _, msg := range c.Messages {
		if msg.Role != domain.RoleSystem {
			assembled = append(assembled, msg)
		}
	}
	if newMessage != nil {
		assembled = append(assembled, newMessage)
	}

	total := o.counter.CountConversationTokens(assembled)

	build := &PromptBuild{
		Messages:    assembled,
		TotalTokens: total,
		Valid:       total <= limit,
	}
	if !build.Valid {
		build.Warnings = append(build.Warnings,
			fmt.Sprintf("prompt exceeds context limit: %d > %d tokens", total, limit))
		build.EmergencyAction = "compression"
	}
	if limit > 0 && float64(total)/float64(limit) > promptUtilizationWarning {
		build.Warnings = append(build.Warnings,
			fmt.Sprintf("context utilization above %.0f%%", promptUtilizationWarning*100))
	}

	return build
}

// UpdateContextSize 调整上下文规模并重算分档
func (o *ContextOrchestrator) UpdateContextSize(ctx context.Context, newSize int) error {
	o.mu.Lock()
	oldSize := o.contextSize
	o.mu.Unlock()

	if o.pool.HasActiveRequests() {
		o.bus.Publish(domain.NewEvent(domain.EventContextResizePending, o.sessionID(), domain.ContextReducedPayload{
			OldSize: oldSize,
			NewSize: newSize,
		}))
	}

	if err := o.store.SetMaxTokens(newSize); err != nil {
		o.bus.Publish(domain.NewEvent(domain.EventContextResizeFailed, o.sessionID(), nil))
		return fmt.Errorf("context resize failed: %w", err)
	}

	o.mu.Lock()
	o.contextSize = newSize
	o.mu.Unlock()

	o.UpdateTier()
	o.bus.Publish(domain.NewEvent(domain.EventConfigUpdated, o.sessionID(), nil))
	return nil
}

// UpdateTier 按固定断点重算分档
func (o *ContextOrchestrator) UpdateTier() domain.Tier {
	o.mu.Lock()
	oldTier := o.tier
	newTier := domain.TierForContextSize(o.contextSize)
	o.tier = newTier
	size := o.contextSize
	o.mu.Unlock()

	if newTier != oldTier {
		o.logger.Infof("tier changed %s -> %s (context size %d)", oldTier, newTier, size)
		o.bus.Publish(domain.NewEvent(domain.EventTierChanged, o.sessionID(), domain.TierChangedPayload{
			OldTier:     oldTier,
			NewTier:     newTier,
			ContextSize: size,
		}))
	}
	return newTier
}

// SetMode 切换运行模式；节约模式提前触发压缩
func (o *ContextOrchestrator) SetMode(mode domain.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidMode, mode)
	}

	o.mu.Lock()
	oldMode := o.mode
	o.mode = mode
	o.mu.Unlock()

	if mode == oldMode {
		return nil
	}

	// 回到标准模式恢复配置基线，不是写死的默认值
	threshold := o.baseThreshold
	if mode == domain.ModeEconomy {
		threshold = o.baseThreshold - economyThresholdDelta
	}
	o.store.SetCompressionThreshold(threshold)

	o.bus.Publish(domain.NewEvent(domain.EventModeChanged, o.sessionID(), domain.ModeChangedPayload{
		OldMode: oldMode,
		NewMode: mode,
	}))
	return nil
}

// Compress 显式压缩（compression-complete 由 MessageStore 发出）
func (o *ContextOrchestrator) Compress(ctx context.Context) (int, error) {
	return o.store.Compress(ctx)
}

// CreateSnapshot 显式创建快照
func (o *ContextOrchestrator) CreateSnapshot(ctx context.Context) (*domain.ContextSnapshot, error) {
	return o.store.CreateSnapshot(ctx)
}

// RestoreSnapshot 恢复快照并替换当前会话状态
func (o *ContextOrchestrator) RestoreSnapshot(ctx context.Context, id string) error {
	restored, err := o.snapshots.RestoreSnapshot(ctx, id)
	if err != nil {
		return err
	}

	o.store.ReplaceContext(restored)
	o.bus.Publish(domain.NewEvent(domain.EventSnapshotRestored, restored.SessionID, domain.SnapshotRestoredPayload{
		SnapshotID: id,
	}))
	return nil
}

// ListSnapshots 列出当前会话的快照
func (o *ContextOrchestrator) ListSnapshots(ctx context.Context) ([]domain.SnapshotMeta, error) {
	return o.snapshots.ListSnapshots(ctx, o.sessionID())
}

// DeleteSnapshot 删除快照
func (o *ContextOrchestrator) DeleteSnapshot(ctx context.Context, id string) error {
	return o.snapshots.DeleteSnapshot(ctx, id)
}

// Usage 当前使用率视图
func (o *ContextOrchestrator) Usage() domain.ContextUsage {
	return o.pool.Usage()
}

// Budget 当前预算视图
func (o *ContextOrchestrator) Budget() domain.ContextBudget {
	return o.store.Budget()
}

// CheckMemory 手动触发一次内存等级检查
func (o *ContextOrchestrator) CheckMemory(ctx context.Context) (domain.MemoryLevel, error) {
	return o.store.CheckMemory(ctx)
}

// ClearContext 清空会话上下文
func (o *ContextOrchestrator) ClearContext(ctx context.Context) {
	o.store.Clear(ctx)
}

// ReportInflightTokens 透传在途 Token 上报
func (o *ContextOrchestrator) ReportInflightTokens(delta int) {
	o.store.ReportInflightTokens(delta)
}

// ClearInflightTokens 透传在途清零
func (o *ContextOrchestrator) ClearInflightTokens() {
	o.store.ClearInflightTokens()
}

// Tier 当前分档
func (o *ContextOrchestrator) Tier() domain.Tier {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tier
}

// Mode 当前模式
func (o *ContextOrchestrator) Mode() domain.Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

func (o *ContextOrchestrator) sessionID() string {
	return o.store.Conversation().SessionID
}
