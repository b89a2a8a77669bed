package biz

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"contextd/cmd/context-service/internal/domain"
	"contextd/cmd/context-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// onBeforeOverflow 回调的固定阈值
const beforeOverflowFraction = 0.95

// 摘要中单条消息的最大展示长度（仅影响展示，不影响数据完整性）
const summaryExcerptLen = 60

type thresholdCallback struct {
	fraction float64
	fn       func(current, max int)
}

// SnapshotManager 快照管理器
//
// 负责创建/恢复/列举/删除快照、滚动保留以及阈值回调分发。
// UserMessages 的完整性是硬保证：创建时逐字拷贝全部用户消息。
type SnapshotManager struct {
	storage  domain.SnapshotStorage
	archiver domain.SnapshotArchiver
	config   domain.SnapshotConfig
	logger   *log.Helper

	mu             sync.Mutex
	sessionID      string
	callbacks      []thresholdCallback
	lastPercentage float64
	autoSnapshotFn func()
}

// NewSnapshotManager 创建快照管理器；archiver 可为 nil
func NewSnapshotManager(storage domain.SnapshotStorage, archiver domain.SnapshotArchiver, config domain.SnapshotConfig, logger log.Logger) *SnapshotManager {
	return &SnapshotManager{
		storage:  storage,
		archiver: archiver,
		config:   config,
		logger:   log.NewHelper(log.With(logger, "module", "snapshot-manager")),
	}
}

// SetSession 绑定会话
func (m *SnapshotManager) SetSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = sessionID
}

// Config 当前配置
func (m *SnapshotManager) Config() domain.SnapshotConfig {
	return m.config
}

// SetAutoSnapshotFunc 注入自动快照动作（由 MessageStore 提供，经后台队列执行）
func (m *SnapshotManager) SetAutoSnapshotFunc(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoSnapshotFn = fn
}

// CreateSnapshot 为给定上下文创建快照并执行滚动保留
func (m *SnapshotManager) CreateSnapshot(ctx context.Context, c *domain.ConversationContext, trigger string) (*domain.ContextSnapshot, error) {
	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()

	if sessionID == "" {
		return nil, domain.ErrSessionNotSet
	}
	if !m.config.Enabled {
		return nil, domain.ErrSnapshotDisabled
	}

	// 用户消息逐字完整拷贝；其余消息（含 system）归入 Messages
	var userMessages, otherMessages []*domain.Message
	for _, msg := range c.Messages {
		if msg.Role == domain.RoleUser {
			userMessages = append(userMessages, msg.Clone())
		} else {
			otherMessages = append(otherMessages, msg.Clone())
		}
	}

	archived := make([]*domain.Message, 0, len(c.ArchivedUserMessages))
	for _, msg := range c.ArchivedUserMessages {
		archived = append(archived, msg.Clone())
	}

	snapshot := &domain.ContextSnapshot{
		ID:                   "snap_" + uuid.New().String(),
		SessionID:            sessionID,
		Timestamp:            time.Now(),
		TokenCount:           c.TokenCount,
		Summary:              buildSummary(userMessages),
		UserMessages:         userMessages,
		ArchivedUserMessages: archived,
		Messages:             otherMessages,
		Metadata: domain.SnapshotMetadata{
			ContextSize:       c.MaxTokens,
			TotalUserMessages: len(userMessages) + len(archived),
			TotalCheckpoints:  len(c.Checkpoints),
		},
	}
	if model, ok := c.Metadata["model"]; ok {
		snapshot.Metadata.Model = model
	}

	if err := m.storage.Save(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}

	metrics.SnapshotsCreated.WithLabelValues(trigger).Inc()
	m.logger.Infof("snapshot %s created for session %s: %d user messages, %d tokens",
		snapshot.ID, sessionID, len(userMessages), snapshot.TokenCount)

	if err := m.enforceRetention(ctx, sessionID); err != nil {
		// 保留策略失败不影响已创建的快照
		m.logger.Warnf("rolling retention failed: %v", err)
	}

	return snapshot, nil
}

// RestoreSnapshot 按 ID 恢复快照为完整的会话上下文
func (m *SnapshotManager) RestoreSnapshot(ctx context.Context, id string) (*domain.ConversationContext, error) {
	start := time.Now()

	snapshot, err := m.storage.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("restore snapshot %s: %w", id, err)
	}

	// userMessages 与 messages 按时间戳稳定归并；相同时间戳保持原有相对顺序。
	// 旧版快照没有独立的 userMessages 字段，全部消息都在 Messages 里，
	// 归并自然退化为单一来源。
	merged := make([]*domain.Message, 0, len(snapshot.UserMessages)+len(snapshot.Messages))
	merged = append(merged, snapshot.UserMessages...)
	merged = append(merged, snapshot.Messages...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})

	restored := domain.NewConversationContext(snapshot.SessionID, snapshot.Metadata.ContextSize)
	restored.Messages = merged
	restored.TokenCount = snapshot.TokenCount
	for _, msg := range snapshot.ArchivedUserMessages {
		restored.ArchivedUserMessages = append(restored.ArchivedUserMessages, msg.Clone())
	}

	metrics.SnapshotRestoreDuration.Observe(time.Since(start).Seconds())
	m.logger.Infof("snapshot %s restored: %d messages, %d tokens", id, len(merged), restored.TokenCount)

	return restored, nil
}

// ListSnapshots 列出会话的快照元数据；损坏条目跳过并告警
func (m *SnapshotManager) ListSnapshots(ctx context.Context, sessionID string) ([]domain.SnapshotMeta, error) {
	metas, err := m.storage.List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	out := make([]domain.SnapshotMeta, 0, len(metas))
	for _, meta := range metas {
		ok, err := m.storage.Verify(ctx, meta.ID)
		if err != nil || !ok {
			m.logger.Warnf("skipping unreadable snapshot %s: %v", meta.ID, err)
			continue
		}
		out = append(out, meta)
	}

	return out, nil
}

// DeleteSnapshot 删除快照
func (m *SnapshotManager) DeleteSnapshot(ctx context.Context, id string) error {
	return m.storage.Delete(ctx, id)
}

// OnContextThreshold 注册阈值回调；fraction 为使用率比例
func (m *SnapshotManager) OnContextThreshold(fraction float64, fn func(current, max int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, thresholdCallback{fraction: fraction, fn: fn})
}

// OnBeforeOverflow 注册临近溢出回调（固定 95% 阈值）
func (m *SnapshotManager) OnBeforeOverflow(fn func(current, max int)) {
	m.OnContextThreshold(beforeOverflowFraction, fn)
}

// CheckThresholds 计算使用率并触发所有本次越过阈值的回调
//
// 外部注册的回调不受 AutoCreate 开关约束；自动快照动作额外受其约束。
func (m *SnapshotManager) CheckThresholds(current, max int) {
	if max <= 0 {
		return
	}
	pct := float64(current) / float64(max)

	m.mu.Lock()
	last := m.lastPercentage
	m.lastPercentage = pct
	cbs := make([]thresholdCallback, len(m.callbacks))
	copy(cbs, m.callbacks)
	autoFn := m.autoSnapshotFn
	autoCreate := m.config.AutoCreate && m.config.Enabled
	autoThreshold := m.config.AutoThreshold
	m.mu.Unlock()

	for _, cb := range cbs {
		if pct >= cb.fraction && last < cb.fraction {
			cb.fn(current, max)
		}
	}

	if autoCreate && autoFn != nil && pct >= autoThreshold && last < autoThreshold {
		autoFn()
	}
}

// enforceRetention 滚动保留：超过 MaxCount 时删除最旧的快照，恰好保留 MaxCount 个
func (m *SnapshotManager) enforceRetention(ctx context.Context, sessionID string) error {
	if m.config.MaxCount <= 0 {
		return nil
	}

	metas, err := m.storage.List(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(metas) <= m.config.MaxCount {
		return nil
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].Timestamp.Before(metas[j].Timestamp)
	})

	excess := metas[:len(metas)-m.config.MaxCount]
	for _, meta := range excess {
		m.archiveBeforeDelete(ctx, meta.ID)
		if err := m.storage.Delete(ctx, meta.ID); err != nil {
			return fmt.Errorf("delete snapshot %s: %w", meta.ID, err)
		}
		metrics.SnapshotsDeleted.Inc()
		m.logger.Infof("rolling retention removed snapshot %s", meta.ID)
	}

	return nil
}

// archiveBeforeDelete 淘汰前冷归档；归档失败只记日志，不阻断清理
func (m *SnapshotManager) archiveBeforeDelete(ctx context.Context, id string) {
	if m.archiver == nil {
		return
	}

	snapshot, err := m.storage.Load(ctx, id)
	if err != nil {
		m.logger.Warnf("cannot load snapshot %s for archival: %v", id, err)
		return
	}
	if err := m.archiver.Archive(ctx, snapshot); err != nil {
		m.logger.Warnf("archive of snapshot %s failed: %v", id, err)
	}
}

// buildSummary 基于首末两条用户消息生成人类可读摘要（仅展示用）
func buildSummary(userMessages []*domain.Message) string {
	if len(userMessages) == 0 {
		return "no user messages"
	}

	first := excerpt(userMessages[0].Content)
	if len(userMessages) == 1 {
		return first
	}
	last := excerpt(userMessages[len(userMessages)-1].Content)
	return fmt.Sprintf("%s ... %s", first, last)
}

func excerpt(s string) string {
	if len(s) <= summaryExcerptLen {
		return s
	}
	return s[:summaryExcerptLen] + "…"
}
