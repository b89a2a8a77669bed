package service

import (
	"context"

	"contextd/cmd/context-service/internal/biz"
	"contextd/cmd/context-service/internal/domain"
)

// ContextService 上下文服务实现
type ContextService struct {
	orchestrator *biz.ContextOrchestrator
}

// NewContextService 创建上下文服务
func NewContextService(orchestrator *biz.ContextOrchestrator) *ContextService {
	return &ContextService{
		orchestrator: orchestrator,
	}
}

// AddMessage 接纳一条消息
func (s *ContextService) AddMessage(ctx context.Context, role domain.MessageRole, content string) (*domain.Message, error) {
	return s.orchestrator.AddMessage(ctx, role, content)
}

// BuildPrompt 装配提示词
func (s *ContextService) BuildPrompt(newMessage *domain.Message) *biz.PromptBuild {
	return s.orchestrator.BuildPrompt(newMessage)
}

// Usage 当前使用率
func (s *ContextService) Usage() domain.ContextUsage {
	return s.orchestrator.Usage()
}

// Budget 当前预算视图
func (s *ContextService) Budget() domain.ContextBudget {
	return s.orchestrator.Budget()
}

// CheckMemory 触发一次内存等级检查
func (s *ContextService) CheckMemory(ctx context.Context) (domain.MemoryLevel, error) {
	return s.orchestrator.CheckMemory(ctx)
}

// Compress 显式压缩
func (s *ContextService) Compress(ctx context.Context) (int, error) {
	return s.orchestrator.Compress(ctx)
}

// ClearContext 清空上下文
func (s *ContextService) ClearContext(ctx context.Context) {
	s.orchestrator.ClearContext(ctx)
}

// CreateSnapshot 创建快照
func (s *ContextService) CreateSnapshot(ctx context.Context) (*domain.ContextSnapshot, error) {
	return s.orchestrator.CreateSnapshot(ctx)
}

// RestoreSnapshot 恢复快照
func (s *ContextService) RestoreSnapshot(ctx context.Context, id string) error {
	return s.orchestrator.RestoreSnapshot(ctx, id)
}

// ListSnapshots 列出快照
func (s *ContextService) ListSnapshots(ctx context.Context) ([]domain.SnapshotMeta, error) {
	return s.orchestrator.ListSnapshots(ctx)
}

// DeleteSnapshot 删除快照
func (s *ContextService) DeleteSnapshot(ctx context.Context, id string) error {
	return s.orchestrator.DeleteSnapshot(ctx, id)
}

// UpdateContextSize 调整上下文规模
func (s *ContextService) UpdateContextSize(ctx context.Context, newSize int) error {
	return s.orchestrator.UpdateContextSize(ctx, newSize)
}

// SetMode 切换运行模式
func (s *ContextService) SetMode(mode domain.Mode) error {
	return s.orchestrator.SetMode(mode)
}

// Tier 当前分档
func (s *ContextService) Tier() domain.Tier {
	return s.orchestrator.Tier()
}

// Mode 当前模式
func (s *ContextService) Mode() domain.Mode {
	return s.orchestrator.Mode()
}

// ReportInflightTokens 流式生成期间上报增量 Token
func (s *ContextService) ReportInflightTokens(delta int) {
	s.orchestrator.ReportInflightTokens(delta)
}

// ClearInflightTokens 流式结束后清零在途计数
func (s *ContextService) ClearInflightTokens() {
	s.orchestrator.ClearInflightTokens()
}
