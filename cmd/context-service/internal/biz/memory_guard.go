package biz

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"contextd/cmd/context-service/internal/domain"
	"contextd/cmd/context-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
)

// CRITICAL 等级的强制缩减比例
const criticalShrinkRatio = 0.20

// 紧急事件附带的固定恢复建议
var emergencyRecoveryOptions = []string{
	"restore the conversation from a snapshot",
	"shrink the context size to reduce pressure",
	"enable automatic compression",
}

// LevelCallback 内存等级回调
type LevelCallback func(level domain.MemoryLevel, usage domain.ContextUsage)

// remediationTarget MemoryGuard 自动处置时操作的宿主（由 MessageStore 提供）。
// 所有方法都在 MessageStore 持锁状态下被调用。
type remediationTarget interface {
	compressForGuard(ctx context.Context) (int, error)
	snapshotForGuard(ctx context.Context) (string, error)
	emergencyClearForGuard(ctx context.Context) error
	conversation() *domain.ConversationContext
}

// MemoryGuard 三级内存守卫
//
// 等级只由瞬时使用率决定，每次检查重新计算，无滞回。
type MemoryGuard struct {
	config domain.MemoryGuardConfig
	pool   domain.ContextPool
	vram   domain.VRAMMonitor
	bus    *EventBus
	logger *log.Helper

	target remediationTarget

	mu        sync.Mutex
	callbacks map[domain.MemoryLevel][]LevelCallback
	// 回调函数指针集合，同一等级的重复注册折叠为一次
	registered map[domain.MemoryLevel]map[uintptr]struct{}
}

// NewMemoryGuard 创建守卫；配置不合法时返回错误
func NewMemoryGuard(config domain.MemoryGuardConfig, pool domain.ContextPool, vram domain.VRAMMonitor, bus *EventBus, logger log.Logger) (*MemoryGuard, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &MemoryGuard{
		config:     config,
		pool:       pool,
		vram:       vram,
		bus:        bus,
		logger:     log.NewHelper(log.With(logger, "module", "memory-guard")),
		callbacks:  make(map[domain.MemoryLevel][]LevelCallback),
		registered: make(map[domain.MemoryLevel]map[uintptr]struct{}),
	}, nil
}

// BindTarget 绑定处置宿主（由 MessageStore 在构造时调用）
func (g *MemoryGuard) BindTarget(target remediationTarget) {
	g.target = target
}

// Config 当前配置
func (g *MemoryGuard) Config() domain.MemoryGuardConfig {
	return g.config
}

// CanAllocate 接纳判定：比"未满"更保守
//
// current+tokens 必须严格低于 soft*max，且低于安全缓冲上限。
func (g *MemoryGuard) CanAllocate(tokens int) bool {
	usage := g.pool.Usage()
	if usage.MaxTokens <= 0 {
		return false
	}

	projected := float64(usage.CurrentTokens + tokens)
	softCeiling := g.config.Thresholds.Soft * float64(usage.MaxTokens)
	bufferCeiling := (1 - g.config.SafetyBuffer) * float64(usage.MaxTokens)

	return projected < softCeiling && projected < bufferCeiling
}

// RegisterLevelCallback 注册等级回调；同一函数在同一等级重复注册只生效一次
func (g *MemoryGuard) RegisterLevelCallback(level domain.MemoryLevel, cb LevelCallback) {
	ptr := reflect.ValueOf(cb).Pointer()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.registered[level] == nil {
		g.registered[level] = make(map[uintptr]struct{})
	}
	if _, dup := g.registered[level][ptr]; dup {
		return
	}
	g.registered[level][ptr] = struct{}{}
	g.callbacks[level] = append(g.callbacks[level], cb)
}

// CheckMemoryLevelAndAct 计算当前等级，触发回调，并只执行当前等级的自动处置
func (g *MemoryGuard) CheckMemoryLevelAndAct(ctx context.Context) (domain.MemoryLevel, error) {
	usage := g.pool.Usage()
	level := g.config.LevelFor(usage.Percentage)
	metrics.MemoryLevel.Set(float64(level))

	g.mu.Lock()
	cbs := make([]LevelCallback, len(g.callbacks[level]))
	copy(cbs, g.callbacks[level])
	g.mu.Unlock()

	for _, cb := range cbs {
		cb(level, usage)
	}

	switch level {
	case domain.MemoryLevelNormal:
		// 无动作

	case domain.MemoryLevelWarning:
		metrics.MemoryLevelTransitions.WithLabelValues(level.String()).Inc()
		g.triggerCompression(ctx, usage)

	case domain.MemoryLevelCritical:
		metrics.MemoryLevelTransitions.WithLabelValues(level.String()).Inc()
		if err := g.forceReduction(usage); err != nil {
			return level, err
		}

	case domain.MemoryLevelEmergency:
		metrics.MemoryLevelTransitions.WithLabelValues(level.String()).Inc()
		g.executeEmergencyActions(ctx)
	}

	return level, nil
}

// triggerCompression WARNING 等级：尽力压缩，失败只记日志
func (g *MemoryGuard) triggerCompression(ctx context.Context, usage domain.ContextUsage) {
	if g.target == nil {
		return
	}

	freed, err := g.target.compressForGuard(ctx)
	if err != nil {
		g.logger.Warnf("automatic compression failed at %.0f%% usage: %v", usage.Percentage*100, err)
		return
	}
	g.logger.Infof("automatic compression freed %d tokens", freed)
}

// forceReduction CRITICAL 等级：强制缩减 20% 上限
func (g *MemoryGuard) forceReduction(usage domain.ContextUsage) error {
	oldMax := usage.MaxTokens
	newMax := int(float64(oldMax) * (1 - criticalShrinkRatio))

	if g.pool.HasActiveRequests() {
		g.bus.Publish(domain.NewEvent(domain.EventContextResizePending, g.sessionID(), domain.ContextReducedPayload{
			OldSize: oldMax,
			NewSize: newMax,
		}))
	}

	if err := g.pool.Resize(newMax); err != nil {
		g.bus.Publish(domain.NewEvent(domain.EventContextResizeFailed, g.sessionID(), nil))
		return fmt.Errorf("forced reduction failed: %w", err)
	}

	g.logger.Warnf("critical memory level: context reduced %d -> %d tokens", oldMax, newMax)
	g.bus.Publish(domain.NewEvent(domain.EventContextReduced, g.sessionID(), domain.ContextReducedPayload{
		OldSize: oldMax,
		NewSize: newMax,
	}))
	return nil
}

// executeEmergencyActions EMERGENCY 等级处置
//
// 每一步独立兜底，任一步失败不阻断后续步骤；无论内部成败，
// 最终都发出一条带可执行恢复建议的 emergency 事件。
func (g *MemoryGuard) executeEmergencyActions(ctx context.Context) {
	if g.target == nil {
		return
	}

	var actions []string
	clearFailed := false

	// 1. 仅在存在用户消息时创建快照：空快照没有恢复价值
	if g.target.conversation().UserMessageCount() > 0 {
		if id, err := g.target.snapshotForGuard(ctx); err != nil {
			g.logger.Errorf("emergency snapshot failed: %v", err)
		} else {
			actions = append(actions, "snapshot-created:"+id)
		}
	} else {
		g.logger.Warnf("emergency snapshot skipped: context has no user messages")
	}

	// 2. 截断到仅剩系统提示并同步池计数
	if err := g.target.emergencyClearForGuard(ctx); err != nil {
		g.logger.Errorf("emergency clear failed: %v", err)
		clearFailed = true
	} else {
		actions = append(actions, "context-cleared")
	}

	// 3. 采集显存与使用率（失败时保持零值）
	var vramInfo domain.VRAMInfo
	if g.vram != nil {
		if info, err := g.vram.Info(ctx); err != nil {
			g.logger.Warnf("vram probe failed during emergency: %v", err)
		} else {
			vramInfo = info
		}
	}
	usage := g.pool.Usage()

	// 4. 单条 emergency 事件汇总实际执行的处置
	g.bus.Publish(domain.NewEvent(domain.EventEmergency, g.sessionID(), domain.EmergencyPayload{
		Actions:         actions,
		VRAMInfo:        vramInfo,
		Usage:           usage,
		RecoveryOptions: emergencyRecoveryOptions,
	}))

	if clearFailed {
		g.bus.Publish(domain.NewEvent(domain.EventEmergencyFailed, g.sessionID(), nil))
	}
}

func (g *MemoryGuard) sessionID() string {
	if g.target == nil {
		return ""
	}
	return g.target.conversation().SessionID
}
