package domain

import "fmt"

// MemoryLevel 内存压力等级
type MemoryLevel int

const (
	MemoryLevelNormal    MemoryLevel = iota // < soft
	MemoryLevelWarning                      // >= soft：触发压缩
	MemoryLevelCritical                     // >= hard：强制缩减上下文
	MemoryLevelEmergency                    // >= critical：快照 + 清空
)

// String 返回等级名称
func (l MemoryLevel) String() string {
	switch l {
	case MemoryLevelNormal:
		return "normal"
	case MemoryLevelWarning:
		return "warning"
	case MemoryLevelCritical:
		return "critical"
	case MemoryLevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// MemoryThresholds 三级阈值，取值为占 MaxTokens 的比例
type MemoryThresholds struct {
	Soft     float64 `json:"soft" mapstructure:"soft"`
	Hard     float64 `json:"hard" mapstructure:"hard"`
	Critical float64 `json:"critical" mapstructure:"critical"`
}

// MemoryGuardConfig MemoryGuard 配置
type MemoryGuardConfig struct {
	SafetyBuffer float64          `json:"safety_buffer" mapstructure:"safety_buffer"`
	Thresholds   MemoryThresholds `json:"thresholds" mapstructure:"thresholds"`
}

// DefaultMemoryGuardConfig 默认配置
func DefaultMemoryGuardConfig() MemoryGuardConfig {
	return MemoryGuardConfig{
		SafetyBuffer: 0.05,
		Thresholds: MemoryThresholds{
			Soft:     0.75,
			Hard:     0.90,
			Critical: 0.98,
		},
	}
}

// Validate 校验不变量 0 < soft < hard < critical <= 1
func (c MemoryGuardConfig) Validate() error {
	t := c.Thresholds
	if !(t.Soft > 0 && t.Soft < t.Hard && t.Hard < t.Critical && t.Critical <= 1) {
		return fmt.Errorf("%w: soft=%.2f hard=%.2f critical=%.2f",
			ErrInvalidThresholds, t.Soft, t.Hard, t.Critical)
	}
	if c.SafetyBuffer < 0 || c.SafetyBuffer >= 1 {
		return fmt.Errorf("%w: safety_buffer=%.2f", ErrInvalidThresholds, c.SafetyBuffer)
	}
	return nil
}

// LevelFor 根据使用率计算等级（每次重新计算，无滞回）
func (c MemoryGuardConfig) LevelFor(percentage float64) MemoryLevel {
	t := c.Thresholds
	switch {
	case percentage >= t.Critical:
		return MemoryLevelEmergency
	case percentage >= t.Hard:
		return MemoryLevelCritical
	case percentage >= t.Soft:
		return MemoryLevelWarning
	default:
		return MemoryLevelNormal
	}
}
