package domain

// Tier 上下文规模分档，用于选择提示词/行为配置
type Tier string

const (
	TierT1 Tier = "T1" // <= 4096
	TierT2 Tier = "T2" // <= 8192
	TierT3 Tier = "T3" // <= 16384
	TierT4 Tier = "T4" // <= 32768
	TierT5 Tier = "T5" // > 32768
)

// String 返回分档标识
func (t Tier) String() string {
	return string(t)
}

// TierForContextSize 按固定断点计算分档
func TierForContextSize(contextSize int) Tier {
	switch {
	case contextSize <= 4096:
		return TierT1
	case contextSize <= 8192:
		return TierT2
	case contextSize <= 16384:
		return TierT3
	case contextSize <= 32768:
		return TierT4
	default:
		return TierT5
	}
}

// Mode 运行模式
type Mode string

const (
	// ModeStandard 标准模式：压缩阈值按配置执行
	ModeStandard Mode = "standard"
	// ModeEconomy 节约模式：提前触发压缩，换取更多可用预算
	ModeEconomy Mode = "economy"
)

// Valid 模式是否合法
func (m Mode) Valid() bool {
	return m == ModeStandard || m == ModeEconomy
}
