package domain

// ContextUsage 上下文使用率视图（按需计算，不落盘）
type ContextUsage struct {
	CurrentTokens int     `json:"current_tokens"`
	MaxTokens     int     `json:"max_tokens"`
	Percentage    float64 `json:"percentage"`
	VRAMUsed      int64   `json:"vram_used"`
	VRAMTotal     int64   `json:"vram_total"`
}

// VRAMInfo 显存信息
type VRAMInfo struct {
	Used  int64 `json:"used"`
	Total int64 `json:"total"`
}

// ContextBudget 预算视图：从总量中扣除系统提示与检查点的保留份额
//
// BudgetPercentage 与 ContextUsage.Percentage 是两个独立口径：
// 前者用于压缩判定，后者用于 MemoryGuard 分级。
type ContextBudget struct {
	TotalContextSize   int     `json:"total_context_size"`
	SystemPromptTokens int     `json:"system_prompt_tokens"`
	CheckpointTokens   int     `json:"checkpoint_tokens"`
	AvailableBudget    int     `json:"available_budget"`
	ConversationTokens int     `json:"conversation_tokens"`
	BudgetPercentage   float64 `json:"budget_percentage"`
}

// NewContextBudget 基于当前上下文计算预算视图
func NewContextBudget(c *ConversationContext) ContextBudget {
	systemTokens := 0
	if sp := c.SystemPrompt(); sp != nil {
		systemTokens = sp.TokenCount
	}
	checkpointTokens := c.CheckpointTokens()

	available := c.MaxTokens - systemTokens - checkpointTokens
	if available < 0 {
		available = 0
	}

	conversation := c.TokenCount - systemTokens
	if conversation < 0 {
		conversation = 0
	}

	pct := 0.0
	if available > 0 {
		pct = float64(conversation) / float64(available)
	} else if conversation > 0 {
		pct = 1.0
	}

	return ContextBudget{
		TotalContextSize:   c.MaxTokens,
		SystemPromptTokens: systemTokens,
		CheckpointTokens:   checkpointTokens,
		AvailableBudget:    available,
		ConversationTokens: conversation,
		BudgetPercentage:   pct,
	}
}
