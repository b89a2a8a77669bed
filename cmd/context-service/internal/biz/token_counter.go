package biz

import (
	"sync"

	"contextd/cmd/context-service/internal/domain"
)

// 默认估算系数：约 4 字符 = 1 token
const defaultCharsPerToken = 4

// HeuristicTokenCounter 启发式 Token 估算器
//
// 结果按消息 ID 记忆化；估算是近似值，精确计数属于非目标。
type HeuristicTokenCounter struct {
	charsPerToken int

	mu    sync.RWMutex
	cache map[string]int
}

// NewHeuristicTokenCounter 创建估算器；charsPerToken <= 0 时取默认值
func NewHeuristicTokenCounter(charsPerToken int) *HeuristicTokenCounter {
	if charsPerToken <= 0 {
		charsPerToken = defaultCharsPerToken
	}
	return &HeuristicTokenCounter{
		charsPerToken: charsPerToken,
		cache:         make(map[string]int),
	}
}

// CountTokens 估算文本 Token 数
func (c *HeuristicTokenCounter) CountTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / c.charsPerToken
	if n < 1 {
		n = 1
	}
	return n
}

// CountTokensCached 按消息 ID 记忆化估算
func (c *HeuristicTokenCounter) CountTokensCached(id, text string) int {
	c.mu.RLock()
	cached, ok := c.cache[id]
	c.mu.RUnlock()
	if ok {
		return cached
	}

	n := c.CountTokens(text)

	c.mu.Lock()
	c.cache[id] = n
	c.mu.Unlock()

	return n
}

// CountConversationTokens 估算消息列表的 Token 总数
//
// 已被 MessageStore 赋值过 TokenCount 的消息直接采用该值，
// 保证逐出后从头累加不会与接纳时的口径漂移。
func (c *HeuristicTokenCounter) CountConversationTokens(messages []*domain.Message) int {
	total := 0
	for _, msg := range messages {
		if msg.TokenCount > 0 {
			total += msg.TokenCount
		} else {
			total += c.CountTokens(msg.Content)
		}
	}
	return total
}

// ClearCache 清空记忆化缓存
func (c *HeuristicTokenCounter) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]int)
	c.mu.Unlock()
}
