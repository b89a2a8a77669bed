package biz

import (
	"strings"
	"testing"

	"contextd/cmd/context-service/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestHeuristicTokenCounter_CountTokens(t *testing.T) {
	counter := NewHeuristicTokenCounter(0)

	// 默认 4 字符 1 token
	assert.Equal(t, 0, counter.CountTokens(""))
	assert.Equal(t, 1, counter.CountTokens("ab"))
	assert.Equal(t, 1, counter.CountTokens("abcd"))
	assert.Equal(t, 25, counter.CountTokens(strings.Repeat("x", 100)))
}

func TestHeuristicTokenCounter_CachedByMessageID(t *testing.T) {
	counter := NewHeuristicTokenCounter(1)

	first := counter.CountTokensCached("msg_1", "hello")
	assert.Equal(t, 5, first)

	// 同一 ID 命中缓存，内容变化不影响结果
	again := counter.CountTokensCached("msg_1", "a much longer body")
	assert.Equal(t, 5, again)

	counter.ClearCache()
	fresh := counter.CountTokensCached("msg_1", "a much longer body")
	assert.Equal(t, 18, fresh)
}

func TestHeuristicTokenCounter_ConversationTotalUsesAssignedCounts(t *testing.T) {
	counter := NewHeuristicTokenCounter(1)

	counted := domain.NewMessage("sess_1", domain.RoleUser, "irrelevant content")
	counted.TokenCount = 42
	uncounted := domain.NewMessage("sess_1", domain.RoleAssistant, "abcde")

	total := counter.CountConversationTokens([]*domain.Message{counted, uncounted})
	assert.Equal(t, 47, total)
}
