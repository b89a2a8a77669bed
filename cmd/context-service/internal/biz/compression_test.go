package biz

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"contextd/cmd/context-service/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
)

func TestCompressor_BelowRetentionWindowKeepsEverything(t *testing.T) {
	counter := NewHeuristicTokenCounter(1)
	compressor := NewCompressor(&MockAIClient{}, counter, log.DefaultLogger)

	// 准备测试数据：不足保留窗口的短会话
	now := time.Now()
	messages := []*domain.Message{
		seedMessage(domain.RoleSystem, "be helpful", now),
		seedMessage(domain.RoleUser, "hello", now.Add(time.Second)),
		seedMessage(domain.RoleAssistant, "hi there", now.Add(2*time.Second)),
	}

	// 执行压缩
	result, err := compressor.Compress(context.Background(), messages, domain.StrategySummarize)

	// 验证结果：全部保留，无摘要
	assert.NoError(t, err)
	assert.Len(t, result.Preserved, 3)
	assert.Empty(t, result.Summary)
}

func TestCompressor_SummarizesEarlyHistory(t *testing.T) {
	counter := NewHeuristicTokenCounter(1)
	ai := &MockAIClient{
		GenerateFunc: func(ctx context.Context, prompt string, maxTokens int) (string, error) {
			assert.Contains(t, prompt, "Summarize the following conversation")
			return "  user asked about the weather  ", nil
		},
	}
	compressor := NewCompressor(ai, counter, log.DefaultLogger)

	// 准备测试数据：系统提示 + 14 条对话
	now := time.Now()
	messages := []*domain.Message{seedMessage(domain.RoleSystem, "be helpful", now)}
	for i := 0; i < 14; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		messages = append(messages, seedMessage(role, fmt.Sprintf("message number %d", i), now.Add(time.Duration(i)*time.Second)))
	}

	// 执行压缩
	result, err := compressor.Compress(context.Background(), messages, domain.StrategySummarize)

	// 验证结果：系统提示在首位，保留最近 10 条，早期历史产出摘要
	assert.NoError(t, err)
	assert.Len(t, result.Preserved, 11)
	assert.Equal(t, domain.RoleSystem, result.Preserved[0].Role)
	assert.Equal(t, "message number 13", result.Preserved[10].Content)
	assert.Equal(t, "user asked about the weather", result.Summary)
	assert.Equal(t, counter.CountConversationTokens(result.Preserved), result.CompressedTokens)
}

func TestCompressor_RecentStrategySkipsSummarization(t *testing.T) {
	counter := NewHeuristicTokenCounter(1)
	called := false
	ai := &MockAIClient{
		GenerateFunc: func(ctx context.Context, prompt string, maxTokens int) (string, error) {
			called = true
			return "should not be used", nil
		},
	}
	compressor := NewCompressor(ai, counter, log.DefaultLogger)

	now := time.Now()
	var messages []*domain.Message
	for i := 0; i < 15; i++ {
		messages = append(messages, seedMessage(domain.RoleUser, fmt.Sprintf("msg %d", i), now.Add(time.Duration(i)*time.Second)))
	}

	result, err := compressor.Compress(context.Background(), messages, domain.StrategyRecent)

	assert.NoError(t, err)
	assert.False(t, called)
	assert.Len(t, result.Preserved, 10)
	assert.Empty(t, result.Summary)
}

func TestCompressor_FallsBackWhenSummarizationFails(t *testing.T) {
	counter := NewHeuristicTokenCounter(1)
	ai := &MockAIClient{
		GenerateFunc: func(ctx context.Context, prompt string, maxTokens int) (string, error) {
			return "", errors.New("model unavailable")
		},
	}
	compressor := NewCompressor(ai, counter, log.DefaultLogger)

	now := time.Now()
	var messages []*domain.Message
	for i := 0; i < 15; i++ {
		messages = append(messages, seedMessage(domain.RoleUser, fmt.Sprintf("msg %d", i), now.Add(time.Duration(i)*time.Second)))
	}

	// 摘要失败降级为纯保留策略，不向调用方报错
	result, err := compressor.Compress(context.Background(), messages, domain.StrategySummarize)

	assert.NoError(t, err)
	assert.Len(t, result.Preserved, 10)
	assert.Empty(t, result.Summary)
}
