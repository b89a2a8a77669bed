package biz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"contextd/cmd/context-service/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/sony/gobreaker"
)

// 压缩时保留的最近非系统消息数
const compressionKeepRecent = 10

// AIClient 摘要生成客户端
type AIClient interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Compressor CompressionService 实现
//
// 两级策略：优先仅保留系统消息 + 最近消息；早期历史足够多时
// 调用 LLM 生成摘要。摘要调用经熔断器保护，熔断或失败时回退
// 到纯保留策略。
type Compressor struct {
	aiClient AIClient
	counter  domain.TokenCounter
	breaker  *gobreaker.CircuitBreaker
	logger   *log.Helper
}

// NewCompressor 创建压缩器
func NewCompressor(aiClient AIClient, counter domain.TokenCounter, logger log.Logger) *Compressor {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "compression-summarizer",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return &Compressor{
		aiClient: aiClient,
		counter:  counter,
		breaker:  breaker,
		logger:   log.NewHelper(log.With(logger, "module", "compressor")),
	}
}

// Compress 压缩消息序列
func (c *Compressor) Compress(ctx context.Context, messages []*domain.Message, strategy domain.CompressionStrategy) (*domain.CompressionResult, error) {
	system, nonSystem := partitionSystem(messages)

	recent := nonSystem
	var middle []*domain.Message
	if len(nonSystem) > compressionKeepRecent {
		middle = nonSystem[:len(nonSystem)-compressionKeepRecent]
		recent = nonSystem[len(nonSystem)-compressionKeepRecent:]
	}

	preserved := make([]*domain.Message, 0, len(system)+len(recent))
	preserved = append(preserved, system...)
	preserved = append(preserved, recent...)

	result := &domain.CompressionResult{
		Preserved:        preserved,
		CompressedTokens: c.counter.CountConversationTokens(preserved),
	}

	if strategy != domain.StrategySummarize || len(middle) == 0 {
		return result, nil
	}

	summary, err := c.summarize(ctx, middle)
	if err != nil {
		c.logger.Warnf("summarization failed, falling back to retention-only: %v", err)
		return result, nil
	}

	result.Summary = summary
	return result, nil
}

// summarize 通过 LLM 总结早期历史
func (c *Compressor) summarize(ctx context.Context, messages []*domain.Message) (string, error) {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation concisely, capturing the key points and context:\n\n")
	for _, msg := range messages {
		sb.WriteString(fmt.Sprintf("%s: %s\n", msg.Role, msg.Content))
	}
	sb.WriteString("\nProvide a concise summary (max 200 words) of the key points:")

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.aiClient.Generate(ctx, sb.String(), 300)
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate summary: %w", err)
	}

	return strings.TrimSpace(out.(string)), nil
}

func partitionSystem(messages []*domain.Message) (system, nonSystem []*domain.Message) {
	for _, msg := range messages {
		if msg.Role == domain.RoleSystem {
			system = append(system, msg)
		} else {
			nonSystem = append(nonSystem, msg)
		}
	}
	return system, nonSystem
}
