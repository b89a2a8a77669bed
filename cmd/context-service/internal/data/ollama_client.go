package data

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// OllamaClient Ollama 文本生成客户端，供压缩摘要使用
type OllamaClient struct {
	client *resty.Client
	model  string
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllamaClient 创建生成客户端
func NewOllamaClient(baseURL, model string) *OllamaClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(60 * time.Second)

	return &OllamaClient{
		client: client,
		model:  model,
	}
}

// Generate 生成补全文本
func (c *OllamaClient) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	req := ollamaGenerateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
	}
	if maxTokens > 0 {
		req.Options = map[string]any{"num_predict": maxTokens}
	}

	var body ollamaGenerateResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&body).
		Post("/api/generate")
	if err != nil {
		return "", fmt.Errorf("ollama generate request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("ollama generate returned status %d", resp.StatusCode())
	}

	return body.Response, nil
}
