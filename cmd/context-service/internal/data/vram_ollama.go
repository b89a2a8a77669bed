package data

import (
	"context"
	"fmt"
	"time"

	"contextd/cmd/context-service/internal/domain"

	"github.com/go-resty/resty/v2"
)

// OllamaVRAMMonitor 通过 Ollama /api/ps 接口读取模型显存占用
type OllamaVRAMMonitor struct {
	client    *resty.Client
	totalVRAM int64
}

// ollamaPSResponse /api/ps 响应体
type ollamaPSResponse struct {
	Models []struct {
		Name      string `json:"name"`
		Size      int64  `json:"size"`
		SizeVRAM  int64  `json:"size_vram"`
		ExpiresAt string `json:"expires_at"`
	} `json:"models"`
}

// NewOllamaVRAMMonitor 创建显存监控，totalVRAM 为部署机显存总量（字节）
func NewOllamaVRAMMonitor(baseURL string, totalVRAM int64) *OllamaVRAMMonitor {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(3 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)

	return &OllamaVRAMMonitor{
		client:    client,
		totalVRAM: totalVRAM,
	}
}

// Info 当前显存占用，Used 为所有驻留模型 size_vram 之和
func (m *OllamaVRAMMonitor) Info(ctx context.Context) (domain.VRAMInfo, error) {
	var body ollamaPSResponse
	resp, err := m.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/api/ps")
	if err != nil {
		return domain.VRAMInfo{}, fmt.Errorf("ollama ps request failed: %w", err)
	}
	if resp.IsError() {
		return domain.VRAMInfo{}, fmt.Errorf("ollama ps returned status %d", resp.StatusCode())
	}

	var used int64
	for _, model := range body.Models {
		used += model.SizeVRAM
	}

	return domain.VRAMInfo{
		Used:  used,
		Total: m.totalVRAM,
	}, nil
}
