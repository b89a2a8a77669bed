package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"contextd/cmd/context-service/internal/domain"
	"contextd/cmd/context-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
)

// vramCacheTTL 显存读数缓存时长，避免准入路径上频繁探测
const vramCacheTTL = 10 * time.Second

// TokenPool ContextPool 实现：当前/最大 Token 计数与使用率
//
// 计数本身由 MessageStore 单写者驱动；锁只用于跨协程读取 Usage。
type TokenPool struct {
	mu      sync.RWMutex
	current int
	max     int

	vram     domain.VRAMMonitor
	vramMu   sync.Mutex
	vramAt   time.Time
	vramLast domain.VRAMInfo
	vramTTL  time.Duration

	active func() bool
	logger *log.Helper
}

// NewTokenPool 创建 Token 池；vram 可为 nil
func NewTokenPool(maxTokens int, vram domain.VRAMMonitor, logger log.Logger) *TokenPool {
	metrics.ContextTokensMax.Set(float64(maxTokens))
	return &TokenPool{
		max:     maxTokens,
		vram:    vram,
		vramTTL: vramCacheTTL,
		logger:  log.NewHelper(log.With(logger, "module", "token-pool")),
	}
}

// Usage 当前使用情况（按需计算）
func (p *TokenPool) Usage() domain.ContextUsage {
	p.mu.RLock()
	current, max := p.current, p.max
	p.mu.RUnlock()

	pct := 0.0
	if max > 0 {
		pct = float64(current) / float64(max)
	}

	usage := domain.ContextUsage{
		CurrentTokens: current,
		MaxTokens:     max,
		Percentage:    pct,
	}

	if p.vram != nil {
		info := p.vramInfo()
		usage.VRAMUsed = info.Used
		usage.VRAMTotal = info.Total
	}

	return usage
}

// vramInfo 返回显存读数，带 TTL 缓存。
// 探测失败也会刷新时间戳，避免 Ollama 不可达时每次都阻塞等待。
func (p *TokenPool) vramInfo() domain.VRAMInfo {
	p.vramMu.Lock()
	defer p.vramMu.Unlock()

	if time.Since(p.vramAt) < p.vramTTL {
		return p.vramLast
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := p.vram.Info(ctx)
	p.vramAt = time.Now()
	if err != nil {
		p.logger.Warnf("vram probe failed: %v", err)
		return p.vramLast
	}
	p.vramLast = info
	return info
}

// Resize 调整最大 Token 数
func (p *TokenPool) Resize(newMax int) error {
	if newMax <= 0 {
		return fmt.Errorf("invalid pool size: %d", newMax)
	}

	p.mu.Lock()
	p.max = newMax
	p.mu.Unlock()

	metrics.ContextTokensMax.Set(float64(newMax))
	return nil
}

// SetCurrentTokens 直接覆写当前 Token 数
func (p *TokenPool) SetCurrentTokens(n int) {
	if n < 0 {
		n = 0
	}

	p.mu.Lock()
	p.current = n
	p.mu.Unlock()

	metrics.ContextTokensCurrent.Set(float64(n))
}

// SetActiveRequestsProbe 注入在途请求探测（可选）
func (p *TokenPool) SetActiveRequestsProbe(probe func() bool) {
	p.mu.Lock()
	p.active = probe
	p.mu.Unlock()
}

// HasActiveRequests 是否有进行中的请求
func (p *TokenPool) HasActiveRequests() bool {
	p.mu.RLock()
	probe := p.active
	p.mu.RUnlock()

	if probe == nil {
		return false
	}
	return probe()
}
