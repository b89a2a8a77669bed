package biz

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"contextd/cmd/context-service/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
)

func TestNewMemoryGuard_RejectsInvalidThresholds(t *testing.T) {
	cfg := domain.MemoryGuardConfig{
		SafetyBuffer: 0.05,
		Thresholds:   domain.MemoryThresholds{Soft: 0.9, Hard: 0.8, Critical: 0.98},
	}
	pool := NewTokenPool(1000, nil, log.DefaultLogger)

	_, err := NewMemoryGuard(cfg, pool, nil, NewEventBus(log.DefaultLogger), log.DefaultLogger)
	assert.ErrorIs(t, err, domain.ErrInvalidThresholds)
}

func TestMemoryGuard_CanAllocateIsConservative(t *testing.T) {
	pool := NewTokenPool(100, nil, log.DefaultLogger)
	guard, err := NewMemoryGuard(domain.DefaultMemoryGuardConfig(), pool, nil, NewEventBus(log.DefaultLogger), log.DefaultLogger)
	assert.NoError(t, err)

	// 软阈值 0.75：投影必须严格低于 soft*max，早于"满"
	assert.True(t, guard.CanAllocate(74))
	assert.False(t, guard.CanAllocate(75))
	assert.False(t, guard.CanAllocate(100))

	pool.SetCurrentTokens(50)
	assert.True(t, guard.CanAllocate(24))
	assert.False(t, guard.CanAllocate(25))
}

func TestMemoryGuard_SafetyBufferCapsAllocation(t *testing.T) {
	cfg := domain.MemoryGuardConfig{
		SafetyBuffer: 0.20,
		Thresholds:   domain.MemoryThresholds{Soft: 0.90, Hard: 0.95, Critical: 0.98},
	}
	pool := NewTokenPool(100, nil, log.DefaultLogger)
	guard, err := NewMemoryGuard(cfg, pool, nil, NewEventBus(log.DefaultLogger), log.DefaultLogger)
	assert.NoError(t, err)

	// 缓冲上限 (1-0.20)*100=80 先于软阈值 90 生效
	assert.True(t, guard.CanAllocate(79))
	assert.False(t, guard.CanAllocate(80))
}

var guardCallbackHits int

func namedLevelCallback(level domain.MemoryLevel, usage domain.ContextUsage) {
	guardCallbackHits++
}

func TestMemoryGuard_DuplicateCallbackRegistrationCollapses(t *testing.T) {
	pool := NewTokenPool(100, nil, log.DefaultLogger)
	pool.SetCurrentTokens(80)
	guard, err := NewMemoryGuard(domain.DefaultMemoryGuardConfig(), pool, nil, NewEventBus(log.DefaultLogger), log.DefaultLogger)
	assert.NoError(t, err)

	// 同一函数在同一等级注册两次只生效一次
	guardCallbackHits = 0
	guard.RegisterLevelCallback(domain.MemoryLevelWarning, namedLevelCallback)
	guard.RegisterLevelCallback(domain.MemoryLevelWarning, namedLevelCallback)

	level, err := guard.CheckMemoryLevelAndAct(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, domain.MemoryLevelWarning, level)
	assert.Equal(t, 1, guardCallbackHits)
}

func TestMemoryGuard_WarningTriggersCompression(t *testing.T) {
	// 准备测试数据：16 条各 50 token，使用率 0.80 落在 WARNING
	now := time.Now()
	var messages []*domain.Message
	for i := 0; i < 16; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		messages = append(messages, seedMessage(role, fmt.Sprintf("%050d", i), now.Add(time.Duration(i)*time.Second)))
	}
	f := newStoreFixture(t, fixtureOptions{seed: seedConversation(1000, messages...)})

	level, err := f.store.CheckMemory(context.Background())

	// 验证结果：压缩保留最近 10 条并释放 300 token
	assert.NoError(t, err)
	assert.Equal(t, domain.MemoryLevelWarning, level)
	assert.Equal(t, 500, f.store.Conversation().TokenCount)
	assert.Len(t, f.store.Conversation().Messages, 10)
	assert.Equal(t, 1, f.events.countOf(domain.EventCompressionTriggered))
	assert.Equal(t, 1, f.events.countOf(domain.EventCompressionComplete))

	event, ok := f.events.lastOf(domain.EventCompressionComplete)
	assert.True(t, ok)
	payload := event.Payload.(domain.CompressionCompletePayload)
	assert.Equal(t, 300, payload.TokensFreed)
}

func TestMemoryGuard_CriticalForcesPoolShrink(t *testing.T) {
	// 920/1000 = 0.92 落在 CRITICAL
	now := time.Now()
	seed := seedConversation(1000,
		seedMessage(domain.RoleUser, stringOfLen(460), now),
		seedMessage(domain.RoleAssistant, stringOfLen(460), now.Add(time.Second)),
	)
	f := newStoreFixture(t, fixtureOptions{seed: seed})

	level, err := f.store.CheckMemory(context.Background())

	// 验证结果：池上限强制缩减 20%
	assert.NoError(t, err)
	assert.Equal(t, domain.MemoryLevelCritical, level)
	assert.Equal(t, 800, f.pool.Usage().MaxTokens)

	event, ok := f.events.lastOf(domain.EventContextReduced)
	assert.True(t, ok)
	payload := event.Payload.(domain.ContextReducedPayload)
	assert.Equal(t, 1000, payload.OldSize)
	assert.Equal(t, 800, payload.NewSize)
}

func TestMemoryGuard_EmergencySnapshotsAndClears(t *testing.T) {
	// 985/1000 = 0.985 落在 EMERGENCY
	now := time.Now()
	system := seedMessage(domain.RoleSystem, stringOfLen(85), now)
	seed := seedConversation(1000,
		system,
		seedMessage(domain.RoleUser, stringOfLen(450), now.Add(time.Second)),
		seedMessage(domain.RoleAssistant, stringOfLen(450), now.Add(2*time.Second)),
	)
	f := newStoreFixture(t, fixtureOptions{seed: seed})

	level, err := f.store.CheckMemory(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, domain.MemoryLevelEmergency, level)

	// 清空前创建了快照，用户消息逐字保留
	assert.Equal(t, 1, f.storage.count())
	for _, snapshot := range f.storage.snapshots {
		assert.Len(t, snapshot.UserMessages, 1)
		assert.Equal(t, stringOfLen(450), snapshot.UserMessages[0].Content)
		assert.Equal(t, 985, snapshot.TokenCount)
	}

	// 上下文截断到仅剩系统提示
	c := f.store.Conversation()
	assert.Len(t, c.Messages, 1)
	assert.Equal(t, domain.RoleSystem, c.Messages[0].Role)
	assert.Equal(t, 85, c.TokenCount)
	assert.Equal(t, 85, f.pool.Usage().CurrentTokens)

	// emergency 事件汇总处置并附恢复建议
	event, ok := f.events.lastOf(domain.EventEmergency)
	assert.True(t, ok)
	payload := event.Payload.(domain.EmergencyPayload)
	assert.Len(t, payload.Actions, 2)
	assert.Contains(t, payload.Actions[0], "snapshot-created:")
	assert.Equal(t, "context-cleared", payload.Actions[1])
	assert.NotEmpty(t, payload.RecoveryOptions)
	assert.Equal(t, 0, f.events.countOf(domain.EventEmergencyFailed))
}

func TestMemoryGuard_EmergencySkipsSnapshotWithoutUserMessages(t *testing.T) {
	now := time.Now()
	seed := seedConversation(1000,
		seedMessage(domain.RoleAssistant, stringOfLen(990), now),
	)
	f := newStoreFixture(t, fixtureOptions{seed: seed})

	level, err := f.store.CheckMemory(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, domain.MemoryLevelEmergency, level)

	// 空快照没有恢复价值
	assert.Equal(t, 0, f.storage.count())

	event, ok := f.events.lastOf(domain.EventEmergency)
	assert.True(t, ok)
	payload := event.Payload.(domain.EmergencyPayload)
	assert.Equal(t, []string{"context-cleared"}, payload.Actions)
}

func stringOfLen(n int) string {
	return strings.Repeat("x", n)
}
