package biz

import (
	"context"
	"fmt"
	"testing"
	"time"

	"contextd/cmd/context-service/internal/domain"

	"github.com/stretchr/testify/assert"
)

// 软阈值抬高到 0.96 的守卫配置，用于把上下文填到压缩阈值之上
var relaxedGuardConfig = domain.MemoryGuardConfig{
	SafetyBuffer: 0,
	Thresholds:   domain.MemoryThresholds{Soft: 0.96, Hard: 0.97, Critical: 0.98},
}

func TestMessageStore_AccountingInvariant(t *testing.T) {
	f := newStoreFixture(t, fixtureOptions{maxTokens: 1000})

	// 每次接纳后 TokenCount 必须等于逐条重算之和，池计数同步
	contents := []string{"hello", "how can i help", "tell me about go", "go is a compiled language"}
	for i, content := range contents {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		msg := domain.NewMessage("sess_test", role, content)
		assert.NoError(t, f.store.AddMessage(context.Background(), msg))

		c := f.store.Conversation()
		assert.Equal(t, c.SumMessageTokens(), c.TokenCount)
		assert.Equal(t, c.TokenCount, f.pool.Usage().CurrentTokens)
	}

	assert.Equal(t, 4, f.events.countOf(domain.EventMessageAdded))
}

func TestMessageStore_SustainedTurnsStayWithinBudget(t *testing.T) {
	f := newStoreFixture(t, fixtureOptions{maxTokens: 10000})

	addAndCheck := func(role domain.MessageRole, content string) {
		msg := domain.NewMessage("sess_test", role, content)
		assert.NoError(t, f.store.AddMessage(context.Background(), msg))

		// 每次接纳后都不允许越过池上限，守卫必须在溢出前介入
		c := f.store.Conversation()
		assert.LessOrEqual(t, c.TokenCount, c.MaxTokens)
		assert.Equal(t, c.SumMessageTokens(), c.TokenCount)
		assert.Equal(t, c.TokenCount, f.pool.Usage().CurrentTokens)
	}

	addAndCheck(domain.RoleSystem, stringOfLen(50))
	for i := 0; i < 5; i++ {
		addAndCheck(domain.RoleUser, stringOfLen(1000))
		addAndCheck(domain.RoleAssistant, stringOfLen(1000))
	}

	// 软阈值 7500 之下稳态：3 条最旧消息被逐出腾挪
	c := f.store.Conversation()
	assert.Equal(t, 7050, c.TokenCount)
	assert.Len(t, c.Messages, 8)
	assert.Equal(t, domain.RoleSystem, c.Messages[0].Role)
	// 其中 2 条被逐出的是用户消息，进入归档
	assert.Len(t, c.ArchivedUserMessages, 2)
}

func TestMessageStore_OversizedMessageRejected(t *testing.T) {
	f := newStoreFixture(t, fixtureOptions{maxTokens: 100})

	// 80 token 超过软上限 75，且无可逐出消息
	msg := domain.NewMessage("sess_test", domain.RoleUser, stringOfLen(80))
	err := f.store.AddMessage(context.Background(), msg)

	assert.ErrorIs(t, err, domain.ErrContextOverflow)
	assert.Equal(t, 0, f.store.Conversation().TokenCount)
	assert.Empty(t, f.store.Conversation().Messages)
}

func TestMessageStore_AdmissionEvictsOldestNonSystem(t *testing.T) {
	now := time.Now()
	system := seedMessage(domain.RoleSystem, stringOfLen(10), now)
	oldest := seedMessage(domain.RoleUser, stringOfLen(30), now.Add(time.Second))
	seed := seedConversation(100,
		system,
		oldest,
		seedMessage(domain.RoleAssistant, stringOfLen(30), now.Add(2*time.Second)),
	)
	f := newStoreFixture(t, fixtureOptions{seed: seed})

	// 70+20 超过软上限 75，需要逐出最旧的非系统消息腾挪
	msg := domain.NewMessage("sess_test", domain.RoleUser, stringOfLen(20))
	assert.NoError(t, f.store.AddMessage(context.Background(), msg))

	c := f.store.Conversation()
	assert.Equal(t, 60, c.TokenCount)
	assert.Len(t, c.Messages, 3)
	// system 永不逐出
	assert.Equal(t, domain.RoleSystem, c.Messages[0].Role)
	// 被逐出的用户消息进入归档，保证快照无损
	assert.Len(t, c.ArchivedUserMessages, 1)
	assert.Equal(t, oldest.ID, c.ArchivedUserMessages[0].ID)
}

func TestMessageStore_AssistantTurnTriggersCompression(t *testing.T) {
	// 准备测试数据：12 条各 60 token，预算 720/1000
	now := time.Now()
	var messages []*domain.Message
	for i := 0; i < 12; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		messages = append(messages, seedMessage(role, stringOfLen(60), now.Add(time.Duration(i)*time.Second)))
	}
	f := newStoreFixture(t, fixtureOptions{
		seed:        seedConversation(1000, messages...),
		guardConfig: &relaxedGuardConfig,
	})

	// 助手回合把预算推到 760/1000 = 0.76，越过阈值 0.75
	msg := domain.NewMessage("sess_test", domain.RoleAssistant, stringOfLen(40))
	assert.NoError(t, f.store.AddMessage(context.Background(), msg))

	// 验证结果：保留最近 10 条，早期 3 条换成检查点
	c := f.store.Conversation()
	assert.Len(t, c.Messages, 10)
	assert.Equal(t, 580, c.TokenCount)
	assert.Len(t, c.Checkpoints, 1)
	assert.Equal(t, 3, c.Checkpoints[0].Archived)
	assert.Equal(t, "earlier conversation summary", c.Checkpoints[0].Summary)
	assert.Equal(t, 1, f.events.countOf(domain.EventCompressionComplete))
	// 压缩移出窗口的用户消息进入归档
	assert.Len(t, c.ArchivedUserMessages, 2)
}

func TestMessageStore_WarningBandBelowThreshold(t *testing.T) {
	// 660/1000，助手回合推到 701/1000 = 0.701，落在预警区带 [0.70, 0.75)
	now := time.Now()
	var messages []*domain.Message
	for i := 0; i < 11; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		messages = append(messages, seedMessage(role, stringOfLen(60), now.Add(time.Duration(i)*time.Second)))
	}
	f := newStoreFixture(t, fixtureOptions{
		seed:        seedConversation(1000, messages...),
		guardConfig: &relaxedGuardConfig,
	})

	msg := domain.NewMessage("sess_test", domain.RoleAssistant, stringOfLen(41))
	assert.NoError(t, f.store.AddMessage(context.Background(), msg))

	// 只发预警，不压缩
	assert.Equal(t, 0, f.events.countOf(domain.EventCompressionTriggered))
	event, ok := f.events.lastOf(domain.EventContextWarningLow)
	assert.True(t, ok)
	payload := event.Payload.(domain.ContextWarningPayload)
	assert.InDelta(t, 0.701, payload.BudgetPercentage, 1e-9)
	assert.InDelta(t, 0.75, payload.Threshold, 1e-9)
	assert.Equal(t, 701, f.store.Conversation().TokenCount)
}

func TestMessageStore_InflightTokenTracking(t *testing.T) {
	now := time.Now()
	seed := seedConversation(100, seedMessage(domain.RoleUser, stringOfLen(50), now))
	f := newStoreFixture(t, fixtureOptions{seed: seed})

	// 在途增量叠加到池计数
	f.store.ReportInflightTokens(30)
	assert.Equal(t, 80, f.pool.Usage().CurrentTokens)
	assert.Equal(t, 0, f.events.countOf(domain.EventStreamOverflow))

	// 超过硬上限发出诊断事件，不自愈
	f.store.ReportInflightTokens(30)
	assert.Equal(t, 110, f.pool.Usage().CurrentTokens)
	event, ok := f.events.lastOf(domain.EventStreamOverflow)
	assert.True(t, ok)
	payload := event.Payload.(domain.StreamOverflowPayload)
	assert.Equal(t, 50, payload.PersistedTokens)
	assert.Equal(t, 60, payload.InflightTokens)
	assert.Equal(t, 100, payload.HardLimit)

	// 生成结束后清零并回同步
	f.store.ClearInflightTokens()
	assert.Equal(t, 50, f.pool.Usage().CurrentTokens)
}

func TestMessageStore_StreamOverflowEdgeTriggered(t *testing.T) {
	now := time.Now()
	seed := seedConversation(100, seedMessage(domain.RoleUser, stringOfLen(50), now))
	f := newStoreFixture(t, fixtureOptions{seed: seed})

	// 逐块流式上报：越界后持续超限只发一次诊断事件
	f.store.ReportInflightTokens(60)
	f.store.ReportInflightTokens(10)
	f.store.ReportInflightTokens(10)
	assert.Equal(t, 1, f.events.countOf(domain.EventStreamOverflow))

	// 回落到上限之内后再次越界，重新触发
	f.store.ReportInflightTokens(-40)
	f.store.ReportInflightTokens(50)
	assert.Equal(t, 2, f.events.countOf(domain.EventStreamOverflow))

	// 清零复位触发器
	f.store.ClearInflightTokens()
	f.store.ReportInflightTokens(60)
	assert.Equal(t, 3, f.events.countOf(domain.EventStreamOverflow))
}

func TestMessageStore_InflightNeverGoesNegative(t *testing.T) {
	f := newStoreFixture(t, fixtureOptions{maxTokens: 100})

	f.store.ReportInflightTokens(-50)
	assert.Equal(t, 0, f.pool.Usage().CurrentTokens)
}

func TestMessageStore_ClearKeepsSystemPrompt(t *testing.T) {
	now := time.Now()
	seed := seedConversation(1000,
		seedMessage(domain.RoleSystem, stringOfLen(20), now),
		seedMessage(domain.RoleUser, stringOfLen(100), now.Add(time.Second)),
		seedMessage(domain.RoleAssistant, stringOfLen(100), now.Add(2*time.Second)),
	)
	f := newStoreFixture(t, fixtureOptions{seed: seed})
	f.store.ReportInflightTokens(40)

	f.store.Clear(context.Background())

	c := f.store.Conversation()
	assert.Len(t, c.Messages, 1)
	assert.Equal(t, domain.RoleSystem, c.Messages[0].Role)
	assert.Equal(t, 20, c.TokenCount)
	assert.Nil(t, c.ArchivedUserMessages)
	assert.Nil(t, c.Checkpoints)
	assert.Equal(t, 20, f.pool.Usage().CurrentTokens)
	assert.Equal(t, 1, f.events.countOf(domain.EventCleared))
}

func TestMessageStore_ExplicitCompressWithoutProgress(t *testing.T) {
	now := time.Now()
	seed := seedConversation(1000,
		seedMessage(domain.RoleUser, "hello", now),
		seedMessage(domain.RoleAssistant, "hi", now.Add(time.Second)),
	)
	f := newStoreFixture(t, fixtureOptions{seed: seed})

	// 不足保留窗口，压缩无法取得进展
	freed, err := f.store.Compress(context.Background())
	assert.ErrorIs(t, err, domain.ErrCompressionFailed)
	assert.Equal(t, 0, freed)
}

func TestMessageStore_CompressionSerialized(t *testing.T) {
	f := newStoreFixture(t, fixtureOptions{maxTokens: 1000})

	// 压缩已在途时二次进入直接短路
	f.store.compressInFlight = true
	freed, err := f.store.Compress(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, freed)
	assert.Equal(t, 0, f.events.countOf(domain.EventCompressionTriggered))
}

func TestMessageStore_ManualSnapshotAndRestore(t *testing.T) {
	f := newStoreFixture(t, fixtureOptions{maxTokens: 1000})

	for i := 0; i < 4; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		msg := domain.NewMessage("sess_test", role, fmt.Sprintf("turn number %d", i))
		assert.NoError(t, f.store.AddMessage(context.Background(), msg))
	}
	before := f.store.Conversation()
	wantTokens := before.TokenCount
	wantMessages := len(before.Messages)

	snapshot, err := f.store.CreateSnapshot(context.Background())
	assert.NoError(t, err)
	assert.Len(t, snapshot.UserMessages, 2)

	// 快照后继续写入，再恢复到快照时点
	extra := domain.NewMessage("sess_test", domain.RoleUser, "a later message")
	assert.NoError(t, f.store.AddMessage(context.Background(), extra))
	assert.NotEqual(t, wantTokens, f.store.Conversation().TokenCount)

	restored, err := f.snapshots.RestoreSnapshot(context.Background(), snapshot.ID)
	assert.NoError(t, err)
	f.store.ReplaceContext(restored)

	c := f.store.Conversation()
	assert.Equal(t, wantTokens, c.TokenCount)
	assert.Len(t, c.Messages, wantMessages)
	assert.Equal(t, wantTokens, f.pool.Usage().CurrentTokens)
}

func TestMessageStore_UserTurnSnapshotHeuristic(t *testing.T) {
	config := domain.DefaultSnapshotConfig()
	f := newStoreFixture(t, fixtureOptions{maxTokens: 10000, snapConfig: &config})

	// 每 5 个用户回合兜底触发一次异步快照
	for i := 0; i < 5; i++ {
		msg := domain.NewMessage("sess_test", domain.RoleUser, fmt.Sprintf("user turn %d", i))
		assert.NoError(t, f.store.AddMessage(context.Background(), msg))
	}

	f.tasks.Close()
	assert.Equal(t, 1, f.storage.count())
}

func TestMessageStore_SingleSystemMessageRule(t *testing.T) {
	now := time.Now()
	seed := seedConversation(1000,
		seedMessage(domain.RoleSystem, stringOfLen(20), now),
		seedMessage(domain.RoleUser, stringOfLen(30), now.Add(time.Second)),
	)
	f := newStoreFixture(t, fixtureOptions{seed: seed})

	// 新系统提示替换旧的，不并存
	replacement := domain.NewMessage("sess_test", domain.RoleSystem, stringOfLen(40))
	assert.NoError(t, f.store.AddMessage(context.Background(), replacement))

	c := f.store.Conversation()
	assert.Len(t, c.Messages, 2)
	assert.Equal(t, replacement.ID, c.SystemPrompt().ID)
	assert.Equal(t, 70, c.TokenCount)
	assert.Equal(t, c.SumMessageTokens(), c.TokenCount)
}

func TestMessageStore_SetMaxTokensSyncsPool(t *testing.T) {
	f := newStoreFixture(t, fixtureOptions{maxTokens: 1000})

	assert.NoError(t, f.store.SetMaxTokens(2000))
	assert.Equal(t, 2000, f.store.Conversation().MaxTokens)
	assert.Equal(t, 2000, f.pool.Usage().MaxTokens)

	assert.Error(t, f.store.SetMaxTokens(0))
	assert.Equal(t, 2000, f.store.Conversation().MaxTokens)
}
