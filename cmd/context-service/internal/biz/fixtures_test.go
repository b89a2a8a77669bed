package biz

import (
	"context"
	"sync"
	"testing"
	"time"

	"contextd/cmd/context-service/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
)

// MockAIClient 模拟摘要生成客户端
type MockAIClient struct {
	GenerateFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)
}

func (m *MockAIClient) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt, maxTokens)
	}
	return "earlier conversation summary", nil
}

// fakeVRAMMonitor 模拟显存监控
type fakeVRAMMonitor struct {
	InfoFunc func(ctx context.Context) (domain.VRAMInfo, error)
}

func (f *fakeVRAMMonitor) Info(ctx context.Context) (domain.VRAMInfo, error) {
	if f.InfoFunc != nil {
		return f.InfoFunc(ctx)
	}
	return domain.VRAMInfo{}, nil
}

// fakeSnapshotStorage 内存快照存储
type fakeSnapshotStorage struct {
	mu        sync.Mutex
	snapshots map[string]*domain.ContextSnapshot
	corrupt   map[string]struct{}
	saveErr   error
}

func newFakeSnapshotStorage() *fakeSnapshotStorage {
	return &fakeSnapshotStorage{
		snapshots: make(map[string]*domain.ContextSnapshot),
		corrupt:   make(map[string]struct{}),
	}
}

func (f *fakeSnapshotStorage) Save(ctx context.Context, snapshot *domain.ContextSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.snapshots[snapshot.ID] = snapshot
	return nil
}

func (f *fakeSnapshotStorage) Load(ctx context.Context, id string) (*domain.ContextSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot, ok := f.snapshots[id]
	if !ok {
		return nil, domain.ErrSnapshotNotFound
	}
	return snapshot, nil
}

func (f *fakeSnapshotStorage) List(ctx context.Context, sessionID string) ([]domain.SnapshotMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SnapshotMeta
	for _, snapshot := range f.snapshots {
		if snapshot.SessionID == sessionID {
			out = append(out, snapshot.Meta())
		}
	}
	return out, nil
}

func (f *fakeSnapshotStorage) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.snapshots[id]; !ok {
		return domain.ErrSnapshotNotFound
	}
	delete(f.snapshots, id)
	return nil
}

func (f *fakeSnapshotStorage) Exists(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.snapshots[id]
	return ok, nil
}

func (f *fakeSnapshotStorage) Verify(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, bad := f.corrupt[id]; bad {
		return false, nil
	}
	_, ok := f.snapshots[id]
	return ok, nil
}

func (f *fakeSnapshotStorage) BasePath() string { return "memory://snapshots" }

func (f *fakeSnapshotStorage) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots)
}

// fakeArchiver 记录归档调用
type fakeArchiver struct {
	mu       sync.Mutex
	archived []*domain.ContextSnapshot
}

func (f *fakeArchiver) Archive(ctx context.Context, snapshot *domain.ContextSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, snapshot)
	return nil
}

func (f *fakeArchiver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.archived)
}

// eventRecorder 记录总线上发布的全部事件
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) OnEvent(event domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) countOf(eventType domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (r *eventRecorder) lastOf(eventType domain.EventType) (domain.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i], true
		}
	}
	return domain.Event{}, false
}

// storeFixture 组装一套完整的 MessageStore 依赖
type storeFixture struct {
	counter   *HeuristicTokenCounter
	pool      *TokenPool
	guard     *MemoryGuard
	bus       *EventBus
	tasks     *TaskQueue
	storage   *fakeSnapshotStorage
	snapshots *SnapshotManager
	ai        *MockAIClient
	events    *eventRecorder
	store     *MessageStore
}

type fixtureOptions struct {
	maxTokens   int
	seed        *domain.ConversationContext
	guardConfig *domain.MemoryGuardConfig
	snapConfig  *domain.SnapshotConfig
	storeConfig *MessageStoreConfig
}

// newStoreFixture 每 token 记 1 字符，便于直接以内容长度断言计数
func newStoreFixture(t *testing.T, opts fixtureOptions) *storeFixture {
	logger := log.DefaultLogger

	guardConfig := domain.DefaultMemoryGuardConfig()
	if opts.guardConfig != nil {
		guardConfig = *opts.guardConfig
	}
	snapConfig := domain.DefaultSnapshotConfig()
	snapConfig.AutoCreate = false
	if opts.snapConfig != nil {
		snapConfig = *opts.snapConfig
	}
	storeConfig := DefaultMessageStoreConfig()
	if opts.storeConfig != nil {
		storeConfig = *opts.storeConfig
	}

	conversation := opts.seed
	if conversation == nil {
		conversation = domain.NewConversationContext("sess_test", opts.maxTokens)
	}

	counter := NewHeuristicTokenCounter(1)
	pool := NewTokenPool(conversation.MaxTokens, nil, logger)
	bus := NewEventBus(logger)
	tasks := NewTaskQueue(16, 1, time.Second, logger)

	guard, err := NewMemoryGuard(guardConfig, pool, nil, bus, logger)
	assert.NoError(t, err)

	storage := newFakeSnapshotStorage()
	snapshots := NewSnapshotManager(storage, nil, snapConfig, logger)

	ai := &MockAIClient{}
	compressor := NewCompressor(ai, counter, logger)

	recorder := &eventRecorder{}
	bus.SubscribeAll(recorder)

	store := NewMessageStore(conversation, counter, pool, guard, snapshots, compressor, nil, bus, tasks, storeConfig, logger)

	t.Cleanup(tasks.Close)

	return &storeFixture{
		counter:   counter,
		pool:      pool,
		guard:     guard,
		bus:       bus,
		tasks:     tasks,
		storage:   storage,
		snapshots: snapshots,
		ai:        ai,
		events:    recorder,
		store:     store,
	}
}

// seedMessage 预置消息，TokenCount 按 1 字符 1 token 口径填写
func seedMessage(role domain.MessageRole, content string, at time.Time) *domain.Message {
	msg := domain.NewMessage("sess_test", role, content)
	msg.TokenCount = len(content)
	msg.CreatedAt = at
	return msg
}

// seedConversation 预置会话，TokenCount 为消息计数之和
func seedConversation(maxTokens int, messages ...*domain.Message) *domain.ConversationContext {
	c := domain.NewConversationContext("sess_test", maxTokens)
	c.Messages = messages
	c.TokenCount = c.SumMessageTokens()
	return c
}
