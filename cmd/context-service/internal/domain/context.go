package domain

import (
	"time"
)

// ConversationContext 会话上下文聚合根
//
// 不变量：TokenCount == 所有消息 TokenCount 之和；至多存在一条 system 消息，
// 且除 Clear/紧急清空外永不被逐出。仅 MessageStore 允许修改 Messages/TokenCount。
type ConversationContext struct {
	SessionID   string            `json:"session_id"`
	Messages    []*Message        `json:"messages"`
	TokenCount  int               `json:"token_count"`
	MaxTokens   int               `json:"max_tokens"`
	Checkpoints []Checkpoint      `json:"checkpoints,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`

	// ArchivedUserMessages 被压缩/逐出从活跃窗口移除的用户消息。
	// 不计入 TokenCount，仅为快照的无损恢复保留。
	ArchivedUserMessages []*Message `json:"archived_user_messages,omitempty"`
}

// Checkpoint 压缩产生的摘要检查点，代表已归档的历史片段
type Checkpoint struct {
	ID         string    `json:"id"`
	Summary    string    `json:"summary"`
	TokenCount int       `json:"token_count"`
	Archived   int       `json:"archived"` // 被该检查点替代的消息数
	CreatedAt  time.Time `json:"created_at"`
}

// NewConversationContext 创建会话上下文
func NewConversationContext(sessionID string, maxTokens int) *ConversationContext {
	now := time.Now()
	return &ConversationContext{
		SessionID: sessionID,
		Messages:  []*Message{},
		MaxTokens: maxTokens,
		Metadata:  make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SystemPrompt 返回 system 消息（不存在时返回 nil）
func (c *ConversationContext) SystemPrompt() *Message {
	for _, msg := range c.Messages {
		if msg.Role == RoleSystem {
			return msg
		}
	}
	return nil
}

// UserMessages 返回全部用户消息（按原始顺序）
func (c *ConversationContext) UserMessages() []*Message {
	var out []*Message
	for _, msg := range c.Messages {
		if msg.Role == RoleUser {
			out = append(out, msg)
		}
	}
	return out
}

// NonUserMessages 返回全部非用户消息（含 system，按原始顺序）
func (c *ConversationContext) NonUserMessages() []*Message {
	var out []*Message
	for _, msg := range c.Messages {
		if msg.Role != RoleUser {
			out = append(out, msg)
		}
	}
	return out
}

// UserMessageCount 用户消息数
func (c *ConversationContext) UserMessageCount() int {
	n := 0
	for _, msg := range c.Messages {
		if msg.Role == RoleUser {
			n++
		}
	}
	return n
}

// CheckpointTokens 检查点占用的 Token 总数
func (c *ConversationContext) CheckpointTokens() int {
	total := 0
	for _, cp := range c.Checkpoints {
		total += cp.TokenCount
	}
	return total
}

// SumMessageTokens 重新累加所有消息的 Token 数（用于对账，不修改状态）
func (c *ConversationContext) SumMessageTokens() int {
	total := 0
	for _, msg := range c.Messages {
		total += msg.TokenCount
	}
	return total
}
