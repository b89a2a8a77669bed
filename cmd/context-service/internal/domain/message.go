package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message 会话消息实体
//
// TokenCount 由 MessageStore 写入，一经写入即视为不可变。
type Message struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	Role       MessageRole       `json:"role"`
	Content    string            `json:"content"`
	TokenCount int               `json:"token_count"`
	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// MessageRole 消息角色
type MessageRole string

const (
	RoleSystem    MessageRole = "system"    // 系统
	RoleUser      MessageRole = "user"      // 用户
	RoleAssistant MessageRole = "assistant" // 助手
	RoleTool      MessageRole = "tool"      // 工具
)

// ToolCall 消息携带的工具调用记录
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result,omitempty"`
}

// NewMessage 创建消息
func NewMessage(sessionID string, role MessageRole, content string) *Message {
	return &Message{
		ID:        "msg_" + uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// IsUser 是否为用户消息
func (m *Message) IsUser() bool {
	return m.Role == RoleUser
}

// IsSystem 是否为系统消息
func (m *Message) IsSystem() bool {
	return m.Role == RoleSystem
}

// Clone 返回消息的深拷贝
func (m *Message) Clone() *Message {
	clone := *m
	if len(m.ToolCalls) > 0 {
		clone.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(clone.ToolCalls, m.ToolCalls)
	}
	if len(m.Metadata) > 0 {
		clone.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
