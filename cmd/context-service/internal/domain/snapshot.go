package domain

import "time"

// ContextSnapshot 上下文快照：可恢复的时间点副本
//
// 不变量：UserMessages 是创建时刻源上下文中全部用户消息的完整逐字副本，
// 不做任何截断。Messages 保存其余消息（含 system）。
type ContextSnapshot struct {
	ID                   string            `json:"id"`
	SessionID            string            `json:"session_id"`
	Timestamp            time.Time         `json:"timestamp"`
	TokenCount           int               `json:"token_count"`
	Summary              string            `json:"summary"`
	UserMessages         []*Message        `json:"user_messages"`
	ArchivedUserMessages []*Message        `json:"archived_user_messages"`
	Messages             []*Message        `json:"messages"`
	Metadata             SnapshotMetadata  `json:"metadata"`
}

// SnapshotMetadata 快照附加信息
type SnapshotMetadata struct {
	Model               string  `json:"model"`
	ContextSize         int     `json:"context_size"`
	CompressionRatio    float64 `json:"compression_ratio"`
	TotalUserMessages   int     `json:"total_user_messages"`
	TotalGoalsCompleted int     `json:"total_goals_completed"`
	TotalCheckpoints    int     `json:"total_checkpoints"`
}

// SnapshotMeta 快照元数据（列表展示用的轻量视图）
type SnapshotMeta struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Timestamp    time.Time `json:"timestamp"`
	TokenCount   int       `json:"token_count"`
	Summary      string    `json:"summary"`
	MessageCount int       `json:"message_count"`
}

// SnapshotConfig 快照子系统配置
type SnapshotConfig struct {
	Enabled       bool    `json:"enabled" mapstructure:"enabled"`
	MaxCount      int     `json:"max_count" mapstructure:"max_count"`
	AutoCreate    bool    `json:"auto_create" mapstructure:"auto_create"`
	AutoThreshold float64 `json:"auto_threshold" mapstructure:"auto_threshold"`
}

// DefaultSnapshotConfig 默认配置
func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		Enabled:       true,
		MaxCount:      10,
		AutoCreate:    true,
		AutoThreshold: 0.85,
	}
}

// MessageCount 快照内的消息总数
func (s *ContextSnapshot) MessageCount() int {
	return len(s.UserMessages) + len(s.ArchivedUserMessages) + len(s.Messages)
}

// Meta 提取轻量元数据
func (s *ContextSnapshot) Meta() SnapshotMeta {
	return SnapshotMeta{
		ID:           s.ID,
		SessionID:    s.SessionID,
		Timestamp:    s.Timestamp,
		TokenCount:   s.TokenCount,
		Summary:      s.Summary,
		MessageCount: s.MessageCount(),
	}
}
