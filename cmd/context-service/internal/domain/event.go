package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType 核心发出的事件类型（由 CLI/UI 等外部消费）
type EventType string

const (
	EventMessageAdded         EventType = "message-added"
	EventCleared              EventType = "cleared"
	EventCompressionTriggered EventType = "compression-triggered"
	EventCompressionComplete  EventType = "compression-complete"
	EventContextReduced       EventType = "context-reduced"
	EventContextResizePending EventType = "context-resize-pending"
	EventContextResizeFailed  EventType = "context-resize-failed"
	EventEmergency            EventType = "emergency"
	EventEmergencyFailed      EventType = "emergency-failed"
	EventSnapshotRestored     EventType = "snapshot-restored"
	EventTierChanged          EventType = "tier-changed"
	EventModeChanged          EventType = "mode-changed"
	EventConfigUpdated        EventType = "config-updated"
	EventContextWarningLow    EventType = "context-warning-low"
	EventStreamOverflow       EventType = "stream-overflow-emergency"
)

// Event 领域事件
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// NewEvent 创建事件
func NewEvent(eventType EventType, sessionID string, payload any) Event {
	return Event{
		ID:        "evt_" + uuid.New().String(),
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// MessageAddedPayload message-added 事件负载
type MessageAddedPayload struct {
	MessageID  string      `json:"message_id"`
	Role       MessageRole `json:"role"`
	TokenCount int         `json:"token_count"`
	Total      int         `json:"total"`
}

// CompressionCompletePayload compression-complete 事件负载
type CompressionCompletePayload struct {
	TokensFreed int    `json:"tokens_freed"`
	Strategy    string `json:"strategy"`
}

// ContextReducedPayload context-reduced 事件负载
type ContextReducedPayload struct {
	OldSize int `json:"old_size"`
	NewSize int `json:"new_size"`
}

// EmergencyPayload emergency 事件负载
type EmergencyPayload struct {
	Actions         []string     `json:"actions"`
	VRAMInfo        VRAMInfo     `json:"vram_info"`
	Usage           ContextUsage `json:"usage"`
	RecoveryOptions []string     `json:"recovery_options"`
}

// SnapshotRestoredPayload snapshot-restored 事件负载
type SnapshotRestoredPayload struct {
	SnapshotID string `json:"snapshot_id"`
}

// TierChangedPayload tier-changed 事件负载
type TierChangedPayload struct {
	OldTier     Tier `json:"old_tier"`
	NewTier     Tier `json:"new_tier"`
	ContextSize int  `json:"context_size"`
}

// ModeChangedPayload mode-changed 事件负载
type ModeChangedPayload struct {
	OldMode Mode `json:"old_mode"`
	NewMode Mode `json:"new_mode"`
}

// StreamOverflowPayload stream-overflow-emergency 事件负载
type StreamOverflowPayload struct {
	PersistedTokens int `json:"persisted_tokens"`
	InflightTokens  int `json:"inflight_tokens"`
	HardLimit       int `json:"hard_limit"`
}

// ContextWarningPayload context-warning-low 事件负载
type ContextWarningPayload struct {
	BudgetPercentage float64 `json:"budget_percentage"`
	Threshold        float64 `json:"threshold"`
}

// EventListener 事件监听器
type EventListener interface {
	// OnEvent 处理事件；实现必须非阻塞或自行派发
	OnEvent(event Event)
}

// EventListenerFunc 函数式监听器
type EventListenerFunc func(event Event)

// OnEvent 实现 EventListener
func (f EventListenerFunc) OnEvent(event Event) {
	f(event)
}
