package domain

import "errors"

var (
	// ErrSessionNotSet 未绑定会话
	ErrSessionNotSet = errors.New("session not set")

	// ErrSnapshotDisabled 快照功能未启用
	ErrSnapshotDisabled = errors.New("snapshot is disabled")

	// ErrSnapshotNotFound 快照未找到（恢复路径为硬错误，列表路径跳过并告警）
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrTokenAccounting Token 计数不变量被破坏（致命，不重试）
	ErrTokenAccounting = errors.New("token accounting violation")

	// ErrContextOverflow 消息在完全逐出后仍无法放入上下文
	ErrContextOverflow = errors.New("context overflow: message cannot fit")

	// ErrCompressionFailed 压缩没有取得可度量的进展，调用方应升级到下一内存等级
	ErrCompressionFailed = errors.New("compression made no progress")

	// ErrInvalidThresholds MemoryGuard 阈值配置非法
	ErrInvalidThresholds = errors.New("invalid memory guard thresholds")

	// ErrInvalidMode 非法运行模式
	ErrInvalidMode = errors.New("invalid context mode")
)
