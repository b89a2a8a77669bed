package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"contextd/cmd/context-service/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	// 会话快照索引键前缀（Redis ZSET，score 为创建时间戳）
	snapshotIndexPrefix = "ctx:snapshots:"

	// 索引 TTL，与快照生命周期解耦，过期后从数据库重建
	snapshotIndexTTL = 7 * 24 * time.Hour
)

// SnapshotDO 快照数据对象
type SnapshotDO struct {
	ID          string `gorm:"primaryKey"`
	SessionID   string `gorm:"index"`
	TokenCount  int
	Summary     string
	PayloadJSON string `gorm:"type:jsonb"`
	CreatedAt   time.Time
}

// TableName 指定表名
func (SnapshotDO) TableName() string {
	return "context.snapshots"
}

// SnapshotRepository 快照仓储：gorm 持久化 + Redis 会话索引
type SnapshotRepository struct {
	db     *gorm.DB
	redis  *redis.Client
	logger *log.Helper
}

// NewSnapshotRepository 创建快照仓储
func NewSnapshotRepository(db *gorm.DB, rdb *redis.Client, logger log.Logger) domain.SnapshotStorage {
	return &SnapshotRepository{
		db:     db,
		redis:  rdb,
		logger: log.NewHelper(log.With(logger, "module", "data/snapshot")),
	}
}

// Save 保存快照
func (r *SnapshotRepository) Save(ctx context.Context, snapshot *domain.ContextSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", snapshot.ID, err)
	}

	do := &SnapshotDO{
		ID:          snapshot.ID,
		SessionID:   snapshot.SessionID,
		TokenCount:  snapshot.TokenCount,
		Summary:     snapshot.Summary,
		PayloadJSON: string(payload),
		CreatedAt:   snapshot.Timestamp,
	}
	if err := r.db.WithContext(ctx).Save(do).Error; err != nil {
		return fmt.Errorf("persist snapshot %s: %w", snapshot.ID, err)
	}

	r.indexAdd(ctx, snapshot)
	return nil
}

// Load 按 ID 加载快照
func (r *SnapshotRepository) Load(ctx context.Context, id string) (*domain.ContextSnapshot, error) {
	var do SnapshotDO
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&do).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSnapshotNotFound
		}
		return nil, err
	}

	var snapshot domain.ContextSnapshot
	if err := json.Unmarshal([]byte(do.PayloadJSON), &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return &snapshot, nil
}

// List 列出会话的快照元数据
func (r *SnapshotRepository) List(ctx context.Context, sessionID string) ([]domain.SnapshotMeta, error) {
	var dos []SnapshotDO
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&dos).Error
	if err != nil {
		return nil, err
	}

	metas := make([]domain.SnapshotMeta, 0, len(dos))
	for i := range dos {
		var snapshot domain.ContextSnapshot
		if err := json.Unmarshal([]byte(dos[i].PayloadJSON), &snapshot); err != nil {
			r.logger.Warnf("snapshot %s payload undecodable, skipped: %v", dos[i].ID, err)
			continue
		}
		metas = append(metas, snapshot.Meta())
	}
	return metas, nil
}

// Delete 删除快照
func (r *SnapshotRepository) Delete(ctx context.Context, id string) error {
	var do SnapshotDO
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&do).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrSnapshotNotFound
		}
		return err
	}

	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&SnapshotDO{}).Error; err != nil {
		return err
	}

	if err := r.redis.ZRem(ctx, snapshotIndexPrefix+do.SessionID, id).Err(); err != nil {
		r.logger.Warnf("snapshot index cleanup failed for %s: %v", id, err)
	}
	return nil
}

// Exists 快照是否存在
func (r *SnapshotRepository) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&SnapshotDO{}).Where("id = ?", id).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Verify 校验快照可完整解码
func (r *SnapshotRepository) Verify(ctx context.Context, id string) (bool, error) {
	var do SnapshotDO
	if err := r.db.WithContext(ctx).Select("payload_json").Where("id = ?", id).First(&do).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, domain.ErrSnapshotNotFound
		}
		return false, err
	}

	var snapshot domain.ContextSnapshot
	if err := json.Unmarshal([]byte(do.PayloadJSON), &snapshot); err != nil {
		return false, nil
	}
	return snapshot.ID != "" && snapshot.SessionID != "", nil
}

// BasePath 存储位置描述
func (r *SnapshotRepository) BasePath() string {
	return "postgres://context.snapshots"
}

// indexAdd 维护会话级 Redis 时间索引（失败只降级为日志）
func (r *SnapshotRepository) indexAdd(ctx context.Context, snapshot *domain.ContextSnapshot) {
	key := snapshotIndexPrefix + snapshot.SessionID
	pipe := r.redis.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(snapshot.Timestamp.UnixMilli()),
		Member: snapshot.ID,
	})
	pipe.Expire(ctx, key, snapshotIndexTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warnf("snapshot index update failed for %s: %v", snapshot.ID, err)
	}
}
