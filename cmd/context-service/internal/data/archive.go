package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"contextd/cmd/context-service/internal/domain"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig MinIO配置
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
}

// SnapshotArchive 快照冷归档：滚动清理淘汰的快照写入对象存储
type SnapshotArchive struct {
	client     *minio.Client
	bucketName string
}

// NewSnapshotArchive 创建快照归档器
func NewSnapshotArchive(config MinIOConfig) (*SnapshotArchive, error) {
	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	archive := &SnapshotArchive{
		client:     minioClient,
		bucketName: config.BucketName,
	}

	if err := archive.ensureBucket(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}

	return archive, nil
}

// ensureBucket 确保bucket存在
func (a *SnapshotArchive) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = a.client.MakeBucket(ctx, a.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// Archive 归档快照，对象键为 <sessionID>/<snapshotID>.json
func (a *SnapshotArchive) Archive(ctx context.Context, snapshot *domain.ContextSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", snapshot.ID, err)
	}

	objectName := fmt.Sprintf("%s/%s.json", snapshot.SessionID, snapshot.ID)
	_, err = a.client.PutObject(ctx, a.bucketName, objectName, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"archived-at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to archive snapshot %s: %w", snapshot.ID, err)
	}

	return nil
}
