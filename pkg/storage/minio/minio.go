package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	cfg "github.com/famfinance/pipeline/config"
	"github.com/famfinance/pipeline/pkg/logger"
)

type MinioStorage struct {
	client     *minio.Client
	bucketName string
	logger     logger.Logger
}

func NewMinioStorage(conf cfg.MinioConfig, log logger.Logger) (*MinioStorage, error) {
	client, err := minio.New(conf.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(conf.AccessKey, conf.SecretKey, ""),
		Secure: conf.UseSSL,
		Region: conf.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &MinioStorage{
		client:     client,
		bucketName: conf.BucketName,
		logger:     log,
	}, nil
}

// EnsureBucket implements Storage.EnsureBucket
func (m *MinioStorage) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := m.client.MakeBucket(ctx, m.bucketName, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	m.logger.Info("created bucket", logger.String("bucket", m.bucketName))
	return nil
}

// Put implements Storage.Put
func (m *MinioStorage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		m.logger.Error("Failed to store object in MinIO",
			logger.String("bucket", m.bucketName),
			logger.String("key", key),
			logger.Error(err),
		)
		return fmt.Errorf("failed to store object: %w", err)
	}
	return nil
}

// Get implements Storage.Get
func (m *MinioStorage) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		m.logger.Error("Failed to get object from MinIO",
			logger.String("bucket", m.bucketName),
			logger.String("key", key),
			logger.Error(err),
		)
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// Exists implements Storage.Exists
func (m *MinioStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	return true, nil
}

// PresignPut implements Storage.PresignPut
func (m *MinioStorage) PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (string, error) {
	u, err := m.client.PresignedPutObject(ctx, m.bucketName, key, expiry)
	if err != nil {
		return "", fmt.Errorf("failed to presign put: %w", err)
	}
	return u.String(), nil
}
