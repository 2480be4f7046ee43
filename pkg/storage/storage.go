// Package storage abstracts the blob backend documents live in. Keys are
// deterministic per document, so a rerun overwrites the same object instead
// of leaking copies.
package storage

import (
	"context"
	"fmt"
	"time"

	cfg "github.com/famfinance/pipeline/config"
	"github.com/famfinance/pipeline/pkg/logger"
	"github.com/famfinance/pipeline/pkg/storage/memory"
	"github.com/famfinance/pipeline/pkg/storage/minio"
	"github.com/famfinance/pipeline/pkg/storage/s3"
)

// StorageType selects the backend implementation.
type StorageType string

const (
	StorageTypeS3     StorageType = "s3"
	StorageTypeMinio  StorageType = "minio"
	StorageTypeMemory StorageType = "memory"
)

// Storage is the blob interface the pipeline and API depend on.
type Storage interface {
	// EnsureBucket creates the backing bucket if it does not exist.
	EnsureBucket(ctx context.Context) error
	// Put stores a blob under key.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get fetches the full blob stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether an object is present under key.
	Exists(ctx context.Context, key string) (bool, error)
	// PresignPut returns a URL a client can upload to directly.
	PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (string, error)
}

// NewStorage creates a storage instance for the configured backend.
func NewStorage(storageType StorageType, log logger.Logger) (Storage, error) {
	switch storageType {
	case StorageTypeS3:
		return s3.NewS3Storage(cfg.Get().S3, log)
	case StorageTypeMinio:
		return minio.NewMinioStorage(cfg.Get().Minio, log)
	case StorageTypeMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}
