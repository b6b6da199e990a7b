package objectstore

import (
	"context"
	"fmt"

	"photodrop/internal/bundle"
	"photodrop/internal/config"
)

// NewFromConfig creates an ObjectStore implementation based on the config type.
func NewFromConfig(ctx context.Context, cfg config.ObjectStoreConfig) (bundle.ObjectStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem object store requires root to be set")
		}
		return NewFilesystemStore(cfg.Root)
	case "s3":
		return NewS3Store(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Prefix:          cfg.S3Prefix,
			Endpoint:        cfg.S3Endpoint,
			UsePathStyle:    cfg.S3UsePathStyle,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PresignExpiry:   cfg.S3PresignExpiry.Duration,
		})
	default:
		return nil, fmt.Errorf("unknown object store type: %s", cfg.Type)
	}
}

var (
	_ bundle.ObjectStore = (*MemoryStore)(nil)
	_ bundle.ObjectStore = (*FilesystemStore)(nil)
	_ bundle.ObjectStore = (*S3Store)(nil)
)
