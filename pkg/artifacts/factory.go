package artifacts

import (
	"context"
	"fmt"
)

// StoreType names an artifact storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// GCSConfig configures GCSStore. The GCS backend needs the gcp build tag.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// Config selects and configures a backend.
type Config struct {
	Type StoreType
	// Dir is the FileStore directory.
	Dir string
	S3  S3Config
	GCS GCSConfig
}

// New opens the configured backend. An empty Type means fs.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", StoreTypeFS:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("artifact dir is required for fs storage")
		}
		return NewFileStore(cfg.Dir)
	case StoreTypeS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
		}
		if cfg.S3.Region == "" {
			cfg.S3.Region = "us-east-1"
		}
		return NewS3Store(ctx, cfg.S3)
	case StoreTypeGCS:
		if cfg.GCS.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Type)
	}
}
