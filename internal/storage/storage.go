// Package storage implements the transcript store on local files, S3
// and SQLite.
package storage

import (
	"context"

	"go.uber.org/zap"

	"agentrelay/internal/config"
	"agentrelay/internal/transcript"
)

// Kind names a backend for logs and the health endpoint.
type Kind string

const (
	KindLocal  Kind = "local"
	KindS3     Kind = "s3"
	KindSQLite Kind = "sqlite"
)

// New picks a backend: S3 when a bucket is configured, SQLite when a
// database path is, local files otherwise. An S3 backend that cannot be
// built degrades to local files.
func New(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (transcript.Store, Kind, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("storage")

	if cfg.Bucket != "" {
		store, err := NewS3(ctx, cfg.Bucket, cfg.Prefix, cfg.Region, logger)
		if err == nil {
			logger.Info("using s3 transcript store",
				zap.String("bucket", cfg.Bucket),
				zap.String("prefix", store.Prefix),
			)
			return store, KindS3, nil
		}
		logger.Warn("s3 transcript store unavailable, falling back to local files", zap.Error(err))
	} else if cfg.DBPath != "" {
		store, err := NewSQLite(cfg.DBPath, nil)
		if err != nil {
			return nil, "", err
		}
		logger.Info("using sqlite transcript store", zap.String("path", cfg.DBPath))
		return store, KindSQLite, nil
	}

	logger.Info("using local transcript store", zap.String("dir", cfg.Dir))
	return NewLocal(cfg.Dir, logger), KindLocal, nil
}
