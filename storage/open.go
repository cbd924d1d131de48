package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/moyoez/chunkrecv/types"
)

// Open selects a backend from configuration.
func Open(ctx context.Context, cfg types.StorageConfig) (ChunkStorage, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "fs", "filesystem":
		root := cfg.Path
		if root == "" {
			root = ".chunks"
		}
		return NewFSStorage(root, WithCompression(cfg.Compress))
	case "memory":
		return NewMemoryStorage(), nil
	case "redis":
		return OpenRedisStorage(cfg.RedisURL, cfg.RedisPrefix)
	case "s3":
		return OpenS3Storage(ctx, S3Config{
			Bucket:       cfg.Bucket,
			Prefix:       cfg.Prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
