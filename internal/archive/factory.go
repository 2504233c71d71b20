package archive

import (
	"context"
	"fmt"

	"bpa-go/internal/bpa"
	"bpa-go/internal/config"
)

// NewArchiveFromConfig creates an archive based on the archive config type.
// It returns nil, nil when archiving is disabled.
func NewArchiveFromConfig(ctx context.Context, cfg config.ArchiveConfig) (bpa.Archive, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "memory":
		return NewMemoryArchive(cfg.Name), nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem archive requires fs_root to be set")
		}
		return NewFileSystemArchive(cfg.Name, cfg.FSRoot)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 archive requires s3_bucket to be set")
		}
		return NewS3Archive(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown archive type: %s", cfg.Type)
	}
}
