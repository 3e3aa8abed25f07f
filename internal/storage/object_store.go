package storage

import (
	"context"
	"io"
)

// ObjectStore is the artifact archive: finalized model versions are
// mirrored into it and export bundles are served from it. Implementations
// are the local filesystem store and S3 (including MinIO endpoints).
type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	DownloadDir(ctx context.Context, bucket, prefix, dest string, overwrite bool) error

	UploadDir(ctx context.Context, bucket, prefix, src string) error
}

type Object struct {
	Name string
	Size int64
}
