// Package storage reads document bytes from object storage or the
// local filesystem.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/hsn0918/enterprise-kb/internal/config"
	"github.com/hsn0918/enterprise-kb/internal/logger"
)

// Reader resolves a source path to raw bytes.
type Reader interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// ObjectReader reads minio:// paths from object storage and anything
// else from the local filesystem.
type ObjectReader struct {
	client *minio.Client
	bucket string
}

var _ Reader = (*ObjectReader)(nil)

// NewObjectReader connects to MinIO and ensures the configured bucket
// exists.
func NewObjectReader(ctx context.Context, cfg config.Config) (*ObjectReader, error) {
	client, err := minio.New(cfg.MinIO.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinIO.AccessKeyID, cfg.MinIO.SecretAccessKey, ""),
		Secure: cfg.MinIO.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.MinIO.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinIO.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.MinIO.BucketName, err)
		}
		logger.Get().Info("bucket created", zap.String("bucket", cfg.MinIO.BucketName))
	}

	return &ObjectReader{client: client, bucket: cfg.MinIO.BucketName}, nil
}

// Read fetches the bytes at path. Paths of the form
// minio://bucket/object address object storage; a missing bucket part
// falls back to the configured default bucket. Anything else is read
// from the local filesystem.
func (r *ObjectReader) Read(ctx context.Context, path string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(path, "minio://"); ok {
		bucket, object := r.bucket, rest
		if idx := strings.IndexByte(rest, '/'); idx > 0 {
			bucket, object = rest[:idx], rest[idx+1:]
		}
		obj, err := r.client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to open object %s: %w", path, err)
		}
		defer obj.Close()
		data, err := io.ReadAll(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to read object %s: %w", path, err)
		}
		return data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return data, nil
}

// Store uploads document bytes so workers on other hosts can read them.
func (r *ObjectReader) Store(ctx context.Context, object string, data []byte) (string, error) {
	_, err := r.client.PutObject(ctx, r.bucket, object,
		strings.NewReader(string(data)), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to store object %s: %w", object, err)
	}
	return "minio://" + r.bucket + "/" + object, nil
}

// FileReader reads only from the local filesystem; used by tests and
// single-node deployments without object storage.
type FileReader struct{}

var _ Reader = FileReader{}

func (FileReader) Read(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}
