// Package snapshot provides S3-compatible upload of server store backups.
// When S3 is not configured (empty bucket), the NoopUploader is used and
// all upload operations are skipped, keeping the server in local-only mode.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sethvargo/go-retry"

	"github.com/cadenzadev/cadenza/internal/config"
)

// ErrNotConfigured is returned when S3 snapshot storage is not configured.
var ErrNotConfigured = errors.New("snapshot storage not configured")

// Uploader uploads server store snapshots.
type Uploader interface {
	// Upload uploads a snapshot file to S3.
	Upload(ctx context.Context, filePath string) error
}

// s3Client defines the minimal minio.Client surface used by S3Uploader.
// This interface enables testing with mock implementations.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string) error
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client
// interface with our simplified signature.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, opts)
	return err
}

// S3Uploader uploads snapshots to S3-compatible storage.
type S3Uploader struct {
	client s3Client
	bucket string
	prefix string
}

// Upload uploads the snapshot file at filePath, retrying transient
// failures with capped exponential backoff before giving up.
func (u *S3Uploader) Upload(ctx context.Context, filePath string) error {
	backoff := retry.WithMaxDuration(2*time.Minute,
		retry.WithCappedDuration(30*time.Second,
			retry.NewExponential(time.Second)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := u.client.FPutObject(ctx, u.bucket, u.objectKey(), filePath); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upload snapshot to S3: %w", err)
	}
	return nil
}

// NoopUploader is used when S3 storage is not configured.
type NoopUploader struct{}

// Upload is a no-op when S3 is not configured.
func (u *NoopUploader) Upload(ctx context.Context, filePath string) error {
	return nil
}

// NewUploader creates the appropriate Uploader based on configuration.
// Returns NoopUploader when bucket is empty, S3Uploader otherwise.
func NewUploader(cfg config.SnapshotStorageConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// objectKey returns the S3 object key for the current snapshot.
func (u *S3Uploader) objectKey() string {
	if u.prefix != "" {
		return u.prefix + "/snapshot/current.db"
	}
	return "snapshot/current.db"
}
