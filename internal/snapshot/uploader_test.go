package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cadenzadev/cadenza/internal/config"
)

// mockS3Client records uploads and fails a configurable number of times.
type mockS3Client struct {
	mu        sync.Mutex
	failCount int
	calls     int
	lastKey   string
	lastPath  string
}

func (m *mockS3Client) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastKey = objectName
	m.lastPath = filePath
	if m.calls <= m.failCount {
		return errors.New("connection reset")
	}
	return nil
}

func TestS3Uploader_Upload(t *testing.T) {
	client := &mockS3Client{}
	u := &S3Uploader{client: client, bucket: "backups", prefix: "prod"}

	if err := u.Upload(context.Background(), "/tmp/snapshot.db"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if client.calls != 1 {
		t.Errorf("expected 1 upload call, got %d", client.calls)
	}
	if client.lastKey != "prod/snapshot/current.db" {
		t.Errorf("unexpected object key %q", client.lastKey)
	}
	if client.lastPath != "/tmp/snapshot.db" {
		t.Errorf("unexpected file path %q", client.lastPath)
	}
}

func TestS3Uploader_RetriesTransientFailure(t *testing.T) {
	// Given a client that fails once before succeeding
	client := &mockS3Client{failCount: 1}
	u := &S3Uploader{client: client, bucket: "backups"}

	// When uploading
	if err := u.Upload(context.Background(), "/tmp/snapshot.db"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	// Then the upload was retried
	if client.calls != 2 {
		t.Errorf("expected 2 upload calls, got %d", client.calls)
	}
}

func TestS3Uploader_GivesUpOnCancelledContext(t *testing.T) {
	client := &mockS3Client{failCount: 1000}
	u := &S3Uploader{client: client, bucket: "backups"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := u.Upload(ctx, "/tmp/snapshot.db"); err == nil {
		t.Error("expected error when context is cancelled")
	}
}

func TestS3Uploader_ObjectKeyWithoutPrefix(t *testing.T) {
	u := &S3Uploader{bucket: "backups"}
	if key := u.objectKey(); key != "snapshot/current.db" {
		t.Errorf("unexpected object key %q", key)
	}
}

func TestNoopUploader(t *testing.T) {
	u := &NoopUploader{}
	if err := u.Upload(context.Background(), "/nonexistent/path.db"); err != nil {
		t.Errorf("noop upload must never fail: %v", err)
	}
}

func TestNewUploader(t *testing.T) {
	// Empty bucket disables uploads
	u, err := NewUploader(config.SnapshotStorageConfig{})
	if err != nil {
		t.Fatalf("NewUploader failed: %v", err)
	}
	if _, ok := u.(*NoopUploader); !ok {
		t.Errorf("expected NoopUploader for empty bucket, got %T", u)
	}

	// Configured bucket yields an S3 uploader
	u, err = NewUploader(config.SnapshotStorageConfig{
		Endpoint:  "s3.example.com",
		Bucket:    "backups",
		AccessKey: "ak",
		SecretKey: "sk",
	})
	if err != nil {
		t.Fatalf("NewUploader failed: %v", err)
	}
	if _, ok := u.(*S3Uploader); !ok {
		t.Errorf("expected S3Uploader, got %T", u)
	}
}
