// Package worker contains background workers for the cadenza server.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cadenzadev/cadenza/internal/snapshot"
)

// SnapshotCapableStore represents a store that can generate snapshots.
// This interface allows testing with mock implementations.
type SnapshotCapableStore interface {
	GenerateSnapshot(ctx context.Context) error
	SnapshotPath() string
}

// SnapshotCoordinator periodically generates a snapshot of the server
// store and uploads it to S3 when configured.
type SnapshotCoordinator struct {
	store    SnapshotCapableStore
	uploader snapshot.Uploader
	interval time.Duration
}

// NewSnapshotCoordinator creates a coordinator for the given store.
// The uploader parameter is optional; if nil, no S3 upload is attempted.
func NewSnapshotCoordinator(
	store SnapshotCapableStore,
	interval time.Duration,
	uploader snapshot.Uploader,
) *SnapshotCoordinator {
	return &SnapshotCoordinator{
		store:    store,
		uploader: uploader,
		interval: interval,
	}
}

// Run starts the coordinator loop.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "worker_started",
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Generate a snapshot immediately on start
	c.generateSnapshot(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.generateSnapshot(ctx)
		}
	}
}

// generateSnapshot generates a snapshot and uploads it if configured.
func (c *SnapshotCoordinator) generateSnapshot(ctx context.Context) {
	slog.Info("snapshot generation started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_start",
	)

	if err := c.store.GenerateSnapshot(ctx); err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown, don't log as error
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_failed",
			"error", err,
		)
		return
	}

	slog.Info("snapshot generated",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_complete",
		"path", c.store.SnapshotPath(),
	)

	// Upload to S3 if configured (non-fatal on failure)
	if c.uploader != nil {
		c.uploadSnapshot(ctx)
	}
}

// uploadSnapshot uploads the generated snapshot to S3.
// Upload failures are logged as warnings but are NOT fatal; the local
// snapshot remains valid.
func (c *SnapshotCoordinator) uploadSnapshot(ctx context.Context) {
	path := c.store.SnapshotPath()

	if err := c.uploader.Upload(ctx, path); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("snapshot upload to S3 failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	slog.Info("snapshot uploaded to S3",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_uploaded",
	)
}
