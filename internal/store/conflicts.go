package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cadenzadev/cadenza/internal/types"
)

// ConflictResolution classifies how a divergence was handled.
type ConflictResolution string

const (
	ResolutionAutoResolved ConflictResolution = "auto_resolved"
	ResolutionNeedsReview  ConflictResolution = "needs_review"
)

// Conflict records one divergence between a local and a remote version of
// the same record. Conflicts are never silently dropped.
type Conflict struct {
	ConflictID      int64
	Table           types.Table
	RecordID        string
	LocalSnapshot   json.RawMessage
	RemoteSnapshot  json.RawMessage
	DetectedAt      time.Time
	Resolution      ConflictResolution
	ResolvedPayload json.RawMessage
}

func insertConflictTx(ctx context.Context, tx *sql.Tx, c *Conflict) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_conflicts (table_name, record_id, local_snapshot, remote_snapshot, detected_at, resolution, resolved_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(c.Table), c.RecordID, rawArg(c.LocalSnapshot), rawArg(c.RemoteSnapshot),
		formatTime(c.DetectedAt), string(c.Resolution), rawArg(c.ResolvedPayload))
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

func rawArg(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}

// ListConflicts returns recorded conflicts, optionally only the ones that
// still need review.
func (s *SQLiteStore) ListConflicts(ctx context.Context, needsReviewOnly bool) ([]Conflict, error) {
	query := `
		SELECT conflict_id, table_name, record_id, local_snapshot, remote_snapshot, detected_at, resolution, resolved_payload
		FROM sync_conflicts`
	if needsReviewOnly {
		query += ` WHERE resolution = 'needs_review'`
	}
	query += ` ORDER BY conflict_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		var table, detectedAt, resolution string
		var local, remote, resolved sql.NullString
		if err := rows.Scan(&c.ConflictID, &table, &c.RecordID, &local, &remote,
			&detectedAt, &resolution, &resolved); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		c.Table = types.Table(table)
		c.DetectedAt = parseTime(detectedAt)
		c.Resolution = ConflictResolution(resolution)
		if local.Valid {
			c.LocalSnapshot = json.RawMessage(local.String)
		}
		if remote.Valid {
			c.RemoteSnapshot = json.RawMessage(remote.String)
		}
		if resolved.Valid {
			c.ResolvedPayload = json.RawMessage(resolved.String)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveConflict settles a needs_review conflict by user decision.
// keepLocal releases the held queue entry back to pending so the local
// version pushes; otherwise the remote snapshot overwrites the local row
// and the held entry is dropped.
func (s *SQLiteStore) ResolveConflict(ctx context.Context, conflictID int64, keepLocal bool, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var table, recordID, resolution string
	var remoteSnapshot sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT table_name, record_id, resolution, remote_snapshot
		FROM sync_conflicts WHERE conflict_id = ?
	`, conflictID).Scan(&table, &recordID, &resolution, &remoteSnapshot)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read conflict: %w", err)
	}
	if ConflictResolution(resolution) != ResolutionNeedsReview {
		return fmt.Errorf("conflict %d is already resolved", conflictID)
	}

	var resolvedPayload any
	if keepLocal {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET status = 'pending', next_attempt_at = ?
			WHERE table_name = ? AND record_id = ? AND status = 'held'
		`, formatTime(now), table, recordID); err != nil {
			return fmt.Errorf("release held entry: %w", err)
		}
	} else {
		var remote remoteSnapshotRecord
		if remoteSnapshot.Valid {
			if err := json.Unmarshal([]byte(remoteSnapshot.String), &remote); err != nil {
				return fmt.Errorf("decode remote snapshot: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM sync_queue
			WHERE table_name = ? AND record_id = ? AND status = 'held'
		`, table, recordID); err != nil {
			return fmt.Errorf("drop held entry: %w", err)
		}
		if remote.Deleted {
			if err := deleteRecordTx(ctx, tx, types.Table(table), recordID); err != nil {
				return err
			}
		} else {
			v := remote.RemoteVersion
			rec := &types.Record{
				Table:          types.Table(table),
				ID:             recordID,
				OwnerID:        remote.OwnerID,
				Payload:        remote.Payload,
				RemoteVersion:  &v,
				UpdatedAtLocal: remote.UpdatedAt,
			}
			if err := upsertRecordTx(ctx, tx, rec); err != nil {
				return err
			}
			resolvedPayload = rawArg(remote.Payload)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_conflicts SET resolution = 'auto_resolved', resolved_payload = ?
		WHERE conflict_id = ?
	`, resolvedPayload, conflictID); err != nil {
		return fmt.Errorf("settle conflict: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// remoteSnapshotRecord mirrors the wire record fields persisted in a
// conflict's remote snapshot.
type remoteSnapshotRecord struct {
	OwnerID       string          `json:"owner_id"`
	Payload       json.RawMessage `json:"payload"`
	RemoteVersion int64           `json:"remote_version"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Deleted       bool            `json:"deleted"`
}
