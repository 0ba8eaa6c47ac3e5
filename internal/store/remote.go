package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	syncwire "github.com/cadenzadev/cadenza/internal/sync"
	"github.com/cadenzadev/cadenza/internal/types"
)

// Decision is the conflict resolver's verdict for one diverged record.
type Decision int

const (
	// DecisionAcceptRemote overwrites the local row, drops the stale
	// queue entry, and records an auto-resolved conflict.
	DecisionAcceptRemote Decision = iota

	// DecisionKeepLocal rebases the pending push on the remote revision;
	// the local payload stays and pushes again.
	DecisionKeepLocal

	// DecisionNeedsReview leaves the local state, holds the queue entry,
	// and surfaces the conflict to the user.
	DecisionNeedsReview
)

// ResolveFunc decides the winner when a pulled record collides with a
// pending local mutation. local is nil when only the queue entry survives.
type ResolveFunc func(local *types.Record, entry *QueueEntry, remote syncwire.Record) Decision

// ApplyResult summarizes one committed remote batch.
type ApplyResult struct {
	Applied     int
	Conflicts   int
	NeedsReview int
	Skipped     int // records left to the in-flight push to settle
}

// ApplyRemoteBatch applies one page of pulled records and advances the
// table cursor in the same transaction: either the whole page and the new
// watermark commit together or nothing does. Re-applying the same page
// after a crash is idempotent because every write is a full-state
// overwrite keyed by id.
func (s *SQLiteStore) ApplyRemoteBatch(ctx context.Context, table types.Table, records []syncwire.Record, nextCursor string, resolve ResolveFunc, now time.Time) (*ApplyResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res := &ApplyResult{}
	for _, rec := range records {
		if err := s.applyRemoteRecordTx(ctx, tx, table, rec, resolve, now, res); err != nil {
			return nil, err
		}
	}

	if nextCursor != "" {
		if err := setCursorTx(ctx, tx, table, nextCursor); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return res, nil
}

func (s *SQLiteStore) applyRemoteRecordTx(ctx context.Context, tx *sql.Tx, table types.Table, rec syncwire.Record, resolve ResolveFunc, now time.Time, res *ApplyResult) error {
	entry, err := activeEntryTx(ctx, tx, table, rec.ID)
	if err != nil {
		return err
	}

	if entry == nil {
		// No pending local intent: plain full-state overwrite.
		if err := overwriteFromRemoteTx(ctx, tx, table, rec); err != nil {
			return err
		}
		res.Applied++
		return nil
	}

	// A record mid-push is settled by the push response, not the pull.
	if entry.Status == StatusInFlight {
		res.Skipped++
		return nil
	}

	// A held record is frozen until the user resolves its conflict;
	// later remote writes must not overwrite it or drop its entry.
	if entry.Status == StatusHeld {
		res.Skipped++
		return nil
	}

	local, err := getRecord(ctx, tx, table, rec.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: entry %d for %s/%s", ErrCorrupted, entry.EntryID, table, rec.ID)
		}
		return err
	}

	switch resolve(local, entry, rec) {
	case DecisionKeepLocal:
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET base_remote_version = ? WHERE entry_id = ?
		`, rec.RemoteVersion, entry.EntryID); err != nil {
			return fmt.Errorf("rebase entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET remote_version = ? WHERE table_name = ? AND id = ?
		`, rec.RemoteVersion, string(table), rec.ID); err != nil {
			return fmt.Errorf("update record baseline: %w", err)
		}

	case DecisionAcceptRemote:
		if err := overwriteFromRemoteTx(ctx, tx, table, rec); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sync_queue WHERE entry_id = ?`, entry.EntryID); err != nil {
			return fmt.Errorf("drop stale entry: %w", err)
		}
		if err := insertConflictTx(ctx, tx, &Conflict{
			Table:           table,
			RecordID:        rec.ID,
			LocalSnapshot:   local.Payload,
			RemoteSnapshot:  remoteSnapshotJSON(rec),
			DetectedAt:      now,
			Resolution:      ResolutionAutoResolved,
			ResolvedPayload: rec.Payload,
		}); err != nil {
			return err
		}
		res.Applied++
		res.Conflicts++

	case DecisionNeedsReview:
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET status = 'held' WHERE entry_id = ?`,
			entry.EntryID); err != nil {
			return fmt.Errorf("hold entry: %w", err)
		}
		if err := insertConflictTx(ctx, tx, &Conflict{
			Table:          table,
			RecordID:       rec.ID,
			LocalSnapshot:  local.Payload,
			RemoteSnapshot: remoteSnapshotJSON(rec),
			DetectedAt:     now,
			Resolution:     ResolutionNeedsReview,
		}); err != nil {
			return err
		}
		res.NeedsReview++
	}
	return nil
}

// overwriteFromRemoteTx replaces the local row with the remote state.
// A remote tombstone removes the row; there is nothing left to sync.
func overwriteFromRemoteTx(ctx context.Context, tx *sql.Tx, table types.Table, rec syncwire.Record) error {
	if rec.Deleted {
		return deleteRecordTx(ctx, tx, table, rec.ID)
	}

	// Preserve the local version counter if the row already exists.
	var localVersion int64
	err := tx.QueryRowContext(ctx,
		`SELECT local_version FROM records WHERE table_name = ? AND id = ?`,
		string(table), rec.ID).Scan(&localVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read local version: %w", err)
	}

	v := rec.RemoteVersion
	return upsertRecordTx(ctx, tx, &types.Record{
		Table:          table,
		ID:             rec.ID,
		OwnerID:        rec.OwnerID,
		Payload:        rec.Payload,
		LocalVersion:   localVersion,
		RemoteVersion:  &v,
		UpdatedAtLocal: rec.UpdatedAt,
	})
}

// remoteSnapshotJSON serializes the remote record for conflict bookkeeping.
func remoteSnapshotJSON(rec syncwire.Record) json.RawMessage {
	b, err := json.Marshal(remoteSnapshotRecord{
		OwnerID:       rec.OwnerID,
		Payload:       rec.Payload,
		RemoteVersion: rec.RemoteVersion,
		UpdatedAt:     rec.UpdatedAt,
		Deleted:       rec.Deleted,
	})
	if err != nil {
		return nil
	}
	return b
}

// ReconcileFull applies a complete remote table: every remote record is
// overwritten or conflict-checked like an incremental batch, and any local
// record absent remotely with no queued intent is deleted. Used for
// recovery and explicit force-resync only.
func (s *SQLiteStore) ReconcileFull(ctx context.Context, table types.Table, records []syncwire.Record, nextCursor string, resolve ResolveFunc, now time.Time) (*ApplyResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res := &ApplyResult{}
	remoteIDs := make(map[string]struct{}, len(records))
	for _, rec := range records {
		remoteIDs[rec.ID] = struct{}{}
		if err := s.applyRemoteRecordTx(ctx, tx, table, rec, resolve, now, res); err != nil {
			return nil, err
		}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT r.id FROM records r
		WHERE r.table_name = ?
		  AND NOT EXISTS (
			SELECT 1 FROM sync_queue q
			WHERE q.table_name = r.table_name AND q.record_id = r.id
		  )
	`, string(table))
	if err != nil {
		return nil, fmt.Errorf("query local ids: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan id: %w", err)
		}
		if _, ok := remoteIDs[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range stale {
		if err := deleteRecordTx(ctx, tx, table, id); err != nil {
			return nil, err
		}
		res.Applied++
	}

	if err := setCursorTx(ctx, tx, table, nextCursor); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return res, nil
}

// GetCursor returns the pull watermark for a table, "" if never pulled.
func (s *SQLiteStore) GetCursor(ctx context.Context, table types.Table) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_pulled FROM sync_cursors WHERE table_name = ?`,
		string(table)).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read cursor: %w", err)
	}
	return cursor, nil
}

// ClearCursor removes the pull watermark, forcing the next pull to be full.
func (s *SQLiteStore) ClearCursor(ctx context.Context, table types.Table) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_cursors WHERE table_name = ?`, string(table)); err != nil {
		return fmt.Errorf("clear cursor: %w", err)
	}
	return nil
}

func setCursorTx(ctx context.Context, tx *sql.Tx, table types.Table, cursor string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_cursors (table_name, last_pulled) VALUES (?, ?)
		ON CONFLICT(table_name) DO UPDATE SET last_pulled = excluded.last_pulled
	`, string(table), cursor)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// AcceptRemoteOverwrite settles a push rejection by taking the server's
// copy: overwrite the row, drop the losing entry, record the conflict.
func (s *SQLiteStore) AcceptRemoteOverwrite(ctx context.Context, entry QueueEntry, remote syncwire.Record, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	local, err := getRecord(ctx, tx, entry.Table, entry.RecordID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	var localSnapshot json.RawMessage
	if local != nil {
		localSnapshot = local.Payload
	}

	if err := overwriteFromRemoteTx(ctx, tx, entry.Table, remote); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE entry_id = ?`, entry.EntryID); err != nil {
		return fmt.Errorf("drop losing entry: %w", err)
	}
	if err := insertConflictTx(ctx, tx, &Conflict{
		Table:           entry.Table,
		RecordID:        entry.RecordID,
		LocalSnapshot:   localSnapshot,
		RemoteSnapshot:  remoteSnapshotJSON(remote),
		DetectedAt:      now,
		Resolution:      ResolutionAutoResolved,
		ResolvedPayload: remote.Payload,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// HoldForReview parks a push-rejected entry behind a needs-review conflict.
func (s *SQLiteStore) HoldForReview(ctx context.Context, entry QueueEntry, remote syncwire.Record, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	local, err := getRecord(ctx, tx, entry.Table, entry.RecordID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	var localSnapshot json.RawMessage
	if local != nil {
		localSnapshot = local.Payload
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'held' WHERE entry_id = ?`, entry.EntryID); err != nil {
		return fmt.Errorf("hold entry: %w", err)
	}
	if err := insertConflictTx(ctx, tx, &Conflict{
		Table:          entry.Table,
		RecordID:       entry.RecordID,
		LocalSnapshot:  localSnapshot,
		RemoteSnapshot: remoteSnapshotJSON(remote),
		DetectedAt:     now,
		Resolution:     ResolutionNeedsReview,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
