package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cadenzadev/cadenza/internal/types"
)

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

const (
	StatusPending  QueueStatus = "pending"
	StatusInFlight QueueStatus = "in_flight"
	StatusSynced   QueueStatus = "synced"
	StatusFailed   QueueStatus = "failed"

	// StatusHeld parks an entry behind an unresolved conflict: it is
	// neither retried nor dropped until the user decides.
	StatusHeld QueueStatus = "held"
)

// QueueEntry is one intended mutation awaiting push. Payload is the full
// record state at enqueue time, not a diff.
type QueueEntry struct {
	EntryID   int64
	Table     types.Table
	RecordID  string
	Operation types.Operation
	Payload   json.RawMessage
	OwnerID   string

	// MutatedAt is the wall clock of the local write this entry carries,
	// used by the conflict policy on the receiving side.
	MutatedAt         time.Time
	BaseRemoteVersion *int64
	Status            QueueStatus
	AttemptCount      int
	LastError         string
	EnqueuedAt        time.Time
	NextAttemptAt     time.Time
}

// Backoff returns the retry delay after the given failed attempt count:
// base doubled per attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

const queueColumns = `entry_id, table_name, record_id, operation, payload, owner_id, mutated_at, base_remote_version, status, attempt_count, last_error, enqueued_at, next_attempt_at`

func scanQueueEntry(scanner interface{ Scan(...any) error }) (*QueueEntry, error) {
	var e QueueEntry
	var table, op, status, mutatedAt, enqueuedAt, nextAttemptAt string
	var payload sql.NullString
	var base sql.NullInt64

	err := scanner.Scan(&e.EntryID, &table, &e.RecordID, &op, &payload, &e.OwnerID,
		&mutatedAt, &base, &status, &e.AttemptCount, &e.LastError, &enqueuedAt, &nextAttemptAt)
	if err != nil {
		return nil, err
	}

	e.Table = types.Table(table)
	e.Operation = types.Operation(op)
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	e.MutatedAt = parseTime(mutatedAt)
	if base.Valid {
		v := base.Int64
		e.BaseRemoteVersion = &v
	}
	e.Status = QueueStatus(status)
	e.EnqueuedAt = parseTime(enqueuedAt)
	e.NextAttemptAt = parseTime(nextAttemptAt)
	return &e, nil
}

// activeEntryTx returns the pending, in-flight, or held entry for a record,
// or nil if none exists. At most one entry per status can exist per record.
func activeEntryTx(ctx context.Context, q querier, table types.Table, recordID string) (*QueueEntry, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE table_name = ? AND record_id = ? AND status IN ('pending', 'in_flight', 'held')
		ORDER BY entry_id DESC LIMIT 1
	`, string(table), recordID)

	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue entry: %w", err)
	}
	return e, nil
}

// NextBatch returns the oldest eligible pending entries up to limit and
// marks them in-flight. An entry is eligible once its backoff timestamp
// has passed and no other entry for the same record is already in flight.
func (s *SQLiteStore) NextBatch(ctx context.Context, limit int, now time.Time) ([]QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue q
		WHERE q.status = 'pending' AND q.next_attempt_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM sync_queue f
			WHERE f.status = 'in_flight'
			  AND f.table_name = q.table_name AND f.record_id = q.record_id
		  )
		ORDER BY q.entry_id ASC
		LIMIT ?
	`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}

	var batch []QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		batch = append(batch, *e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range batch {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET status = 'in_flight' WHERE entry_id = ?`,
			batch[i].EntryID); err != nil {
			return nil, fmt.Errorf("mark in flight: %w", err)
		}
		batch[i].Status = StatusInFlight
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return batch, nil
}

// MarkSynced finalizes a successfully pushed entry: the record's remote
// version advances to the acknowledged revision, a synced delete drops its
// tombstone unless the record was re-created meanwhile, and the entry
// itself is pruned.
func (s *SQLiteStore) MarkSynced(ctx context.Context, entry QueueEntry, remoteVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if entry.Operation == types.OpDelete {
		// The record may have been re-created while the delete was in
		// flight. The row then belongs to the newer mutation: rebase it
		// on the acked tombstone revision instead of dropping it.
		var newer int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM sync_queue
			WHERE table_name = ? AND record_id = ? AND entry_id > ?
			  AND status IN ('pending', 'in_flight', 'held')
		`, string(entry.Table), entry.RecordID, entry.EntryID).Scan(&newer); err != nil {
			return fmt.Errorf("check newer entries: %w", err)
		}
		if newer > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE records SET remote_version = ? WHERE table_name = ? AND id = ?
			`, remoteVersion, string(entry.Table), entry.RecordID); err != nil {
				return fmt.Errorf("update record baseline: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE sync_queue SET base_remote_version = ?
				WHERE table_name = ? AND record_id = ? AND entry_id > ?
			`, remoteVersion, string(entry.Table), entry.RecordID, entry.EntryID); err != nil {
				return fmt.Errorf("rebase newer entries: %w", err)
			}
		} else if err := deleteRecordTx(ctx, tx, entry.Table, entry.RecordID); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET remote_version = ? WHERE table_name = ? AND id = ?
		`, remoteVersion, string(entry.Table), entry.RecordID); err != nil {
			return fmt.Errorf("update remote version: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE entry_id = ?`, entry.EntryID); err != nil {
		return fmt.Errorf("prune synced entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// MarkFailedAttempt records a retryable failure. The entry returns to
// pending with an exponential backoff eligibility timestamp, or becomes
// terminally failed once maxAttempts is reached.
func (s *SQLiteStore) MarkFailedAttempt(ctx context.Context, entryID int64, cause string, maxAttempts int, base, max time.Duration, now time.Time) (QueueStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRowContext(ctx,
		`SELECT attempt_count FROM sync_queue WHERE entry_id = ?`, entryID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read attempt count: %w", err)
	}

	attempts++
	status := StatusPending
	nextAttempt := now.Add(Backoff(attempts, base, max))
	if attempts >= maxAttempts {
		status = StatusFailed
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, attempt_count = ?, last_error = ?, next_attempt_at = ?
		WHERE entry_id = ?
	`, string(status), attempts, cause, formatTime(nextAttempt), entryID); err != nil {
		return "", fmt.Errorf("record failed attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return status, nil
}

// MarkFailedTerminal moves an entry straight to the terminal failed state,
// bypassing retries. Used for server-side validation rejections that would
// fail identically on every attempt.
func (s *SQLiteStore) MarkFailedTerminal(ctx context.Context, entryID int64, cause string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'failed', last_error = ? WHERE entry_id = ?
	`, cause, entryID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueWithBase returns an in-flight entry to pending, rebased on the
// remote revision it lost to. The payload stays local; only the
// precondition changes, so the next push supersedes the remote copy.
func (s *SQLiteStore) RequeueWithBase(ctx context.Context, entryID int64, remoteVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending', base_remote_version = ?
		WHERE entry_id = ?
	`, remoteVersion, entryID)
	if err != nil {
		return fmt.Errorf("requeue entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	var table, recordID string
	if err := tx.QueryRowContext(ctx,
		`SELECT table_name, record_id FROM sync_queue WHERE entry_id = ?`,
		entryID).Scan(&table, &recordID); err != nil {
		return fmt.Errorf("read entry: %w", err)
	}

	// The remote copy becomes the new baseline for the record too.
	if _, err := tx.ExecContext(ctx, `
		UPDATE records SET remote_version = ? WHERE table_name = ? AND id = ?
	`, remoteVersion, table, recordID); err != nil {
		return fmt.Errorf("update record baseline: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// PendingCount returns the number of entries still awaiting a successful
// push, for "N changes syncing" indicators.
func (s *SQLiteStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue WHERE status IN ('pending', 'in_flight')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// FailedEntries returns terminally failed entries awaiting user action.
func (s *SQLiteStore) FailedEntries(ctx context.Context) ([]QueueEntry, error) {
	return s.entriesByStatus(ctx, StatusFailed)
}

// HeldEntries returns entries parked behind an unresolved conflict.
func (s *SQLiteStore) HeldEntries(ctx context.Context) ([]QueueEntry, error) {
	return s.entriesByStatus(ctx, StatusHeld)
}

func (s *SQLiteStore) entriesByStatus(ctx context.Context, status QueueStatus) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE status = ? ORDER BY entry_id ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// DiscardEntry drops a failed entry after the user gave up on the change.
// The local row keeps its state until the next pull re-converges it.
func (s *SQLiteStore) DiscardEntry(ctx context.Context, entryID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE entry_id = ? AND status = 'failed'`, entryID)
	if err != nil {
		return fmt.Errorf("discard entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetQueueEntry returns one entry by id.
func (s *SQLiteStore) GetQueueEntry(ctx context.Context, entryID int64) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE entry_id = ?`, entryID)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue entry: %w", err)
	}
	return e, nil
}
