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

// Mutation is one application-level write to a synchronized record.
type Mutation struct {
	Table     types.Table
	RecordID  string
	Operation types.Operation
	OwnerID   string
	Payload   json.RawMessage // ignored for deletes
}

// ApplyLocalMutation applies a domain write and appends its queue entry in
// a single transaction: the queue can never diverge from the data it
// describes. Returns the record as committed.
//
// Coalescing keeps one pending intent per record:
//   - a second write before push replaces the pending payload and resets
//     its attempt counter
//   - create followed by delete before any push cancels both sides; the
//     remote store never learns the record existed
//   - a write to a record whose previous change terminally failed or is
//     held for review supersedes that entry (the user acted)
func (s *SQLiteStore) ApplyLocalMutation(ctx context.Context, m Mutation, now time.Time) (*types.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := s.applyDomainWriteTx(ctx, tx, m, now)
	if err != nil {
		return nil, err
	}

	cancelled, err := s.enqueueTx(ctx, tx, m, rec, now)
	if err != nil {
		return nil, err
	}
	if cancelled {
		// create+delete before push: remove the row outright.
		if err := deleteRecordTx(ctx, tx, m.Table, m.RecordID); err != nil {
			return nil, err
		}
		rec = nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) applyDomainWriteTx(ctx context.Context, tx *sql.Tx, m Mutation, now time.Time) (*types.Record, error) {
	existing, err := getRecord(ctx, tx, m.Table, m.RecordID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	switch m.Operation {
	case types.OpCreate:
		if existing != nil && !existing.Deleted {
			return nil, fmt.Errorf("%w: %s/%s", ErrExists, m.Table, m.RecordID)
		}
		rec := &types.Record{
			Table:          m.Table,
			ID:             m.RecordID,
			OwnerID:        m.OwnerID,
			Payload:        m.Payload,
			LocalVersion:   1,
			UpdatedAtLocal: now,
		}
		if existing != nil {
			// Re-create over an unsynced tombstone keeps the version monotonic.
			rec.LocalVersion = existing.LocalVersion + 1
			rec.RemoteVersion = existing.RemoteVersion
		}
		return rec, upsertRecordTx(ctx, tx, rec)

	case types.OpUpdate:
		if existing == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, m.Table, m.RecordID)
		}
		if existing.Deleted {
			return nil, fmt.Errorf("%w: %s/%s", ErrDeleted, m.Table, m.RecordID)
		}
		existing.Payload = m.Payload
		existing.LocalVersion++
		existing.UpdatedAtLocal = now
		return existing, upsertRecordTx(ctx, tx, existing)

	case types.OpDelete:
		if existing == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, m.Table, m.RecordID)
		}
		existing.Deleted = true
		existing.LocalVersion++
		existing.UpdatedAtLocal = now
		return existing, upsertRecordTx(ctx, tx, existing)

	default:
		return nil, fmt.Errorf("unknown operation %q", m.Operation)
	}
}

// enqueueTx records the intent to push. Returns cancelled=true when the
// mutation annihilates an unpushed create.
func (s *SQLiteStore) enqueueTx(ctx context.Context, tx *sql.Tx, m Mutation, rec *types.Record, now time.Time) (cancelled bool, err error) {
	active, err := activeEntryTx(ctx, tx, m.Table, m.RecordID)
	if err != nil {
		return false, err
	}

	// A terminally failed entry is superseded by the new intent.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE table_name = ? AND record_id = ? AND status = 'failed'
	`, string(m.Table), m.RecordID); err != nil {
		return false, fmt.Errorf("supersede failed entry: %w", err)
	}

	op := m.Operation
	if active != nil && active.Status != StatusInFlight {
		if active.Operation == types.OpCreate && op == types.OpDelete {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM sync_queue WHERE entry_id = ?`, active.EntryID); err != nil {
				return false, fmt.Errorf("cancel entry: %w", err)
			}
			return true, nil
		}
		// The remote store has never seen a record whose create is still
		// queued; the coalesced entry stays a create.
		if active.Operation == types.OpCreate && op == types.OpUpdate {
			op = types.OpCreate
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET operation = ?, payload = ?, mutated_at = ?, status = 'pending',
			    attempt_count = 0, last_error = '', next_attempt_at = ?
			WHERE entry_id = ?
		`, string(op), payloadArg(rec), formatTime(now), formatTime(now), active.EntryID); err != nil {
			return false, fmt.Errorf("coalesce entry: %w", err)
		}
		return false, nil
	}

	// No coalescible entry (none, or the active one is mid-transmission):
	// append a fresh pending intent.
	var base any
	if rec.RemoteVersion != nil {
		base = *rec.RemoteVersion
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (table_name, record_id, operation, payload, owner_id, mutated_at, base_remote_version, enqueued_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(m.Table), m.RecordID, string(op), payloadArg(rec), rec.OwnerID,
		formatTime(now), base, formatTime(now), formatTime(now)); err != nil {
		return false, fmt.Errorf("enqueue entry: %w", err)
	}
	return false, nil
}

func payloadArg(rec *types.Record) any {
	if rec == nil || len(rec.Payload) == 0 {
		return nil
	}
	return string(rec.Payload)
}
