// Package server implements the shared remote store API consumed by the
// sync engine: versioned push with idempotent replay, and cursor-based
// pull over a global change sequence. One running instance serves every
// device of an account.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cadenzadev/cadenza/internal/store"
	syncwire "github.com/cadenzadev/cadenza/internal/sync"
	"github.com/cadenzadev/cadenza/internal/types"
	"github.com/cadenzadev/cadenza/migrations"
)

// IdempotencyTTL is how long push responses are cached for replay.
const IdempotencyTTL = 24 * time.Hour

// Store is the authoritative record store behind the server.
type Store struct {
	db     *sql.DB
	dbPath string
}

// OpenStore opens the server store at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	db, err := store.OpenDB(dbPath, migrations.Remote)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, dbPath: dbPath}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CheckPushIdempotency returns the cached response for a push_id, if any.
func (s *Store) CheckPushIdempotency(ctx context.Context, pushID string) ([]byte, bool, error) {
	var response, expiresAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT response, expires_at FROM push_idempotency WHERE push_id = ?
	`, pushID).Scan(&response, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("check idempotency: %w", err)
	}

	expires, parseErr := time.Parse(time.RFC3339Nano, expiresAt)
	if parseErr != nil || time.Now().After(expires) {
		return nil, false, nil
	}
	return []byte(response), true, nil
}

// RecordPushIdempotency caches a push response for replay.
func (s *Store) RecordPushIdempotency(ctx context.Context, pushID string, response []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_idempotency (push_id, response, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(push_id) DO NOTHING
	`, pushID, string(response), now.Format(time.RFC3339Nano),
		now.Add(ttl).Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record idempotency: %w", err)
	}
	return nil
}

// ApplyPush applies one push request atomically and returns per-record
// outcomes. A record whose base version no longer matches the server's
// current revision is rejected with the server's copy attached; accepted
// records receive the next positions in the global change sequence.
func (s *Store) ApplyPush(ctx context.Context, req syncwire.PushRequest) (*syncwire.PushResponse, error) {
	table, err := types.ParseTable(req.Table)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	seq, err := currentSeqTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	resp := &syncwire.PushResponse{
		Accepted: []syncwire.PushAck{},
		Rejected: []syncwire.PushReject{},
	}

	for _, rec := range req.Records {
		if rec.ID == "" || (len(rec.Payload) > 0 && !json.Valid(rec.Payload)) {
			resp.Rejected = append(resp.Rejected, syncwire.PushReject{
				ID: rec.ID, Reason: syncwire.RejectInvalid,
			})
			continue
		}

		current, err := getServerRecordTx(ctx, tx, table, rec.ID)
		if err != nil {
			return nil, err
		}

		// Precondition: the push must be based on the server's current
		// revision. A nil base claims the server has never seen the row.
		mismatch := false
		if current == nil {
			mismatch = rec.BaseVersion != nil
		} else {
			mismatch = rec.BaseVersion == nil || *rec.BaseVersion != current.RemoteVersion
		}
		if mismatch {
			rej := syncwire.PushReject{ID: rec.ID, Reason: syncwire.RejectVersionMismatch}
			if current != nil {
				rej.RemoteVersion = current.RemoteVersion
				rej.Remote = current
			}
			resp.Rejected = append(resp.Rejected, rej)
			continue
		}

		seq++
		if err := upsertServerRecordTx(ctx, tx, table, rec, seq); err != nil {
			return nil, err
		}
		resp.Accepted = append(resp.Accepted, syncwire.PushAck{
			ID: rec.ID, RemoteVersion: seq,
		})
	}

	if err := setSeqTx(ctx, tx, seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return resp, nil
}

// Pull returns records of one table changed after the since cursor, in
// change-sequence order, plus the cursor for the next page.
func (s *Store) Pull(ctx context.Context, table types.Table, since int64, limit int) (*syncwire.PullResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, payload, server_version, updated_at, deleted
		FROM server_records
		WHERE table_name = ? AND server_version > ?
		ORDER BY server_version ASC
		LIMIT ?
	`, string(table), since, limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	resp := &syncwire.PullResponse{Records: []syncwire.Record{}}
	cursor := since
	for rows.Next() {
		rec, err := scanServerRecord(rows, table)
		if err != nil {
			return nil, err
		}
		resp.Records = append(resp.Records, *rec)
		cursor = rec.RemoteVersion
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	resp.NextCursor = strconv.FormatInt(cursor, 10)
	return resp, nil
}

func currentSeqTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var v string
	if err := tx.QueryRowContext(ctx,
		`SELECT value FROM server_meta WHERE key = 'server_seq'`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read server seq: %w", err)
	}
	seq, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse server seq: %w", err)
	}
	return seq, nil
}

func setSeqTx(ctx context.Context, tx *sql.Tx, seq int64) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE server_meta SET value = ? WHERE key = 'server_seq'`,
		strconv.FormatInt(seq, 10)); err != nil {
		return fmt.Errorf("advance server seq: %w", err)
	}
	return nil
}

func getServerRecordTx(ctx context.Context, tx *sql.Tx, table types.Table, id string) (*syncwire.Record, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, owner_id, payload, server_version, updated_at, deleted
		FROM server_records WHERE table_name = ? AND id = ?
	`, string(table), id)

	rec, err := scanServerRecord(row, table)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func scanServerRecord(scanner interface{ Scan(...any) error }, table types.Table) (*syncwire.Record, error) {
	var rec syncwire.Record
	var payload, updatedAt string
	var deleted int

	if err := scanner.Scan(&rec.ID, &rec.OwnerID, &payload,
		&rec.RemoteVersion, &updatedAt, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan server record: %w", err)
	}

	rec.Table = string(table)
	rec.Payload = json.RawMessage(payload)
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	rec.Deleted = deleted != 0
	return &rec, nil
}

func upsertServerRecordTx(ctx context.Context, tx *sql.Tx, table types.Table, rec syncwire.Record, version int64) error {
	payload := "{}"
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}
	deleted := 0
	if rec.Deleted {
		deleted = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO server_records (table_name, id, owner_id, payload, server_version, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, id) DO UPDATE SET
			owner_id = excluded.owner_id,
			payload = excluded.payload,
			server_version = excluded.server_version,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted
	`, string(table), rec.ID, rec.OwnerID, payload, version,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano), deleted)
	if err != nil {
		return fmt.Errorf("upsert server record: %w", err)
	}
	return nil
}

// SnapshotPath returns the filename a snapshot of this store is written
// to, next to the live database.
func (s *Store) SnapshotPath() string {
	return s.dbPath + ".snapshot"
}

// GenerateSnapshot writes a consistent copy of the server store using
// SQLite's VACUUM INTO. VACUUM INTO refuses to overwrite, so any stale
// snapshot is removed first.
func (s *Store) GenerateSnapshot(ctx context.Context) error {
	dest := s.SnapshotPath()
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("generate snapshot: %w", err)
	}
	return nil
}
