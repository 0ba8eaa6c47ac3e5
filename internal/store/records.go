package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cadenzadev/cadenza/internal/types"
)

const recordColumns = `table_name, id, owner_id, payload, local_version, remote_version, updated_at_local, deleted`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanRecord(scanner interface{ Scan(...any) error }) (*types.Record, error) {
	var r types.Record
	var table, payload, updatedAt string
	var remoteVersion sql.NullInt64
	var deleted int

	err := scanner.Scan(&table, &r.ID, &r.OwnerID, &payload,
		&r.LocalVersion, &remoteVersion, &updatedAt, &deleted)
	if err != nil {
		return nil, err
	}

	r.Table = types.Table(table)
	r.Payload = json.RawMessage(payload)
	if remoteVersion.Valid {
		v := remoteVersion.Int64
		r.RemoteVersion = &v
	}
	r.UpdatedAtLocal = parseTime(updatedAt)
	r.Deleted = deleted != 0
	return &r, nil
}

func getRecord(ctx context.Context, q querier, table types.Table, id string) (*types.Record, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE table_name = ? AND id = ?`,
		string(table), id)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	return r, nil
}

// GetRecord returns one record including tombstones.
func (s *SQLiteStore) GetRecord(ctx context.Context, table types.Table, id string) (*types.Record, error) {
	return getRecord(ctx, s.db, table, id)
}

// ListRecords returns all live (non-tombstoned) records of one table.
func (s *SQLiteStore) ListRecords(ctx context.Context, table types.Table) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE table_name = ? AND deleted = 0 ORDER BY id`,
		string(table))
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// upsertRecordTx writes the full record state keyed by (table, id).
func upsertRecordTx(ctx context.Context, tx *sql.Tx, r *types.Record) error {
	var remoteVersion any
	if r.RemoteVersion != nil {
		remoteVersion = *r.RemoteVersion
	}
	deleted := 0
	if r.Deleted {
		deleted = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO records (table_name, id, owner_id, payload, local_version, remote_version, updated_at_local, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, id) DO UPDATE SET
			owner_id = excluded.owner_id,
			payload = excluded.payload,
			local_version = excluded.local_version,
			remote_version = excluded.remote_version,
			updated_at_local = excluded.updated_at_local,
			deleted = excluded.deleted
	`, string(r.Table), r.ID, r.OwnerID, string(r.Payload),
		r.LocalVersion, remoteVersion, formatTime(r.UpdatedAtLocal), deleted)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

func deleteRecordTx(ctx context.Context, tx *sql.Tx, table types.Table, id string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE table_name = ? AND id = ?`, string(table), id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}
