// Package store is the durable, transactional home for application data
// and all sync bookkeeping. Every domain write and its queue entry commit
// in one transaction; remote batches apply all-or-nothing.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/cadenzadev/cadenza/migrations"
)

// timeFormat is the canonical timestamp encoding for all store columns.
const timeFormat = time.RFC3339Nano

// SQLiteStore is the local row store backing one device.
type SQLiteStore struct {
	db       *sql.DB
	sourceID string
}

// OpenDB opens a SQLite database with WAL mode, pragmas, and the named
// migration schema applied. Shared by the local store and the reference
// server store, each with its own migrations directory.
func OpenDB(dbPath, migrationsDir string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db, migrationsDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// Open creates or opens the local store at dbPath and assigns the device
// a stable source ID on first open.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := OpenDB(dbPath, migrations.Local)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.ensureSourceID(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.recoverInFlight(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// recoverInFlight returns entries stranded mid-push by a crash or hard
// shutdown to the pending state, so the next cycle retries them. The push
// path is at-least-once: if the server already applied the lost push, the
// retry settles as an idempotent replay or a version mismatch.
func (s *SQLiteStore) recoverInFlight() error {
	if _, err := s.db.Exec(
		`UPDATE sync_queue SET status = 'pending' WHERE status = 'in_flight'`); err != nil {
		return fmt.Errorf("recover in-flight entries: %w", err)
	}
	return nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SourceID returns the stable identifier of this device, generated on
// first open and persisted in sync_meta.
func (s *SQLiteStore) SourceID() string {
	return s.sourceID
}

func (s *SQLiteStore) ensureSourceID() error {
	var id string
	err := s.db.QueryRow(`SELECT value FROM sync_meta WHERE key = 'source_id'`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		id = ulid.Make().String()
		if _, err := s.db.Exec(
			`INSERT INTO sync_meta (key, value) VALUES ('source_id', ?)`, id); err != nil {
			return fmt.Errorf("persist source id: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read source id: %w", err)
	}
	s.sourceID = id
	return nil
}

// GetMeta reads a sync_meta value. Returns "" if the key is absent.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read meta %s: %w", key, err)
	}
	return v, nil
}

// SetMeta writes a sync_meta value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

// CheckIntegrity verifies that every queue entry still references an
// existing record. A nonzero orphan count means the store cannot be
// trusted and the caller must recover via a full pull and queue rebuild.
func (s *SQLiteStore) CheckIntegrity(ctx context.Context) error {
	var orphans int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue q
		WHERE NOT EXISTS (
			SELECT 1 FROM records r
			WHERE r.table_name = q.table_name AND r.id = q.record_id
		)
	`).Scan(&orphans)
	if err != nil {
		return fmt.Errorf("check integrity: %w", err)
	}
	if orphans > 0 {
		return fmt.Errorf("%w: %d orphan entries", ErrCorrupted, orphans)
	}
	return nil
}

// RebuildQueue drops queue entries that no longer reference an existing
// record. Part of corruption recovery; never called in normal operation.
func (s *SQLiteStore) RebuildQueue(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE NOT EXISTS (
			SELECT 1 FROM records r
			WHERE r.table_name = sync_queue.table_name AND r.id = sync_queue.record_id
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("rebuild queue: %w", err)
	}
	return res.RowsAffected()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
