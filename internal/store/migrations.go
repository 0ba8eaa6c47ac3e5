package store

import (
	"database/sql"
	"fmt"

	"github.com/cadenzadev/cadenza/migrations"
	"github.com/pressly/goose/v3"
)

// RunMigrations applies the pending migrations for one schema using
// goose. dir names a directory of the embedded migrations package:
// migrations.Local for the device store, migrations.Remote for the
// server store.
func RunMigrations(db *sql.DB, dir string) error {
	// Disable goose's default logging to avoid stdout noise
	goose.SetLogger(goose.NopLogger())

	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
