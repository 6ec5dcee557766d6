// Package store implements the gateway's durable layer: the global
// user/session/token tables and the per-user clients table, all backed
// by a single modernc.org/sqlite database.
package store

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed all:migrations/sqlite
var migrationsFS embed.FS

// Open opens (creating if needed) the sqlite database at path, enables
// WAL mode for concurrent Hub access, and applies any pending
// migrations.
func Open(path string) (*sql.DB, error) {
	// Multiple per-tenant Hub goroutines share this *sql.DB; busy_timeout
	// makes a writer block and retry instead of failing outright when it
	// collides with another writer under WAL. It is set through the DSN
	// so that every pooled connection gets it, not just the first one.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := migrateUp(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// migrateUp applies every pending embedded migration. Re-running it
// against an already-current database is a no-op (ErrNoChange).
func migrateUp(db *sql.DB) error {
	sub, err := iofs.New(migrationsFS, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("load migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sub, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}
