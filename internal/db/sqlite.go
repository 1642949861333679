// Package db opens the SQLite database used for workspace snapshots.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens the SQLite database at dbPath and runs schema migrations.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// runMigrations executes the database schema migrations.
func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		taken_at DATETIME NOT NULL,
		workspaces INTEGER NOT NULL,
		activities INTEGER NOT NULL,
		dead_letters INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		members BLOB,
		agents BLOB,
		settings BLOB,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspace_activity (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		metadata BLOB,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_activity_workspace_id ON workspace_activity(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_activity_timestamp ON workspace_activity(timestamp);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload BLOB,
		priority INTEGER NOT NULL,
		retry_count INTEGER NOT NULL,
		max_retries INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		metadata BLOB,
		created_at DATETIME NOT NULL,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_dead_letters_type ON dead_letters(type);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// NewTestDB creates a new in-memory database for testing.
func NewTestDB() (*sql.DB, error) {
	testDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}

	// Each pooled connection to ":memory:" is a separate database.
	testDB.SetMaxOpenConns(1)

	if err := runMigrations(testDB); err != nil {
		testDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return testDB, nil
}
