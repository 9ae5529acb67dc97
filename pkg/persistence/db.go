// Package persistence provides SQLite-backed stores for tasks, product
// requirements, and dead letters. The database handle is opened once by the
// composition root and injected into each store.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // sqlite driver

	"aihive/pkg/logx"
)

// Open opens the database with WAL mode and a busy timeout, initializes the
// schema, and configures the pool for SQLite's single-writer model.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logx.NewLogger("persistence").Info("database ready: %s", dbPath)
	return db, nil
}
