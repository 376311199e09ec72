// internal/db/db.go
//
// Database helpers for the numguess server.
// Responsibilities:
//   - Opening SQLite database with safe defaults (WAL, busy timeout, foreign keys).
//   - Applying embedded migrations from assets/sql/*.sql (idempotent, recorded in _migrations).
//
// Note: This file assumes SQLite but can be adapted for other backends.

package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/robalobadob/numguess/assets"
)

/**
 * Open opens (and creates if missing) a SQLite database file.
 *
 * - Ensures parent directory exists for relative DSNs (e.g. ./data/numguess.db).
 * - Configures busy timeout and WAL journaling mode.
 * - Enforces foreign keys.
 *
 * ":memory:" is accepted for tests; the pool is then pinned to one
 * connection, since every SQLite connection gets its own in-memory database.
 */
func Open(dsn string) (*sql.DB, error) {
	memory := strings.HasPrefix(dsn, ":memory:")

	if !memory {
		dir := filepath.Dir(dsn)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("mkdir %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite3", dsn+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	if memory {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	return db, nil
}

/**
 * Migrate applies the embedded SQL migrations.
 *
 * - Uses a _migrations table to track applied files.
 * - Executes each script in lexical order, inside its own transaction.
 * - Skips scripts already applied.
 */
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS _migrations (name TEXT PRIMARY KEY);`); err != nil {
		return fmt.Errorf("create _migrations: %w", err)
	}

	migrations, err := assets.Migrations()
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	for _, m := range migrations {
		var done int
		err := db.QueryRow(`SELECT 1 FROM _migrations WHERE name=?`, m.Name).Scan(&done)
		if err == nil {
			log.Debug().Str("migration", m.Name).Msg("already applied")
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("query _migrations: %w", err)
		}

		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(`INSERT INTO _migrations(name) VALUES (?)`, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", m.Name, err)
		}
		log.Info().Str("migration", m.Name).Msg("applied")
	}
	return nil
}
