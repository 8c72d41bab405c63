// Package store implements the SQLite-backed durability plane (C8): the
// lifelog/sessions/bindings/operations/thought-trace/telemetry database,
// the observability-samples database, and (in taskdb.go) the digital-task
// + push-queue database. Every database applies the same tuned PRAGMAs and
// versions its schema via PRAGMA user_version, migrating forward-only on
// open, exactly as spec.md §4.8 requires.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a single SQLite connection pool with the mutex every store
// built on top of it uses to guard writes (spec.md §5 "SQLite connections
// ... guarded by a per-store mutex").
type DB struct {
	Conn *sql.DB
	Mu   sync.Mutex
}

// open applies the shared durability PRAGMAs and runs migration to bring
// the schema to len(migrations) via PRAGMA user_version.
func open(path string, migrations []string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1) // check_same_thread=false equivalent: serialize via a single conn + our own mutex

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}

	db := &DB{Conn: conn}
	if err := db.migrate(migrations); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// migrate applies migrations[current:] in order and bumps user_version,
// one statement group per transaction so a failure never leaves a
// partially-applied version recorded.
func (d *DB) migrate(migrations []string) error {
	var current int
	if err := d.Conn.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for i := current; i < len(migrations); i++ {
		tx, err := d.Conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version=%d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump user_version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

func (d *DB) Close() error {
	return d.Conn.Close()
}

// BackupTo writes a consistent snapshot of the database to destPath via
// SQLite's VACUUM INTO, for the control plane's admin backup endpoint.
func (d *DB) BackupTo(destPath string) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	_, err := d.Conn.Exec("VACUUM INTO ?", destPath)
	return err
}
