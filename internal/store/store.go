// Package store owns the single SQLite database file: opening it,
// evolving its schema through an ordered migration ladder, and the
// request-log aggregation queries the quota engine builds on.
package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the single shared database handle. Unlike a connection
// opened fresh per write call, one handle lets migrations and FK-pragma
// toggling run as coordinated, transactional steps.
type Store struct {
	DB   *sql.DB
	path string
}

// Open creates the parent directory if needed, opens the database with
// foreign-key enforcement and WAL mode, runs any pending migrations, and
// returns the shared handle.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(8)

	s := &Store{DB: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Conn hands out the shared handle. Foreign-key enforcement is already
// enabled process-wide via the DSN, so there is nothing per-call to set.
func (s *Store) Conn() *sql.DB {
	return s.DB
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// backupBeforeMigrate copies the database file (and its -wal sidecar, if
// present) aside before a pending migration runs, so a botched migration
// is recoverable.
func (s *Store) backupBeforeMigrate(version int) error {
	if s.path == "" || s.path == ":memory:" {
		return nil
	}
	if _, err := os.Stat(s.path); err != nil {
		return nil // nothing to back up yet (fresh database)
	}
	if err := copyFile(s.path, fmt.Sprintf("%s.backup-v%d", s.path, version)); err != nil {
		return fmt.Errorf("backup database file: %w", err)
	}
	walPath := s.path + "-wal"
	if _, err := os.Stat(walPath); err == nil {
		if err := copyFile(walPath, fmt.Sprintf("%s.backup-v%d", walPath, version)); err != nil {
			return fmt.Errorf("backup wal file: %w", err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func nullIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
