package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	version     int
	description string
	// destructive migrations run with foreign-key enforcement disabled,
	// bracketing their own transaction — SQLite requires the pragma to be
	// toggled outside any open transaction.
	destructive bool
	apply       func(tx *sql.Tx) error
}

var migrations = []migration{
	{
		version:     1,
		description: "legacy auth table + counter-column client_keys (pre-ledger era)",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS auth (
					provider TEXT PRIMARY KEY,
					kind TEXT NOT NULL,
					access TEXT,
					refresh TEXT,
					expires_ms INTEGER,
					key TEXT,
					token TEXT,
					account_id TEXT,
					enterprise_url TEXT
				);
				CREATE TABLE IF NOT EXISTS client_keys_legacy (
					id TEXT PRIMARY KEY,
					key TEXT UNIQUE NOT NULL,
					name TEXT NOT NULL,
					enabled INTEGER NOT NULL DEFAULT 1,
					created_at INTEGER NOT NULL,
					last_used_at INTEGER,
					hourly_tokens INTEGER NOT NULL DEFAULT 0,
					hourly_reset_at INTEGER NOT NULL DEFAULT 0,
					weekly_tokens INTEGER NOT NULL DEFAULT 0,
					weekly_reset_at INTEGER NOT NULL DEFAULT 0,
					total_tokens INTEGER NOT NULL DEFAULT 0
				);
			`)
			return err
		},
	},
	{
		version:     2,
		description: "request_log append-only ledger",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS request_log (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					key_id TEXT NOT NULL,
					model TEXT NOT NULL,
					input_tokens INTEGER NOT NULL DEFAULT 0,
					output_tokens INTEGER NOT NULL DEFAULT 0,
					cache_read_tokens INTEGER NOT NULL DEFAULT 0,
					cache_write_tokens INTEGER NOT NULL DEFAULT 0,
					cost_microdollars INTEGER NOT NULL DEFAULT 0,
					created_at INTEGER NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_request_log_key_created ON request_log(key_id, created_at);
				CREATE INDEX IF NOT EXISTS idx_request_log_key_model_created ON request_log(key_id, model, created_at);
			`)
			return err
		},
	},
	{
		version:     3,
		description: "admin_sessions (opaque cookie sessions, out of core scope)",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS admin_sessions (
					token TEXT PRIMARY KEY,
					expires_at_sec INTEGER NOT NULL
				);
			`)
			return err
		},
	},
	{
		version:     4,
		description: "credentials table replaces the ad-hoc auth table shape",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS credentials (
					provider TEXT PRIMARY KEY,
					kind TEXT NOT NULL,
					access TEXT,
					refresh TEXT,
					expires_ms INTEGER,
					account_id TEXT,
					enterprise_url TEXT,
					api_key TEXT,
					well_known_key TEXT,
					well_known_token TEXT
				);
			`)
			return err
		},
	},
	{
		version:     5,
		description: "client_keys: ledger schema replaces counter columns (destructive rename)",
		destructive: true,
		apply: func(tx *sql.Tx) error {
			now := time.Now().UnixMilli()
			if _, err := tx.Exec(`
				CREATE TABLE client_keys (
					id TEXT PRIMARY KEY,
					key TEXT UNIQUE NOT NULL,
					name TEXT NOT NULL,
					enabled INTEGER NOT NULL DEFAULT 1,
					created_at INTEGER NOT NULL,
					last_used_at INTEGER,
					allow_extra_usage INTEGER NOT NULL DEFAULT 0,
					five_hour_limit INTEGER,
					weekly_limit INTEGER,
					total_limit INTEGER,
					five_hour_reset_at INTEGER NOT NULL DEFAULT 0,
					weekly_reset_at INTEGER NOT NULL DEFAULT 0,
					five_hour_count_from INTEGER NOT NULL DEFAULT 0,
					weekly_count_from INTEGER NOT NULL DEFAULT 0,
					total_count_from INTEGER NOT NULL DEFAULT 0
				);
			`); err != nil {
				return err
			}

			rows, err := tx.Query(`SELECT id, key, name, enabled, created_at, last_used_at FROM client_keys_legacy`)
			if err != nil {
				return fmt.Errorf("read legacy client_keys: %w", err)
			}
			type legacyRow struct {
				id, key, name       string
				enabled             int
				createdAt           int64
				lastUsedAt          sql.NullInt64
			}
			var legacyRows []legacyRow
			for rows.Next() {
				var r legacyRow
				if err := rows.Scan(&r.id, &r.key, &r.name, &r.enabled, &r.createdAt, &r.lastUsedAt); err != nil {
					rows.Close()
					return fmt.Errorf("scan legacy client_key row: %w", err)
				}
				legacyRows = append(legacyRows, r)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return err
			}
			rows.Close()

			for _, r := range legacyRows {
				// count_from is derived at advancement time: existing usage
				// predates the ledger, so windows start counting from now.
				if _, err := tx.Exec(
					`INSERT INTO client_keys (id, key, name, enabled, created_at, last_used_at,
						five_hour_count_from, weekly_count_from, total_count_from)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					r.id, r.key, r.name, r.enabled, r.createdAt, r.lastUsedAt, now, now, now,
				); err != nil {
					return fmt.Errorf("migrate legacy client_key %s: %w", r.id, err)
				}
			}

			// Dropping the parent table cascades to any child rows that
			// referenced it by foreign key; that is why this migration
			// disables FK enforcement for its duration.
			if _, err := tx.Exec(`DROP TABLE client_keys_legacy`); err != nil {
				return err
			}
			return nil
		},
	},
	{
		version:     6,
		description: "key_allowed_models whitelist",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS key_allowed_models (
					key_id TEXT NOT NULL REFERENCES client_keys(id) ON DELETE CASCADE,
					model TEXT NOT NULL,
					PRIMARY KEY (key_id, model)
				);
			`)
			return err
		},
	},
	{
		version:     7,
		description: "key_model_limits per-(key,model) quota overrides",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS key_model_limits (
					key_id TEXT NOT NULL REFERENCES client_keys(id) ON DELETE CASCADE,
					model TEXT NOT NULL,
					five_hour_limit INTEGER,
					weekly_limit INTEGER,
					total_limit INTEGER,
					count_from INTEGER NOT NULL DEFAULT 0,
					PRIMARY KEY (key_id, model)
				);
			`)
			return err
		},
	},
	{
		version:     8,
		description: "models catalog (seeded on first boot by internal/modelcatalog)",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS models (
					id TEXT PRIMARY KEY,
					sort_order INTEGER NOT NULL DEFAULT 0,
					enabled INTEGER NOT NULL DEFAULT 1,
					input_price REAL NOT NULL DEFAULT 0,
					output_price REAL NOT NULL DEFAULT 0,
					cache_read_price REAL NOT NULL DEFAULT 0,
					cache_write_price REAL NOT NULL DEFAULT 0
				);
			`)
			return err
		},
	},
}

func (s *Store) migrate() error {
	if _, err := s.DB.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := s.currentVersion()
	if err != nil {
		return err
	}

	if current == 0 {
		if adopted, err := s.hasLegacyAuthTable(); err != nil {
			return err
		} else if adopted {
			log.Printf("[store] pre-migration-era database detected, adopting at schema version 1")
			if err := s.setVersion(1); err != nil {
				return err
			}
			current = 1
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.backupBeforeMigrate(m.version); err != nil {
			return err
		}

		if m.destructive {
			if _, err := s.DB.Exec(`PRAGMA foreign_keys = OFF`); err != nil {
				return fmt.Errorf("disable foreign keys for migration %d: %w", m.version, err)
			}
		}

		tx, err := s.DB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.description, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}

		if m.destructive {
			if _, err := s.DB.Exec(`PRAGMA foreign_keys = ON`); err != nil {
				return fmt.Errorf("re-enable foreign keys after migration %d: %w", m.version, err)
			}
		}

		if err := s.setVersion(m.version); err != nil {
			return err
		}
		log.Printf("[store] applied migration %d: %s", m.version, m.description)
		current = m.version
	}

	return nil
}

func (s *Store) currentVersion() (int, error) {
	var v sql.NullInt64
	err := s.DB.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func (s *Store) setVersion(v int) error {
	_, err := s.DB.Exec(`DELETE FROM schema_version`)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO schema_version (version) VALUES (?)`, v)
	return err
}

func (s *Store) hasLegacyAuthTable() (bool, error) {
	var name string
	err := s.DB.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='auth'`).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check legacy auth table: %w", err)
	}
	return true, nil
}
