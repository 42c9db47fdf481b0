// Package clientkey implements the proxy-issued API-key store: creation,
// CRUD, and constant-time validation against every enabled row.
package clientkey

import (
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const keyPrefix = "sk-proxy-"

// ClientKey mirrors the data model's ClientKey entity.
type ClientKey struct {
	ID              string
	Key             string
	Name            string
	Enabled         bool
	CreatedAt       int64
	LastUsedAt      int64
	AllowExtraUsage bool

	FiveHourLimit *int64
	WeeklyLimit   *int64
	TotalLimit    *int64

	FiveHourResetAt    int64
	WeeklyResetAt      int64
	FiveHourCountFrom  int64
	WeeklyCountFrom    int64
	TotalCountFrom     int64
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create generates a new secret (sk-proxy- + 32 random bytes, URL-safe
// base64 no padding) and an opaque UUID id, then inserts the row.
func (s *Store) Create(name string) (*ClientKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate key secret: %w", err)
	}
	key := keyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	id := uuid.NewString()
	now := time.Now().UnixMilli()

	ck := &ClientKey{
		ID:        id,
		Key:       key,
		Name:      name,
		Enabled:   true,
		CreatedAt: now,
	}

	_, err := s.db.Exec(`
		INSERT INTO client_keys (id, key, name, enabled, created_at,
			five_hour_count_from, weekly_count_from, total_count_from)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?)`,
		id, key, name, now, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("create client key: %w", err)
	}
	ck.FiveHourCountFrom, ck.WeeklyCountFrom, ck.TotalCountFrom = now, now, now
	return ck, nil
}

func (s *Store) List() ([]ClientKey, error) {
	rows, err := s.db.Query(`SELECT id, key, name, enabled, created_at, last_used_at, allow_extra_usage,
		five_hour_limit, weekly_limit, total_limit,
		five_hour_reset_at, weekly_reset_at, five_hour_count_from, weekly_count_from, total_count_from
		FROM client_keys`)
	if err != nil {
		return nil, fmt.Errorf("list client keys: %w", err)
	}
	defer rows.Close()

	var out []ClientKey
	for rows.Next() {
		ck, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ck)
	}
	return out, rows.Err()
}

func (s *Store) Get(id string) (*ClientKey, error) {
	row := s.db.QueryRow(`SELECT id, key, name, enabled, created_at, last_used_at, allow_extra_usage,
		five_hour_limit, weekly_limit, total_limit,
		five_hour_reset_at, weekly_reset_at, five_hour_count_from, weekly_count_from, total_count_from
		FROM client_keys WHERE id = ?`, id)
	ck, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get client key %s: %w", id, err)
	}
	return ck, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(row scanner) (*ClientKey, error) {
	var ck ClientKey
	var enabled, allowExtra int
	var lastUsedAt sql.NullInt64
	var fiveHourLimit, weeklyLimit, totalLimit sql.NullInt64

	err := row.Scan(&ck.ID, &ck.Key, &ck.Name, &enabled, &ck.CreatedAt, &lastUsedAt, &allowExtra,
		&fiveHourLimit, &weeklyLimit, &totalLimit,
		&ck.FiveHourResetAt, &ck.WeeklyResetAt, &ck.FiveHourCountFrom, &ck.WeeklyCountFrom, &ck.TotalCountFrom)
	if err != nil {
		return nil, err
	}
	ck.Enabled = enabled != 0
	ck.AllowExtraUsage = allowExtra != 0
	if lastUsedAt.Valid {
		ck.LastUsedAt = lastUsedAt.Int64
	}
	if fiveHourLimit.Valid {
		v := fiveHourLimit.Int64
		ck.FiveHourLimit = &v
	}
	if weeklyLimit.Valid {
		v := weeklyLimit.Int64
		ck.WeeklyLimit = &v
	}
	if totalLimit.Valid {
		v := totalLimit.Int64
		ck.TotalLimit = &v
	}
	return &ck, nil
}

// Validate fetches all enabled rows and compares each key against the
// presented key in constant time, continuing through every row regardless
// of whether a match was already found — returning on first match would
// leak the row count scanned via timing.
func (s *Store) Validate(presented string) (*ClientKey, error) {
	rows, err := s.db.Query(`SELECT id, key, name, enabled, created_at, last_used_at, allow_extra_usage,
		five_hour_limit, weekly_limit, total_limit,
		five_hour_reset_at, weekly_reset_at, five_hour_count_from, weekly_count_from, total_count_from
		FROM client_keys WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("validate client key: %w", err)
	}
	defer rows.Close()

	presentedBytes := []byte(presented)
	var match *ClientKey
	for rows.Next() {
		ck, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client key row: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(ck.Key), presentedBytes) == 1 {
			match = ck
		}
		// Continue iterating all rows to maintain constant time.
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return match, nil
}

// UpdateLastUsed is fire-and-forget on the caller's success path; failures
// are the caller's to log and ignore.
func (s *Store) UpdateLastUsed(id string) error {
	_, err := s.db.Exec(`UPDATE client_keys SET last_used_at = ? WHERE id = ?`, time.Now().UnixMilli(), id)
	return err
}

func (s *Store) SetEnabled(id string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := s.db.Exec(`UPDATE client_keys SET enabled = ? WHERE id = ?`, v, id)
	return err
}

func (s *Store) SetAllowExtraUsage(id string, allow bool) error {
	v := 0
	if allow {
		v = 1
	}
	_, err := s.db.Exec(`UPDATE client_keys SET allow_extra_usage = ? WHERE id = ?`, v, id)
	return err
}

func (s *Store) SetLimits(id string, fiveHour, weekly, total *int64) error {
	_, err := s.db.Exec(`UPDATE client_keys SET five_hour_limit = ?, weekly_limit = ?, total_limit = ? WHERE id = ?`,
		ptrToAny(fiveHour), ptrToAny(weekly), ptrToAny(total), id)
	return err
}

func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM client_keys WHERE id = ?`, id)
	return err
}

// UpdateWindow persists window-maintenance results (§4.6 step 1).
func (s *Store) UpdateWindow(id string, fiveHourResetAt, weeklyResetAt, fiveHourCountFrom, weeklyCountFrom int64) error {
	_, err := s.db.Exec(`UPDATE client_keys SET five_hour_reset_at = ?, weekly_reset_at = ?,
		five_hour_count_from = ?, weekly_count_from = ? WHERE id = ?`,
		fiveHourResetAt, weeklyResetAt, fiveHourCountFrom, weeklyCountFrom, id)
	return err
}

// AdvanceCountFrom resets one window's count_from to now (§4.6 "resetting
// usage"). Historical request_log rows are never touched.
func (s *Store) AdvanceCountFrom(id, window string, now int64) error {
	var col string
	switch window {
	case "five_hour":
		col = "five_hour_count_from"
	case "weekly":
		col = "weekly_count_from"
	case "total":
		col = "total_count_from"
	default:
		return fmt.Errorf("unknown window %q", window)
	}
	_, err := s.db.Exec(fmt.Sprintf(`UPDATE client_keys SET %s = ? WHERE id = ?`, col), now, id)
	return err
}

func ptrToAny(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
