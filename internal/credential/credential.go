// Package credential persists per-provider credentials (OAuth tokens, a
// static API key, or a well-known key+token pair) in the database,
// encrypting secret fields at rest with AES-256-GCM.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"crypto/sha256"
)

// Kind tags which variant a Credential row holds.
type Kind string

const (
	KindOAuth     Kind = "oauth"
	KindAPI       Kind = "api"
	KindWellKnown Kind = "well_known"
)

// Credential is the tagged-union shape from the data model, expressed as a
// Go struct with kind-specific optional fields rather than a generic sum
// type — matching the teacher's own preference for plain structs over
// interface-based variant dispatch.
type Credential struct {
	Kind Kind

	// OAuth fields.
	Access        string
	Refresh       string
	ExpiresMs     int64
	AccountID     string
	EnterpriseURL string

	// Api fields.
	APIKey string

	// WellKnown fields.
	WellKnownKey   string
	WellKnownToken string
}

// Store is backed by the `credentials` table. At most one row per provider.
type Store struct {
	db  *sql.DB
	key []byte
}

// New derives the at-rest AES-256 key from an operator-supplied secret via
// PBKDF2 (the teacher's indirect x/crypto dependency, given a concrete job
// instead of sitting unused) and returns a Store bound to db.
func New(db *sql.DB, secret string) *Store {
	key := pbkdf2.Key([]byte(secret), []byte("claude-key-proxy-credential-salt"), 100_000, 32, sha256.New)
	return &Store{db: db, key: key}
}

// Get fetches the stored credential for a provider. Read errors fail soft:
// a missing row or a row scan error both return (nil, nil). A secret field
// that fails to decode or decrypt comes back as "" on the returned Credential.
func (s *Store) Get(provider string) (*Credential, error) {
	row := s.db.QueryRow(`SELECT kind, access, refresh, expires_ms, account_id, enterprise_url,
		api_key, well_known_key, well_known_token FROM credentials WHERE provider = ?`, provider)

	var (
		kind                                                    string
		access, refresh, accountID, enterpriseURL               sql.NullString
		expiresMs                                                sql.NullInt64
		apiKey, wellKnownKey, wellKnownToken                    sql.NullString
	)
	err := row.Scan(&kind, &access, &refresh, &expiresMs, &accountID, &enterpriseURL, &apiKey, &wellKnownKey, &wellKnownToken)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, nil
	}

	c := &Credential{Kind: Kind(kind)}
	if access.Valid {
		c.Access = s.decrypt(access.String)
	}
	if refresh.Valid {
		c.Refresh = s.decrypt(refresh.String)
	}
	c.ExpiresMs = expiresMs.Int64
	c.AccountID = accountID.String
	c.EnterpriseURL = enterpriseURL.String
	if apiKey.Valid {
		c.APIKey = s.decrypt(apiKey.String)
	}
	c.WellKnownKey = wellKnownKey.String
	if wellKnownToken.Valid {
		c.WellKnownToken = s.decrypt(wellKnownToken.String)
	}
	return c, nil
}

// Has reports whether a provider has a stored credential. Fails soft to false.
func (s *Store) Has(provider string) bool {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM credentials WHERE provider = ?`, provider).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// Set inserts or replaces the credential for a provider (INSERT OR REPLACE).
func (s *Store) Set(provider string, c Credential) error {
	var access, refresh, apiKey, wellKnownToken any
	if c.Access != "" {
		access = s.encrypt(c.Access)
	}
	if c.Refresh != "" {
		refresh = s.encrypt(c.Refresh)
	}
	if c.APIKey != "" {
		apiKey = s.encrypt(c.APIKey)
	}
	if c.WellKnownToken != "" {
		wellKnownToken = s.encrypt(c.WellKnownToken)
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO credentials
			(provider, kind, access, refresh, expires_ms, account_id, enterprise_url, api_key, well_known_key, well_known_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		provider, string(c.Kind), access, refresh, nullIfZero(c.ExpiresMs),
		nullIfEmpty(c.AccountID), nullIfEmpty(c.EnterpriseURL), apiKey, nullIfEmpty(c.WellKnownKey), wellKnownToken)
	if err != nil {
		return fmt.Errorf("set credential for %s: %w", provider, err)
	}
	return nil
}

// Remove deletes the stored credential for a provider, if any.
func (s *Store) Remove(provider string) error {
	if _, err := s.db.Exec(`DELETE FROM credentials WHERE provider = ?`, provider); err != nil {
		return fmt.Errorf("remove credential for %s: %w", provider, err)
	}
	return nil
}

// UpdateTokens atomically replaces the access/refresh tokens and expiry of
// an existing OAuth row. Restricted to rows already of kind oauth.
func (s *Store) UpdateTokens(provider, access, refresh string, newExpiresMs int64) error {
	res, err := s.db.Exec(`
		UPDATE credentials SET access = ?, refresh = ?, expires_ms = ?
		WHERE provider = ? AND kind = 'oauth'`,
		s.encrypt(access), s.encrypt(refresh), newExpiresMs, provider)
	if err != nil {
		return fmt.Errorf("update tokens for %s: %w", provider, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update tokens for %s: no existing oauth credential", provider)
	}
	return nil
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

// encrypt/decrypt follow the teacher's own AES-256-GCM-with-16-byte-nonce
// pattern (base64(iv[16] + ciphertext + tag)).
func (s *Store) encrypt(plaintext string) string {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return ""
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, 16)
	if err != nil {
		return ""
	}
	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return ""
	}
	ciphertext := gcm.Seal(nil, iv, []byte(plaintext), nil)
	combined := append(append([]byte{}, iv...), ciphertext...)
	return base64.StdEncoding.EncodeToString(combined)
}

func (s *Store) decrypt(encoded string) string {
	combined, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(combined) < 33 {
		return ""
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return ""
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, 16)
	if err != nil {
		return ""
	}
	plaintext, err := gcm.Open(nil, combined[:16], combined[16:], nil)
	if err != nil {
		return ""
	}
	return string(plaintext)
}
