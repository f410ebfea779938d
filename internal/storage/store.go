// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SCOPES AND KEYS
// =============================================================================

// Scope binds a logical key to its owner: the shared anonymous guest scope
// or one authenticated user.
type Scope struct {
	userID string
}

// GuestScope is the shared scope for unauthenticated visitors.
func GuestScope() Scope {
	return Scope{}
}

// UserScope is the scope owned by one authenticated user.
func UserScope(userID string) Scope {
	return Scope{userID: userID}
}

// IsGuest reports whether this is the anonymous scope.
func (s Scope) IsGuest() bool {
	return s.userID == ""
}

// id is the scope column value in the store.
func (s Scope) id() string {
	if s.userID == "" {
		return "guest"
	}
	return "user:" + s.userID
}

// Logical keys. These names are shared with older client code paths, so
// they must stay stable across releases.
const (
	// KeyConversations holds the cached conversation list.
	KeyConversations = "conversations"

	// KeyCurrentConversation holds the active conversation pointer.
	KeyCurrentConversation = "current-conversation"

	// KeyLegacyMessages is the flat message list older clients still read.
	KeyLegacyMessages = "messages"

	// KeyGuestMessageCount tracks how many messages a guest has sent.
	KeyGuestMessageCount = "guest-message-count"
)

// migratedKeys is the fixed table of keys moved from guest scope to user
// scope on first authentication.
var migratedKeys = []string{
	KeyConversations,
	KeyCurrentConversation,
	KeyLegacyMessages,
	KeyGuestMessageCount,
}

// =============================================================================
// STORE
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	scope      TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (scope, key)
);
CREATE TABLE IF NOT EXISTS meta (
	name  TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// Store is the scoped key-value store backed by a single SQLite file.
type Store struct {
	db     *sql.DB
	path   string
	sealer *Sealer // nil when at-rest sealing is disabled

	// Generation tracking distinguishes this process's writes from
	// another process's. Every mutation bumps a persisted counter in
	// the meta table; genBase is its value at open, localGen the bumps
	// made through this handle.
	genBase  atomic.Int64
	localGen atomic.Int64
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}

	s := &Store{db: db, path: path}
	s.genBase.Store(s.Generation())
	return s, nil
}

// OpenSealed opens the store with at-rest sealing of values enabled. The
// key is derived from the passphrase with a per-store random salt.
func OpenSealed(path, passphrase string) (*Store, error) {
	s, err := Open(path)
	if err != nil {
		return nil, err
	}

	salt, err := s.loadOrCreateSalt()
	if err != nil {
		s.Close()
		return nil, err
	}
	sealer, err := NewSealer(passphrase, salt)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.sealer = sealer
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the store file path (watched for cross-process changes).
func (s *Store) Path() string {
	return s.path
}

// =============================================================================
// WRITE GENERATION
// =============================================================================

// Generation reads the persisted write counter shared by every process
// holding this store open. Failures report the last value this process
// expects, so callers degrade to treating the change as self-originated.
func (s *Store) Generation() int64 {
	var gen int64
	err := s.db.QueryRow(`SELECT value FROM meta WHERE name = 'generation'`).Scan(&gen)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("STORAGE_GENERATION_READ_FAILED | error=%v", err)
		}
		return s.LocalGeneration()
	}
	return gen
}

// LocalGeneration is the counter value expected when every write since
// open came from this process.
func (s *Store) LocalGeneration() int64 {
	return s.genBase.Load() + s.localGen.Load()
}

// ResyncGeneration adopts the persisted counter as this process's
// baseline, called after foreign changes have been picked up.
func (s *Store) ResyncGeneration() {
	s.genBase.Store(s.Generation() - s.localGen.Load())
}

// bumpGeneration records one mutation by this process.
func (s *Store) bumpGeneration() {
	s.localGen.Add(1)
	_, err := s.db.Exec(
		`INSERT INTO meta (name, value) VALUES ('generation', 1)
		 ON CONFLICT (name) DO UPDATE SET value = value + 1`,
	)
	if err != nil {
		log.Printf("STORAGE_GENERATION_WRITE_FAILED | error=%v", err)
	}
}

// =============================================================================
// RAW ACCESS
// =============================================================================

// GetRaw reads the stored string for (scope, key). Any failure is logged
// and reported as absence: this layer never propagates read errors.
func (s *Store) GetRaw(key string, scope Scope) (string, bool) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM kv WHERE scope = ? AND key = ?`, scope.id(), key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		log.Printf("STORAGE_READ_FAILED | scope=%s key=%s error=%v", scope.id(), key, err)
		return "", false
	}

	if s.sealer != nil || IsSealed(value) {
		opened, err := s.openValue(value)
		if err != nil {
			// Treat undecryptable data like any other corrupt record.
			log.Printf("STORAGE_UNSEAL_FAILED | scope=%s key=%s error=%v", scope.id(), key, err)
			return "", false
		}
		value = opened
	}
	return value, true
}

// SetRaw writes the string for (scope, key). Failures are logged and
// swallowed; local persistence is best-effort by design.
func (s *Store) SetRaw(key, value string, scope Scope) {
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(value)
		if err != nil {
			log.Printf("STORAGE_SEAL_FAILED | scope=%s key=%s error=%v", scope.id(), key, err)
			return
		}
		value = sealed
	}

	_, err := s.db.Exec(
		`INSERT INTO kv (scope, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		scope.id(), key, value,
	)
	if err != nil {
		log.Printf("STORAGE_WRITE_FAILED | scope=%s key=%s error=%v", scope.id(), key, err)
		return
	}
	s.bumpGeneration()
}

// Remove deletes (scope, key). Missing keys and failures are both no-ops.
func (s *Store) Remove(key string, scope Scope) {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE scope = ? AND key = ?`, scope.id(), key); err != nil {
		log.Printf("STORAGE_DELETE_FAILED | scope=%s key=%s error=%v", scope.id(), key, err)
		return
	}
	s.bumpGeneration()
}

// Has reports whether (scope, key) exists, without decoding the value.
func (s *Store) Has(key string, scope Scope) bool {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM kv WHERE scope = ? AND key = ?`, scope.id(), key,
	).Scan(&one)
	return err == nil
}

// =============================================================================
// TYPED ACCESS
// =============================================================================

// KV is the raw scoped key-value surface consumed by higher layers.
// *Store implements it; tests substitute an in-memory fake.
type KV interface {
	GetRaw(key string, scope Scope) (string, bool)
	SetRaw(key, value string, scope Scope)
	Remove(key string, scope Scope)
	Has(key string, scope Scope) bool
	MigrateGuestToUser(userID string)
}

// Get reads and decodes the value for (scope, key). Strings pass through
// unencoded; other types are decoded from JSON. Absent keys, corrupt
// records, and store failures all report (zero, false).
func Get[T any](s KV, key string, scope Scope) (T, bool) {
	var zero T

	raw, ok := s.GetRaw(key, scope)
	if !ok {
		return zero, false
	}

	// Strings are stored verbatim.
	if out, ok := any(&zero).(*string); ok {
		*out = raw
		return zero, true
	}

	if err := json.Unmarshal([]byte(raw), &zero); err != nil {
		log.Printf("STORAGE_DECODE_FAILED | scope=%s key=%s error=%v", scope.id(), key, err)
		var again T
		return again, false
	}
	return zero, true
}

// Set encodes and writes the value for (scope, key). Strings are stored
// verbatim; other types are JSON-encoded. Failures degrade to a no-op.
func Set[T any](s KV, key string, value T, scope Scope) {
	if str, ok := any(value).(string); ok {
		s.SetRaw(key, str, scope)
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		log.Printf("STORAGE_ENCODE_FAILED | scope=%s key=%s error=%v", scope.id(), key, err)
		return
	}
	s.SetRaw(key, string(data), scope)
}

// =============================================================================
// GUEST → USER MIGRATION
// =============================================================================

// MigrateGuestToUser moves every guest-scoped entity into the user scope.
// Each value is written only if the user-scope key is absent, so data from
// a previous authenticated session is never overwritten; the guest key is
// deleted either way (moved, not copied). Safe to call repeatedly and safe
// to call with no guest data present.
func (s *Store) MigrateGuestToUser(userID string) {
	guest := GuestScope()
	user := UserScope(userID)

	for _, key := range migratedKeys {
		value, ok := s.GetRaw(key, guest)
		if !ok {
			continue
		}
		if !s.Has(key, user) {
			s.SetRaw(key, value, user)
			log.Printf("STORAGE_MIGRATED | key=%s user=%s", key, userID)
		}
		s.Remove(key, guest)
	}
}

// =============================================================================
// SALT PERSISTENCE
// =============================================================================

// loadOrCreateSalt returns the store's key-derivation salt, generating and
// persisting one on first use.
func (s *Store) loadOrCreateSalt() ([]byte, error) {
	var salt []byte
	err := s.db.QueryRow(`SELECT value FROM meta WHERE name = 'kdf_salt'`).Scan(&salt)
	if err == nil && len(salt) == SaltSize {
		return salt, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	salt, err = GenerateSalt()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta (name, value) VALUES ('kdf_salt', ?)`, salt); err != nil {
		return nil, fmt.Errorf("failed to persist salt: %w", err)
	}
	return salt, nil
}
