// Package state persists everything the daemon must remember across
// restarts: per-side cursors, the lock table, the reject queue, and the
// GUID and DN maps. All of it lives in one sqlite database written only by
// the running daemon.
package state

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/isometry/dirsync/internal/ldap"
)

// DBFileName is the database file inside the state directory.
const DBFileName = "state.db"

const schema = `
CREATE TABLE IF NOT EXISTS cursors (
    side TEXT PRIMARY KEY,
    position INTEGER NOT NULL,
    updated_at TEXT NOT NULL -- RFC3339
);

CREATE TABLE IF NOT EXISTS locks (
    side TEXT NOT NULL,
    identity TEXT NOT NULL,
    created_at INTEGER NOT NULL, -- unix microseconds
    PRIMARY KEY (side, identity)
);

CREATE INDEX IF NOT EXISTS idx_locks_created_at ON locks(created_at);

CREATE TABLE IF NOT EXISTS rejects (
    side TEXT NOT NULL,
    key TEXT NOT NULL,
    identity TEXT NOT NULL,
    position INTEGER NOT NULL,
    payload BLOB NOT NULL,
    reason TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    enqueued_at TEXT NOT NULL,
    last_attempt_at TEXT NOT NULL,
    PRIMARY KEY (side, key)
);

CREATE INDEX IF NOT EXISTS idx_rejects_position ON rejects(side, position);

CREATE TABLE IF NOT EXISTS guid_map (
    guid TEXT PRIMARY KEY,
    dn TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dn_map (
    ldap_key TEXT PRIMARY KEY,
    ldap_dn TEXT NOT NULL,
    ad_key TEXT NOT NULL UNIQUE,
    ad_dn TEXT NOT NULL
);
`

// Store is the daemon's durable state.
type Store struct {
	db   *sqlx.DB
	path string
	now  func() time.Time
	log  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithNow replaces the wall clock used for timestamps and lock expiry.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// Open opens or creates the state database at path.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("state database path is required")
	}

	s := &Store{path: path, now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	db, err := NewSqliteDb(WithPath(path), WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}

	s.db = db
	s.log.Debug("state store opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return errors.New("state store not open")
	}
	if err := s.db.Close(); err != nil {
		s.log.Error("failed to close state database", "error", err)
		return err
	}
	s.db = nil
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Cursors() *Cursors {
	return &Cursors{s: s}
}

// Locks returns the lock table with the given expiry.
func (s *Store) Locks(ttl time.Duration) *LockTable {
	return &LockTable{s: s, ttl: ttl}
}

func (s *Store) Rejects() *RejectQueue {
	return &RejectQueue{s: s}
}

func (s *Store) GUIDs() *GUIDMap {
	return &GUIDMap{s: s}
}

func (s *Store) DNs() *DNMap {
	return &DNMap{s: s}
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NormalizeIdentity returns the storage key of a DN: lower-cased with the
// whitespace around RDN separators removed.
func NormalizeIdentity(identity string) string {
	return ldap.CanonicalDN(strings.TrimSpace(identity))
}
