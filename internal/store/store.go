// Package store is the sqlite-backed knowledge store: hibernation
// snapshots, archived patterns and metrics of retired agents, conflict
// history and TTL policies.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/mtzanidakis/hivemind/internal/config"
	"github.com/mtzanidakis/hivemind/internal/vault"
)

type Store struct {
	db    *sql.DB
	enc   *zstd.Encoder
	dec   *zstd.Decoder
	vault *vault.Vault
}

type Option func(*Store)

// WithVault seals snapshot blobs before they are written.
func WithVault(v *vault.Vault) Option {
	return func(s *Store) { s.vault = v }
}

func New(cfg config.StoreConfig, opts ...Option) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL for concurrent readers; busy timeout so writers retry instead
	// of returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}

	s := &Store{db: db, enc: enc, dec: dec}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	s.dec.Close()
	_ = s.enc.Close()
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agent_snapshots (
			agent_id    TEXT PRIMARY KEY,
			data        BLOB NOT NULL,
			raw_size    INTEGER NOT NULL,
			sealed      BOOLEAN DEFAULT FALSE,
			taken_at    DATETIME NOT NULL,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS learned_patterns (
			pattern     TEXT PRIMARY KEY,
			confidence  REAL NOT NULL,
			source      TEXT NOT NULL,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agent_archives (
			agent_id        TEXT PRIMARY KEY,
			agent_type      TEXT NOT NULL,
			swarm_id        TEXT,
			generation      INTEGER NOT NULL,
			tasks_completed INTEGER NOT NULL,
			tasks_failed    INTEGER NOT NULL,
			success_rate    REAL NOT NULL,
			efficiency      REAL NOT NULL,
			fitness         REAL NOT NULL,
			detail          TEXT,
			spawned_at      DATETIME NOT NULL,
			archived_at     DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS conflict_history (
			id            TEXT PRIMARY KEY,
			protocol_id   TEXT NOT NULL,
			activation_id TEXT NOT NULL,
			kind          TEXT NOT NULL,
			subject       TEXT,
			resolution    TEXT NOT NULL,
			winner        TEXT,
			level         TEXT NOT NULL,
			resolved      BOOLEAN NOT NULL,
			detail        TEXT NOT NULL,
			detected_at   DATETIME NOT NULL,
			resolved_at   DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_detected ON conflict_history(detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_protocol ON conflict_history(protocol_id, detected_at)`,
		`CREATE TABLE IF NOT EXISTS ttl_policies (
			scope       TEXT NOT NULL,
			key         TEXT NOT NULL,
			ttl_ms      INTEGER NOT NULL,
			auto_retire BOOLEAN DEFAULT FALSE,
			inherit     BOOLEAN DEFAULT FALSE,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (scope, key)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
