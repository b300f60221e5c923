// Package store persists all gateway state in a single WAL-mode SQLite file.
//
// Writes are serialized through one connection (SQLite works best with a
// single writer); reads go through a separate read-only pool so queries never
// queue behind the write lane. The file survives abrupt termination: WAL with
// synchronous=NORMAL guarantees a consistent database, and provider mutations
// are committed with synchronous=FULL for full durability.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the durable backing for providers, logs, keys, settings, and
// metric counters.
type Store struct {
	writer *sql.DB
	reader *sql.DB
	log    *slog.Logger
}

const busyTimeoutMs = 5000

var writerPragmas = []string{
	fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMs),
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA cache_size = -64000",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA mmap_size = 268435456",
	"PRAGMA foreign_keys = ON",
}

// Open opens (creating if needed) the SQLite database at path and runs
// migrations. The directory is created when missing.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	writer, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	writer.SetMaxOpenConns(1)

	for _, pragma := range writerPragmas {
		if _, err := writer.ExecContext(ctx, pragma); err != nil {
			writer.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	reader, err := sql.Open("sqlite", path)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("store: open read pool: %w", err)
	}
	reader.SetMaxOpenConns(4)
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMs),
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := reader.ExecContext(ctx, pragma); err != nil {
			writer.Close()
			reader.Close()
			return nil, fmt.Errorf("store: read pool %s: %w", pragma, err)
		}
	}

	s := &Store{writer: writer, reader: reader, log: log}
	if err := s.migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}

	if err := writer.PingContext(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	log.Info("store opened", slog.String("path", path))
	return s, nil
}

// Ping verifies both lanes are reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.writer.PingContext(ctx); err != nil {
		return err
	}
	return s.reader.PingContext(ctx)
}

// Close checkpoints the WAL and closes both lanes.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn("wal checkpoint failed", slog.String("error", err.Error()))
	}
	rerr := s.reader.Close()
	werr := s.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS providers (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	base_url        TEXT NOT NULL,
	api_key         TEXT NOT NULL DEFAULT '',
	models          TEXT NOT NULL DEFAULT '[]',
	model_blacklist TEXT NOT NULL DEFAULT '[]',
	status          TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('active','pending','error')),
	created_at      INTEGER NOT NULL,
	last_synced_at  INTEGER NOT NULL DEFAULT 0,
	last_used_at    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_logs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	provider_id   TEXT NOT NULL,
	provider_name TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	result        TEXT NOT NULL CHECK (result IN ('ok','error')),
	message       TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_logs_provider ON sync_logs(provider_id, created_at DESC);

CREATE TABLE IF NOT EXISTS request_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	method      TEXT NOT NULL,
	path        TEXT NOT NULL,
	model       TEXT NOT NULL DEFAULT '',
	status      INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	client_ip   TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_logs_created ON request_logs(created_at DESC);

CREATE TABLE IF NOT EXISTS hermes_keys (
	id           TEXT PRIMARY KEY,
	key_hash     TEXT NOT NULL UNIQUE,
	description  TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	last_used_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metrics_counters (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS metrics_models (
	model TEXT PRIMARY KEY,
	count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS metrics_providers (
	id     TEXT PRIMARY KEY,
	name   TEXT NOT NULL DEFAULT '',
	count  INTEGER NOT NULL DEFAULT 0,
	errors INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := s.writer.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// withFullSync runs fn with synchronous=FULL on the single writer connection,
// restoring NORMAL afterwards. Used for provider mutations, which must be
// durable the moment they commit.
func (s *Store) withFullSync(ctx context.Context, fn func() error) error {
	if _, err := s.writer.ExecContext(ctx, "PRAGMA synchronous = FULL"); err != nil {
		return fmt.Errorf("store: raise durability: %w", err)
	}
	defer func() {
		_, _ = s.writer.ExecContext(context.WithoutCancel(ctx), "PRAGMA synchronous = NORMAL")
	}()
	return fn()
}

func nowMs() int64 { return time.Now().UnixMilli() }
