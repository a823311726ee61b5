// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is Hermit's durable state layer: workspaces ("groups"),
// their active agent sessions, and scheduled tasks, backed by a single
// SQLite database plus one directory per workspace.
//
// All mutations are transactional. The database serializes concurrent
// access from the daemon's request handlers and the scheduler; this is
// independent of the per-workspace execution lock, which lives in the
// invoker. A store error is fatal to the request that hit it, never to
// the daemon process.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hermit-sh/hermit/lib/sqlitepool"
)

// ErrNotFound is returned when a named workspace or task does not
// exist. Test with errors.Is.
var ErrNotFound = errors.New("store: not found")

// ErrInvalidName is returned for workspace names outside the safe
// character set. Test with errors.Is.
var ErrInvalidName = errors.New("store: invalid workspace name")

// schema creates the tables on first connection. Executed per
// connection; IF NOT EXISTS makes it idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS groups (
	id          INTEGER PRIMARY KEY,
	name        TEXT UNIQUE NOT NULL,
	folder      TEXT UNIQUE NOT NULL,
	session_id  TEXT,
	session_used_at TEXT,
	created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	group_name  TEXT NOT NULL REFERENCES groups(name),
	trigger     TEXT NOT NULL,
	prompt      TEXT NOT NULL,
	next_run    TEXT,
	last_run    TEXT,
	last_result TEXT,
	status      TEXT NOT NULL DEFAULT 'active',
	created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks(next_run);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// Store provides transactional access to Hermit's durable state.
// Safe for concurrent use.
type Store struct {
	pool      *sqlitepool.Pool
	groupsDir string
	logger    *slog.Logger
}

// Config holds the parameters for opening a Store.
type Config struct {
	// DatabasePath is the SQLite database file. Its parent directory
	// is created if missing.
	DatabasePath string

	// GroupsDir is the directory under which each workspace's root
	// directory is created. Created if missing.
	GroupsDir string

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Open opens (creating if necessary) the database and the groups
// directory. The caller must Close the store when done.
func Open(cfg Config) (*Store, error) {
	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("store: DatabasePath is required")
	}
	if cfg.GroupsDir == "" {
		return nil, fmt.Errorf("store: GroupsDir is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("store: creating data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.GroupsDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating groups directory: %w", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.DatabasePath,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, err
	}

	return &Store{
		pool:      pool,
		groupsDir: filepath.Clean(cfg.GroupsDir),
		logger:    logger,
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// GroupsDir returns the directory containing all workspace roots.
func (s *Store) GroupsDir() string {
	return s.groupsDir
}

// withConn borrows a connection, runs fn, and returns it.
func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// withTx borrows a connection and runs fn inside an immediate
// transaction. The transaction commits when fn returns nil and rolls
// back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	err = fn(conn)
	end(&err)
	return err
}
