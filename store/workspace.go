// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Workspace is a named, isolated working directory with its own
// conversation state. The directory is exclusively owned by the
// workspace and is the only writable path a sandboxed agent sees.
type Workspace struct {
	// Name is the user-facing workspace name.
	Name string

	// Folder is the filesystem-safe directory name derived from Name
	// (lowercased, spaces replaced with dashes).
	Folder string

	// Root is the absolute path of the workspace directory.
	Root string

	// CreatedAt is when the workspace record was first created.
	CreatedAt time.Time
}

// WorkspaceInfo is a Workspace plus its session status, for listings.
type WorkspaceInfo struct {
	Workspace

	// SessionID is the active session identifier, empty when the
	// workspace has no session.
	SessionID string

	// SessionUsedAt is when the session was last advanced. Zero when
	// there is no session.
	SessionUsedAt time.Time
}

// timeLayout is how the store renders timestamps in SQLite TEXT
// columns. Always UTC.
const timeLayout = "2006-01-02T15:04:05Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// maxNameLength bounds workspace names. Long names make unwieldy
// directory names and transcript headers.
const maxNameLength = 64

// ValidateName checks a workspace name against the safe character
// set: letters, digits, spaces, dashes, and underscores, at least one
// of which is a letter or digit. This rules out path traversal and
// hidden-file names by construction.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLength {
		return fmt.Errorf("%w: %q (must be 1-%d characters)", ErrInvalidName, name, maxNameLength)
	}
	hasAlnum := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			hasAlnum = true
		case r == ' ', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: %q (allowed: letters, digits, space, dash, underscore)", ErrInvalidName, name)
		}
	}
	if !hasAlnum {
		return fmt.Errorf("%w: %q (needs at least one letter or digit)", ErrInvalidName, name)
	}
	return nil
}

// FolderName derives the directory name for a workspace name:
// lowercased with spaces replaced by dashes. Callers must have
// validated the name first.
func FolderName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "-")
}

// GetOrCreateWorkspace returns the workspace with the given name,
// creating its record, directory, and seed files on first call.
// Idempotent: repeated calls return the same workspace and never
// duplicate its directory.
func (s *Store) GetOrCreateWorkspace(ctx context.Context, name string) (Workspace, error) {
	if err := ValidateName(name); err != nil {
		return Workspace{}, err
	}

	folder := FolderName(name)
	root := filepath.Join(s.groupsDir, folder)

	var workspace Workspace
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		found := false
		err := sqlitex.Execute(conn,
			`SELECT name, folder, created_at FROM groups WHERE name = ?`,
			&sqlitex.ExecOptions{
				Args: []any{name},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					workspace = Workspace{
						Name:      stmt.ColumnText(0),
						Folder:    stmt.ColumnText(1),
						Root:      root,
						CreatedAt: parseTime(stmt.ColumnText(2)),
					}
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("store: looking up workspace %q: %w", name, err)
		}
		if found {
			return nil
		}

		now := time.Now()
		err = sqlitex.Execute(conn,
			`INSERT INTO groups (name, folder, created_at) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{name, folder, formatTime(now)}})
		if err != nil {
			return fmt.Errorf("store: creating workspace %q: %w", name, err)
		}
		workspace = Workspace{Name: name, Folder: folder, Root: root, CreatedAt: now}
		return nil
	})
	if err != nil {
		return Workspace{}, err
	}

	if err := seedWorkspaceDir(root); err != nil {
		return Workspace{}, fmt.Errorf("store: workspace %q: %w", name, err)
	}

	return workspace, nil
}

// seedWorkspaceDir creates the workspace directory tree on first use:
// the root itself, the agent's persistent notes document, the
// append-only transcript, and the agent's isolated state directory.
// Idempotent; existing content is never overwritten.
func seedWorkspaceDir(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, ".claude"), 0o755); err != nil {
		return fmt.Errorf("creating agent state directory: %w", err)
	}

	notes := filepath.Join(root, "notes.md")
	if _, err := os.Stat(notes); os.IsNotExist(err) {
		content := "# Notes\n\nPersistent memory for this workspace. The agent reads and updates this file across conversations.\n"
		if err := os.WriteFile(notes, []byte(content), 0o644); err != nil {
			return fmt.Errorf("seeding notes: %w", err)
		}
	}

	transcript := filepath.Join(root, "transcript.log")
	file, err := os.OpenFile(transcript, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating transcript: %w", err)
	}
	return file.Close()
}

// Session returns the workspace's active session identifier. ok is
// false when the workspace has no session (next invocation starts a
// fresh conversation).
func (s *Store) Session(ctx context.Context, name string) (id string, ok bool, err error) {
	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		found := false
		err := sqlitex.Execute(conn,
			`SELECT session_id FROM groups WHERE name = ?`,
			&sqlitex.ExecOptions{
				Args: []any{name},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					id = stmt.ColumnText(0)
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("store: reading session for %q: %w", name, err)
		}
		if !found {
			return fmt.Errorf("%w: workspace %q", ErrNotFound, name)
		}
		return nil
	})
	return id, id != "", err
}

// SetSession records the session identifier returned by a successful
// invocation. The identifier must be non-empty; callers clear
// sessions with ClearSession.
func (s *Store) SetSession(ctx context.Context, name, id string) error {
	if id == "" {
		return fmt.Errorf("store: refusing to set empty session id for %q", name)
	}
	return s.updateSession(ctx, name, id)
}

// ClearSession removes the workspace's session so the next invocation
// starts a fresh conversation.
func (s *Store) ClearSession(ctx context.Context, name string) error {
	return s.updateSession(ctx, name, "")
}

func (s *Store) updateSession(ctx context.Context, name, id string) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		var sessionValue, usedAtValue any
		if id != "" {
			sessionValue = id
			usedAtValue = formatTime(time.Now())
		}
		err := sqlitex.Execute(conn,
			`UPDATE groups SET session_id = ?, session_used_at = ? WHERE name = ?`,
			&sqlitex.ExecOptions{Args: []any{sessionValue, usedAtValue, name}})
		if err != nil {
			return fmt.Errorf("store: updating session for %q: %w", name, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("%w: workspace %q", ErrNotFound, name)
		}
		return nil
	})
}

// ListWorkspaces returns all workspaces with their session status,
// ordered by name.
func (s *Store) ListWorkspaces(ctx context.Context) ([]WorkspaceInfo, error) {
	var infos []WorkspaceInfo
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT name, folder, session_id, session_used_at, created_at FROM groups ORDER BY name`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					infos = append(infos, WorkspaceInfo{
						Workspace: Workspace{
							Name:      stmt.ColumnText(0),
							Folder:    stmt.ColumnText(1),
							Root:      filepath.Join(s.groupsDir, stmt.ColumnText(1)),
							CreatedAt: parseTime(stmt.ColumnText(4)),
						},
						SessionID:     stmt.ColumnText(2),
						SessionUsedAt: parseTime(stmt.ColumnText(3)),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing workspaces: %w", err)
	}
	return infos, nil
}
