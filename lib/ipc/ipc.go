// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the commands and payload types shared by the
// daemon and the CLI. The daemon decodes request structs from the raw
// CBOR request; the CLI decodes the result structs from the response
// data field.
package ipc

import "time"

// Command names accepted on the daemon socket.
const (
	CommandPing         = "ping"
	CommandStatus       = "status"
	CommandSend         = "send"
	CommandInteractive  = "interactive"
	CommandGroups       = "groups"
	CommandClearSession = "clear-session"
	CommandTaskAdd      = "task-add"
	CommandTaskList     = "task-list"
	CommandTaskRemove   = "task-remove"
)

// DefaultGroup is the workspace used when a request omits the group
// name. Both the daemon and the CLI apply it so the two agree on
// which workspace an unqualified request targets.
const DefaultGroup = "default"

// SendRequest runs the agent in a workspace. A missing workspace is
// created on first use.
type SendRequest struct {
	Group  string `cbor:"group"`
	Prompt string `cbor:"prompt"`
	// Fresh starts a new agent session instead of resuming the stored
	// one. The stored session is replaced by the new one on success.
	Fresh bool `cbor:"fresh,omitempty"`
	// Tools names extra tools to provision for this run, in addition
	// to the daemon's configured defaults.
	Tools []string `cbor:"tools,omitempty"`
}

// SendResult is the agent's reply.
type SendResult struct {
	Output    string `cbor:"output"`
	SessionID string `cbor:"session_id,omitempty"`
}

// InteractiveRequest prepares a workspace for an interactive session:
// the workspace is created if missing and its summary returned, so the
// REPL can greet with session state before the first message.
type InteractiveRequest struct {
	Group string `cbor:"group"`
}

// ClearSessionRequest drops the stored agent session for a workspace.
type ClearSessionRequest struct {
	Group string `cbor:"group"`
}

// GroupSummary describes one workspace in a groups listing.
type GroupSummary struct {
	Name       string    `cbor:"name"`
	Folder     string    `cbor:"folder"`
	HasSession bool      `cbor:"has_session"`
	CreatedAt  time.Time `cbor:"created_at"`
}

// GroupsResult lists all workspaces.
type GroupsResult struct {
	Groups []GroupSummary `cbor:"groups"`
}

// StatusResult reports daemon health.
type StatusResult struct {
	PID       int       `cbor:"pid"`
	Version   string    `cbor:"version"`
	StartedAt time.Time `cbor:"started_at"`
	Groups    int       `cbor:"groups"`
	Tasks     int       `cbor:"tasks"`
}

// TaskAddRequest schedules a new task.
type TaskAddRequest struct {
	Group   string `cbor:"group"`
	Trigger string `cbor:"trigger"`
	Prompt  string `cbor:"prompt"`
}

// TaskRemoveRequest deletes a task by ID.
type TaskRemoveRequest struct {
	ID string `cbor:"id"`
}

// TaskSummary describes one scheduled task.
type TaskSummary struct {
	ID         string    `cbor:"id"`
	Group      string    `cbor:"group"`
	Trigger    string    `cbor:"trigger"`
	Prompt     string    `cbor:"prompt"`
	Status     string    `cbor:"status"`
	NextRun    time.Time `cbor:"next_run,omitempty"`
	LastRun    time.Time `cbor:"last_run,omitempty"`
	LastResult string    `cbor:"last_result,omitempty"`
}

// TaskListResult lists all tasks.
type TaskListResult struct {
	Tasks []TaskSummary `cbor:"tasks"`
}
