// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hermit-sh/hermit/lib/trigger"
)

// Task statuses. A task moves active -> firing -> active (recurring,
// with advanced next_run) or done (one-shot). Claiming flips active to
// firing inside a transaction, so two scheduler ticks can never pick
// up the same task.
const (
	TaskActive = "active"
	TaskFiring = "firing"
	TaskDone   = "done"
)

// Task is a scheduled agent invocation against a workspace.
type Task struct {
	// ID is a short unique identifier, shown to the user.
	ID string

	// Group is the owning workspace's name.
	Group string

	// Expression is the canonical stored trigger expression.
	Expression string

	// Trigger is the parsed form of Expression.
	Trigger trigger.Trigger

	// Prompt is the text sent to the agent on each firing.
	Prompt string

	// NextRun is when the task is next due. Zero for consumed
	// one-shot tasks.
	NextRun time.Time

	// LastRun is when the task last fired. Zero if it never has.
	LastRun time.Time

	// LastResult is a truncated excerpt of the last firing's reply or
	// error.
	LastResult string

	// Status is TaskActive, TaskFiring, or TaskDone.
	Status string

	CreatedAt time.Time
}

// maxStoredResult bounds last_result. Full replies live in the
// workspace transcript; the task row keeps only an excerpt.
const maxStoredResult = 500

// AddTask validates the trigger expression, computes the first run
// time, and stores the task. The workspace must already exist
// (GetOrCreateWorkspace first); malformed expressions are rejected
// here, never at fire time.
func (s *Store) AddTask(ctx context.Context, group, expression, prompt string) (Task, error) {
	now := time.Now()
	parsed, err := trigger.Parse(expression, now)
	if err != nil {
		return Task{}, err
	}
	if prompt == "" {
		return Task{}, fmt.Errorf("store: task prompt must not be empty")
	}

	task := Task{
		ID:         uuid.NewString()[:8],
		Group:      group,
		Expression: parsed.String(),
		Trigger:    parsed,
		Prompt:     prompt,
		NextRun:    parsed.Next(now),
		Status:     TaskActive,
		CreatedAt:  now,
	}

	err = s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO tasks (id, group_name, trigger, prompt, next_run, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				task.ID, task.Group, task.Expression, task.Prompt,
				formatTime(task.NextRun), task.Status, formatTime(task.CreatedAt),
			}})
		if err != nil {
			return fmt.Errorf("store: creating task for %q: %w", group, err)
		}
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// ListTasks returns all tasks in creation order, including consumed
// one-shot tasks (status done) for the user's audit trail.
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT id, group_name, trigger, prompt, next_run, last_run, last_result, status, created_at
			 FROM tasks ORDER BY created_at, id`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					task, err := taskFromRow(stmt)
					if err != nil {
						return err
					}
					tasks = append(tasks, task)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing tasks: %w", err)
	}
	return tasks, nil
}

// DeleteTask removes a task by id. Returns ErrNotFound for unknown
// ids.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `DELETE FROM tasks WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id}})
		if err != nil {
			return fmt.Errorf("store: deleting task %s: %w", id, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		return nil
	})
}

// ClaimDueTasks atomically claims every active task whose next_run is
// at or before now, flipping it to firing, and returns the claimed
// tasks. A claimed task belongs to the caller until FinishTask; a
// concurrent or later claim can never return it again. This is the
// at-most-once half of the scheduler contract — a claimed task that
// the daemon never finishes (crash, restart) is resolved by
// RecoverClaimed, not re-fired.
func (s *Store) ClaimDueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	var claimed []Task
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`SELECT id, group_name, trigger, prompt, next_run, last_run, last_result, status, created_at
			 FROM tasks
			 WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?`,
			&sqlitex.ExecOptions{
				Args: []any{TaskActive, formatTime(now)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					task, err := taskFromRow(stmt)
					if err != nil {
						return err
					}
					claimed = append(claimed, task)
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("store: selecting due tasks: %w", err)
		}

		for i := range claimed {
			claimed[i].Status = TaskFiring
			err := sqlitex.Execute(conn,
				`UPDATE tasks SET status = ? WHERE id = ?`,
				&sqlitex.ExecOptions{Args: []any{TaskFiring, claimed[i].ID}})
			if err != nil {
				return fmt.Errorf("store: claiming task %s: %w", claimed[i].ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// FinishTask records the outcome of a claimed task's firing. For
// recurring tasks, next is the advanced next_run and the task returns
// to active. For one-shot tasks pass a zero next: the task is marked
// done, consuming its single chance (deliberately even when the
// firing failed).
func (s *Store) FinishTask(ctx context.Context, id, result string, ranAt time.Time, next time.Time) error {
	if len(result) > maxStoredResult {
		// Back off to a rune boundary so the excerpt stays valid UTF-8.
		cut := maxStoredResult
		for cut > 0 && !utf8.RuneStart(result[cut]) {
			cut--
		}
		result = result[:cut]
	}

	status := TaskDone
	var nextValue any
	if !next.IsZero() {
		status = TaskActive
		nextValue = formatTime(next)
	}

	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE tasks SET last_run = ?, last_result = ?, next_run = ?, status = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{formatTime(ranAt), result, nextValue, status, id}})
		if err != nil {
			return fmt.Errorf("store: finishing task %s: %w", id, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		return nil
	})
}

// DeferTask reschedules a claimed recurring task whose workspace was
// busy: it returns to active at the trigger's next computed time
// without recording a run. One-shot tasks are not deferred through the
// store; the scheduler retries them in memory until the daemon exits.
func (s *Store) DeferTask(ctx context.Context, id string, next time.Time) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE tasks SET next_run = ?, status = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{formatTime(next), TaskActive, id}})
		if err != nil {
			return fmt.Errorf("store: deferring task %s: %w", id, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		return nil
	})
}

// RecoverClaimed resolves tasks left in firing state by a previous
// daemon process. Recurring tasks return to active with next_run
// recomputed from now; one-shot tasks are marked done — their single
// chance is treated as consumed, preserving at-most-once across
// restarts.
func (s *Store) RecoverClaimed(ctx context.Context, now time.Time) error {
	var stuck []Task
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`SELECT id, group_name, trigger, prompt, next_run, last_run, last_result, status, created_at
			 FROM tasks WHERE status = ?`,
			&sqlitex.ExecOptions{
				Args: []any{TaskFiring},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					task, err := taskFromRow(stmt)
					if err != nil {
						return err
					}
					stuck = append(stuck, task)
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("store: selecting claimed tasks: %w", err)
		}

		for _, task := range stuck {
			if task.Trigger.OneShot() {
				err = sqlitex.Execute(conn,
					`UPDATE tasks SET status = ?, next_run = NULL WHERE id = ?`,
					&sqlitex.ExecOptions{Args: []any{TaskDone, task.ID}})
			} else {
				err = sqlitex.Execute(conn,
					`UPDATE tasks SET status = ?, next_run = ? WHERE id = ?`,
					&sqlitex.ExecOptions{Args: []any{TaskActive, formatTime(task.Trigger.Next(now)), task.ID}})
			}
			if err != nil {
				return fmt.Errorf("store: recovering task %s: %w", task.ID, err)
			}
			s.logger.Warn("recovered task claimed by previous daemon",
				"task", task.ID,
				"group", task.Group,
				"one_shot", task.Trigger.OneShot(),
			)
		}
		return nil
	})
	return err
}

// taskFromRow builds a Task from the standard nine-column task SELECT.
// Stored trigger expressions were validated at creation, so a parse
// failure here means database corruption.
func taskFromRow(stmt *sqlite.Stmt) (Task, error) {
	task := Task{
		ID:         stmt.ColumnText(0),
		Group:      stmt.ColumnText(1),
		Expression: stmt.ColumnText(2),
		Prompt:     stmt.ColumnText(3),
		NextRun:    parseTime(stmt.ColumnText(4)),
		LastRun:    parseTime(stmt.ColumnText(5)),
		LastResult: stmt.ColumnText(6),
		Status:     stmt.ColumnText(7),
		CreatedAt:  parseTime(stmt.ColumnText(8)),
	}
	parsed, err := trigger.Parse(task.Expression, task.CreatedAt)
	if err != nil {
		return Task{}, fmt.Errorf("store: task %s has unparseable stored trigger %q: %w", task.ID, task.Expression, err)
	}
	task.Trigger = parsed
	return task, nil
}
